// Package ledger keeps the persistent set of processed and skipped item IDs.
//
// The ledger is loaded once, mutated in memory behind a single lock while a
// run is in flight, and flushed append-only to its Store either at the end of
// the run or after every decision.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ErrStorage marks failures of the durable backend. Callers treat it as fatal.
var ErrStorage = errors.New("ledger storage")

// Store is the durable backend of a Ledger. Append must never rewrite prior entries.
type Store interface {
	Load(ctx context.Context) ([]harvest.Entry, error)
	Append(ctx context.Context, entries []harvest.Entry) error
	// Check verifies the backend accepts writes.
	Check(ctx context.Context) error
	Close() error
}

// FlushMode selects when new entries reach the Store.
type FlushMode string

// Flush modes.
const (
	FlushEnd         FlushMode = "end"
	FlushIncremental FlushMode = "incremental"
)

// Options configures a Ledger.
type Options struct {
	Flush  FlushMode
	Clock  harvest.Clock
	Logger *zap.Logger
}

// Ledger is the in-memory view of a Store. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	entries map[string]harvest.State
	claimed map[string]struct{}
	pending []harvest.Entry
	flush   FlushMode
	now     func() time.Time
	logger  *zap.Logger
}

// Open loads every entry from store and verifies the store is writable.
// Any failure is wrapped with ErrStorage.
func Open(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrStorage)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flush := opts.Flush
	if flush == "" {
		flush = FlushEnd
	}
	if flush != FlushEnd && flush != FlushIncremental {
		return nil, fmt.Errorf("unknown flush mode %q", flush)
	}
	now := func() time.Time { return time.Now().UTC() }
	if opts.Clock != nil {
		now = opts.Clock.Now
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrStorage, err)
	}
	if err := store.Check(ctx); err != nil {
		return nil, fmt.Errorf("%w: not writable: %w", ErrStorage, err)
	}

	l := &Ledger{
		store:   store,
		entries: make(map[string]harvest.State, len(loaded)),
		claimed: make(map[string]struct{}),
		flush:   flush,
		now:     now,
		logger:  logger,
	}
	for _, e := range loaded {
		if e.ID == "" {
			continue
		}
		if _, ok := l.entries[e.ID]; !ok {
			l.entries[e.ID] = e.State
		}
	}
	logger.Info("ledger loaded", zap.Int("entries", len(l.entries)), zap.String("flush", string(flush)))
	return l, nil
}

// Lookup returns the recorded state for id.
func (l *Ledger) Lookup(id string) (harvest.State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[id]
	return state, ok
}

// Len returns the number of known entries, including unflushed ones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stats counts entries per state.
func (l *Ledger) Stats() map[harvest.State]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[harvest.State]int{harvest.StateDone: 0, harvest.StateSkipped: 0}
	for _, state := range l.entries {
		out[state]++
	}
	return out
}

// Pending returns how many entries are waiting to be flushed.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Update runs fn with exclusive access to the ledger. With incremental
// flushing, entries recorded by fn are appended before Update returns.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &Txn{l: l}
	if err := fn(tx); err != nil {
		return err
	}
	if l.flush == FlushIncremental && tx.recorded > 0 {
		return l.flushLocked(ctx)
	}
	return nil
}

// Record stores id with state unless it is already present.
func (l *Ledger) Record(ctx context.Context, id string, state harvest.State) error {
	return l.Update(ctx, func(tx *Txn) error {
		tx.Record(id, state)
		return nil
	})
}

// Flush appends all pending entries to the store.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

func (l *Ledger) flushLocked(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}
	batch := append([]harvest.Entry(nil), l.pending...)
	if err := l.store.Append(ctx, batch); err != nil {
		return fmt.Errorf("%w: append %d entries: %w", ErrStorage, len(batch), err)
	}
	l.pending = l.pending[:0]
	l.logger.Debug("ledger flushed", zap.Int("entries", len(batch)))
	return nil
}

// Close flushes pending entries and closes the store.
func (l *Ledger) Close(ctx context.Context) error {
	flushErr := l.Flush(ctx)
	closeErr := l.store.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("%w: close: %w", ErrStorage, closeErr)
	}
	return errors.Join(flushErr, closeErr)
}

// Ping checks that the backing store still accepts writes.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.store.Check(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Txn is the view handed to Update callbacks. It must not escape the callback.
type Txn struct {
	l        *Ledger
	recorded int
}

// Lookup returns the recorded state for id.
func (t *Txn) Lookup(id string) (harvest.State, bool) {
	state, ok := t.l.entries[id]
	return state, ok
}

// Claim marks id as taken by the current run. It returns false when the id
// was already claimed, so at most one worker proceeds per id.
func (t *Txn) Claim(id string) bool {
	if _, ok := t.l.claimed[id]; ok {
		return false
	}
	t.l.claimed[id] = struct{}{}
	return true
}

// Claimed reports whether id has been claimed in this run.
func (t *Txn) Claimed(id string) bool {
	_, ok := t.l.claimed[id]
	return ok
}

// Record adds id with state. Existing entries are never overwritten; the
// return value reports whether a new entry was created.
func (t *Txn) Record(id string, state harvest.State) bool {
	if id == "" {
		return false
	}
	if _, ok := t.l.entries[id]; ok {
		return false
	}
	t.l.entries[id] = state
	t.l.pending = append(t.l.pending, harvest.Entry{ID: id, State: state, RecordedAt: t.l.now()})
	t.recorded++
	return true
}
