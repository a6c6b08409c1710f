// Package file implements a line-oriented ledger file.
//
// Each line is "id<TAB>state<TAB>recorded_at". A line holding only an
// identifier is a legacy Done entry; when that identifier is a YouTube URL it
// is mapped to the bare video ID.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Store reads and appends a ledger file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report a torn final line.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Store for path. The parent directory is created if missing;
// the file itself is created lazily on first append.
func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	s := &Store{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the ledger file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads every entry. A missing file is an empty ledger. A malformed
// final line without a trailing newline is the remains of an interrupted
// append and is skipped; malformed lines anywhere else are an error.
func (s *Store) Load(_ context.Context) ([]harvest.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	text := string(data)
	torn := text != "" && !strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var entries []harvest.Entry
	for i, line := range lines {
		entry, ok, err := parseLine(line)
		if err != nil {
			if torn && i == len(lines)-1 {
				s.logger.Warn("skipping torn ledger line",
					zap.String("path", s.path),
					zap.Int("line", i+1),
					zap.Error(err),
				)
				break
			}
			return nil, fmt.Errorf("ledger line %d: %w", i+1, err)
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Append writes entries to the end of the file and syncs it.
func (s *Store) Append(_ context.Context, entries []harvest.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range entries {
		if strings.ContainsAny(e.ID, "\t\r\n") || e.ID == "" {
			return fmt.Errorf("invalid ledger id %q", e.ID)
		}
		ts := e.RecordedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", e.ID, e.State, ts.UTC().Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	prefix, err := s.repairTail(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.WriteString(prefix + b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// tailWindow bounds how far back repairTail looks for the last newline.
const tailWindow = 64 << 10

// repairTail prepares an unterminated final line for an append. A line that
// still parses is kept and gets its newline; anything else is the partial
// write of an interrupted append and is truncated away. The returned prefix
// is written before the new entries.
func (s *Store) repairTail(f *os.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return "", nil
	}
	window := min(size, tailWindow)
	buf := make([]byte, window)
	if _, err := f.ReadAt(buf, size-window); err != nil {
		return "", fmt.Errorf("read ledger tail: %w", err)
	}
	if buf[len(buf)-1] == '\n' {
		return "", nil
	}

	tail := buf[strings.LastIndexByte(string(buf), '\n')+1:]
	if _, _, err := parseLine(string(tail)); err == nil {
		return "\n", nil
	}
	offset := size - int64(len(tail))
	s.logger.Warn("truncating torn ledger line",
		zap.String("path", s.path),
		zap.Int64("offset", offset),
	)
	if err := f.Truncate(offset); err != nil {
		return "", fmt.Errorf("truncate torn ledger line: %w", err)
	}
	return "", nil
}

// Check opens the file for append, creating it if needed.
func (s *Store) Check(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// Close is a no-op; the file is only held open while appending.
func (s *Store) Close() error {
	return nil
}

func parseLine(line string) (harvest.Entry, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return harvest.Entry{}, false, nil
	}
	fields := strings.Split(line, "\t")
	id := strings.TrimSpace(fields[0])
	if len(fields) == 1 {
		if canonical, ok := harvest.CanonicalID(id); ok {
			id = canonical
		}
		return harvest.Entry{ID: id, State: harvest.StateDone}, true, nil
	}
	state, err := harvest.ParseState(fields[1])
	if err != nil {
		return harvest.Entry{}, false, err
	}
	entry := harvest.Entry{ID: id, State: state}
	if len(fields) >= 3 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2])); err == nil {
			entry.RecordedAt = ts
		}
	}
	return entry, true, nil
}
