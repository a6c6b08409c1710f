// Package memory provides an in-memory ledger store for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Store keeps entries in a slice in append order.
type Store struct {
	mu      sync.RWMutex
	entries []harvest.Entry
	appends int
	// FailLoad, FailAppend and FailCheck inject errors for tests.
	FailLoad   error
	FailAppend error
	FailCheck  error
	closed     bool
}

// NewStore constructs a Store seeded with entries.
func NewStore(seed ...harvest.Entry) *Store {
	return &Store{entries: append([]harvest.Entry(nil), seed...)}
}

// Load returns a copy of every stored entry.
func (s *Store) Load(context.Context) ([]harvest.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailLoad != nil {
		return nil, s.FailLoad
	}
	return append([]harvest.Entry(nil), s.entries...), nil
}

// Append adds entries to the end of the store.
func (s *Store) Append(_ context.Context, entries []harvest.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}
	if s.FailAppend != nil {
		return s.FailAppend
	}
	s.entries = append(s.entries, entries...)
	s.appends++
	return nil
}

// Check returns FailCheck.
func (s *Store) Check(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FailCheck
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Entries returns a copy of every stored entry.
func (s *Store) Entries() []harvest.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.Entry(nil), s.entries...)
}

// Appends returns how many Append calls succeeded.
func (s *Store) Appends() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}
