// Package memory provides the bounded run queue used by the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ErrFull is returned by TryEnqueue when no slot is free.
var ErrFull = errors.New("queue full")

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan harvest.RunRequest
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan harvest.RunRequest, capacity),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req harvest.RunRequest) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// TryEnqueue pushes a request without blocking.
func (q *Queue) TryEnqueue(req harvest.RunRequest) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- req:
		return nil
	default:
		return ErrFull
	}
}

// Full reports whether every slot is taken.
func (q *Queue) Full() bool {
	return len(q.ch) == cap(q.ch)
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.RunRequest, error) {
	select {
	case <-ctx.Done():
		return harvest.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return harvest.RunRequest{}, ErrClosed
		}
		return req, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
