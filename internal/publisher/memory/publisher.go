// Package memory provides an in-process Publisher for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher keeps every published payload in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Publish calls return err (nil restores success).
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the payload and returns a sequential message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
