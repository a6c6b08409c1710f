package harvest

import (
	"context"
	"io"
	"time"
)

// Resolver expands a locator into a flat list of items without fetching payload.
type Resolver interface {
	Resolve(ctx context.Context, locator string) ([]Item, error)
}

// MetadataFetcher fills in descriptive metadata for an item.
type MetadataFetcher interface {
	Fetch(ctx context.Context, item Item) (Item, error)
}

// Acquirer produces the final artifact for an eligible item.
type Acquirer interface {
	Acquire(ctx context.Context, item Item) Outcome
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunStore persists API-triggered run records.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, report *Report, runErr error) error
	Get(ctx context.Context, id string) (Run, error)
	List(ctx context.Context, limit int) ([]Run, error)
}
