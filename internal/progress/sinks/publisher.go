package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

// Notification is the payload published for every artifact a run produces.
type Notification struct {
	RunID       string    `json:"run_id"`
	ItemID      string    `json:"item_id"`
	Title       string    `json:"title,omitempty"`
	Path        string    `json:"path"`
	Reused      bool      `json:"reused,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// PublisherSink forwards DOWNLOAD_DONE events to a Publisher topic.
type PublisherSink struct {
	pub    harvest.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink builds a PublisherSink.
func NewPublisherSink(pub harvest.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes one notification per completed download. Every event is
// attempted; failures are joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageDownloadDone {
			continue
		}
		msg := Notification{
			RunID:       evt.RunUUID().String(),
			ItemID:      evt.ItemID,
			Title:       evt.Title,
			Path:        evt.Path,
			Reused:      evt.Reused,
			CompletedAt: evt.TS.UTC(),
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.ItemID, err))
			continue
		}
		s.logger.Debug("notification published", zap.String("item_id", evt.ItemID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
