package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/progress"
)

// LogSink writes one debug line per event. It is meant for audits; the
// pipeline already logs notable actions at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.ItemID != "" {
			fields = append(fields, zap.String("item_id", evt.ItemID))
		}
		if evt.Locator != "" {
			fields = append(fields, zap.String("locator", evt.Locator), zap.Int("count", evt.Count))
		}
		if evt.Path != "" {
			fields = append(fields, zap.String("path", evt.Path))
		}
		if evt.NewPath != "" {
			fields = append(fields, zap.String("new_path", evt.NewPath))
		}
		if evt.Keyword != "" {
			fields = append(fields, zap.String("keyword", evt.Keyword))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
