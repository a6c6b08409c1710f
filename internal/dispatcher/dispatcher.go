// Package dispatcher serializes API-triggered runs onto a single worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/queue/memory"
)

// ErrBusy is returned by Submit while another run is queued or running.
var ErrBusy = errors.New("a run is already in progress")

// ErrNoLocators is returned when neither the request nor the configuration
// names any locator.
var ErrNoLocators = errors.New("no locators to process")

// Harvester executes one pipeline run.
type Harvester interface {
	Run(ctx context.Context, runID string, locators []string) (harvest.Report, error)
}

// Config tunes the Dispatcher.
type Config struct {
	// DefaultLocators are used when a submission names none.
	DefaultLocators []string
	Logger          *zap.Logger
}

// Dispatcher accepts run submissions and executes them one at a time.
type Dispatcher struct {
	harvester Harvester
	runs      harvest.RunStore
	ids       harvest.IDGenerator
	queue     *memory.Queue
	defaults  []string
	logger    *zap.Logger

	mu   sync.Mutex
	busy bool
}

// New creates a Dispatcher.
func New(h Harvester, runs harvest.RunStore, ids harvest.IDGenerator, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		harvester: h,
		runs:      runs,
		ids:       ids,
		queue:     memory.NewQueue(1),
		defaults:  append([]string(nil), cfg.DefaultLocators...),
		logger:    logger,
	}
}

// Submit records a queued run and hands it to the worker.
func (d *Dispatcher) Submit(ctx context.Context, locators []string) (harvest.Run, error) {
	if len(locators) == 0 {
		locators = d.defaults
	}
	if len(locators) == 0 {
		return harvest.Run{}, ErrNoLocators
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy || d.queue.Full() {
		return harvest.Run{}, ErrBusy
	}

	id, err := d.ids.NewID()
	if err != nil {
		return harvest.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run := harvest.Run{ID: id, Status: harvest.RunQueued, Locators: append([]string(nil), locators...)}
	if err := d.runs.Create(ctx, run); err != nil {
		return harvest.Run{}, fmt.Errorf("create run: %w", err)
	}
	if err := d.queue.TryEnqueue(harvest.RunRequest{RunID: id, Locators: run.Locators}); err != nil {
		_ = d.runs.Finish(ctx, id, nil, err)
		return harvest.Run{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.busy = true
	return d.runs.Get(ctx, id)
}

// Busy reports whether a run is queued or running.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Run executes queued requests until ctx finishes or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		d.execute(ctx, req)
	}
}

// Close stops accepting work. Run returns once the current request finishes.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) execute(ctx context.Context, req harvest.RunRequest) {
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()

	logger := d.logger.With(zap.String("run_id", req.RunID))
	if err := d.runs.MarkRunning(ctx, req.RunID); err != nil {
		logger.Warn("mark run running failed", zap.Error(err))
	}
	logger.Info("run started", zap.Int("locators", len(req.Locators)))

	report, runErr := d.harvester.Run(ctx, req.RunID, req.Locators)

	// The record is written even when ctx was cancelled mid-run.
	if err := d.runs.Finish(context.WithoutCancel(ctx), req.RunID, &report, runErr); err != nil {
		logger.Warn("finish run failed", zap.Error(err))
	}
	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
		return
	}
	logger.Info("run finished",
		zap.Int("downloaded", report.Downloaded),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration()),
	)
}
