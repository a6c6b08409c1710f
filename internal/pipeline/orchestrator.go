// Package pipeline runs one acquisition batch end to end: expansion,
// metadata, filtering, downloads, ledger flush, normalization and mirroring.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/media-harvester/internal/download"
	"github.com/JakeFAU/media-harvester/internal/filter"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/ledger"
	"github.com/JakeFAU/media-harvester/internal/normalize"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

const tracerName = "github.com/JakeFAU/media-harvester/internal/pipeline"

// Default pool sizes.
const (
	DefaultMetadataWorkers = 6
	DefaultDownloadWorkers = 2
)

// Config tunes the Orchestrator.
type Config struct {
	MetadataWorkers int
	DownloadWorkers int
	// OutputDir is the directory the normalizer scans after downloads.
	OutputDir string
	// MirrorPrefix is prepended to object names in the mirror store.
	MirrorPrefix string
	Logger       *zap.Logger
}

// Deps are the collaborators of a run. Normalizer, Markers, Mirror, Events,
// Clock and IDs are optional.
type Deps struct {
	Resolver   harvest.Resolver
	Fetcher    harvest.MetadataFetcher
	Acquirer   harvest.Acquirer
	Ledger     *ledger.Ledger
	Filter     *filter.Filter
	Normalizer *normalize.Normalizer
	Markers    *download.Markers
	Mirror     harvest.BlobStore
	Events     progress.Emitter
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
}

// Orchestrator wires the stages together. Runs must not overlap on the same
// ledger; callers serialize them.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Fetcher == nil:
		return nil, errors.New("metadata fetcher is required")
	case deps.Acquirer == nil:
		return nil, errors.New("acquirer is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Filter == nil:
		return nil, errors.New("filter is required")
	}
	if deps.Normalizer != nil && cfg.OutputDir == "" {
		return nil, errors.New("output directory is required when normalizing")
	}
	if cfg.MetadataWorkers <= 0 {
		cfg.MetadataWorkers = DefaultMetadataWorkers
	}
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = DefaultDownloadWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// run carries the state of one batch.
type run struct {
	o      *Orchestrator
	id     [16]byte
	logger *zap.Logger

	mu         sync.Mutex
	report     harvest.Report
	downloaded []string
}

// Run processes locators and returns the report. Item-level failures are
// listed in the report; the returned error is reserved for ledger storage
// failures and cancellation. runID may be empty, in which case one is generated.
func (o *Orchestrator) Run(ctx context.Context, runID string, locators []string) (harvest.Report, error) {
	if runID == "" {
		id, err := o.newRunID()
		if err != nil {
			return harvest.Report{}, err
		}
		runID = id
	}
	rawID, err := progress.RunIDFromString(runID)
	if err != nil {
		return harvest.Report{}, err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.run",
		trace.WithAttributes(attribute.String("run_id", runID), attribute.Int("locators", len(locators))))
	defer span.End()

	r := &run{
		o:      o,
		id:     rawID,
		logger: o.logger.With(zap.String("run_id", runID)),
		report: harvest.Report{RunID: runID, StartedAt: o.now()},
	}
	r.emit(progress.Event{Stage: progress.StageRunStart, Count: len(locators)})
	r.logger.Info("run started", zap.Int("locators", len(locators)))

	runErr := r.execute(ctx, locators)

	// Completed work is recorded even when the run was cancelled.
	flushCtx := context.WithoutCancel(ctx)
	if err := o.deps.Ledger.Flush(flushCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	r.report.FinishedAt = o.now()
	dur := r.report.Duration()
	span.SetAttributes(
		attribute.Int("resolved", r.report.Resolved),
		attribute.Int("downloaded", r.report.Downloaded),
		attribute.Int("failed", r.report.Failed),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
		r.emit(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: runErr.Error()})
		r.logger.Error("run failed", zap.Duration("duration", dur), zap.Error(runErr))
		return r.report, runErr
	}
	r.emit(progress.Event{Stage: progress.StageRunDone, Dur: dur, Count: r.report.Downloaded})
	r.logger.Info("run finished",
		zap.Duration("duration", dur),
		zap.Int("resolved", r.report.Resolved),
		zap.Int("already_done", r.report.AlreadyDone),
		zap.Int("excluded", r.report.Excluded),
		zap.Int("downloaded", r.report.Downloaded),
		zap.Int("failed", r.report.Failed),
		zap.Int("renamed", r.report.Renamed),
		zap.Int("deleted", r.report.Deleted),
	)
	return r.report, nil
}

func (r *run) execute(ctx context.Context, locators []string) error {
	items := r.resolve(ctx, locators)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	pending := r.precheck(items)

	fetched := r.fetchMetadata(ctx, pending)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}

	if err := r.acquire(ctx, fetched); err != nil {
		return err
	}
	if err := r.o.deps.Ledger.Flush(ctx); err != nil {
		return err
	}

	renames := r.normalize(ctx)
	r.mirror(ctx, renames)
	return nil
}

// resolve expands every locator and removes duplicate IDs, keeping the first.
func (r *run) resolve(ctx context.Context, locators []string) []harvest.Item {
	seen := make(map[string]struct{})
	var out []harvest.Item
	for _, loc := range locators {
		if ctx.Err() != nil {
			return out
		}
		items, err := r.o.deps.Resolver.Resolve(ctx, loc)
		if err != nil {
			r.logger.Warn("locator failed", zap.String("locator", loc), zap.Error(err))
			r.fail(harvest.ItemError{Path: loc, Stage: harvest.StageResolve, Reason: err.Error(), Err: err})
			continue
		}
		added := 0
		for _, item := range items {
			if item.ID == "" {
				continue
			}
			if _, dup := seen[item.ID]; dup {
				r.logger.Debug("duplicate item dropped", zap.String("item_id", item.ID), zap.String("locator", loc))
				continue
			}
			seen[item.ID] = struct{}{}
			out = append(out, item)
			added++
		}
		r.emit(progress.Event{Stage: progress.StageResolved, Locator: loc, Count: added})
		r.logger.Info("locator resolved", zap.String("locator", loc), zap.Int("items", added))
	}
	r.report.Resolved = len(out)
	return out
}

// precheck drops items the ledger already knows before any tool call is spent on them.
func (r *run) precheck(items []harvest.Item) []harvest.Item {
	out := make([]harvest.Item, 0, len(items))
	for _, item := range items {
		if state, ok := r.o.deps.Ledger.Lookup(item.ID); ok {
			r.alreadyDone(item, string(state))
			continue
		}
		out = append(out, item)
	}
	return out
}

// fetchMetadata runs the metadata pool and waits for every task (the stage barrier).
func (r *run) fetchMetadata(ctx context.Context, items []harvest.Item) []harvest.Item {
	results := make([]*harvest.Item, len(items))
	var g errgroup.Group
	g.SetLimit(r.o.cfg.MetadataWorkers)
	for i, item := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			full, err := r.o.deps.Fetcher.Fetch(ctx, item)
			if err != nil {
				if ctx.Err() == nil {
					r.metadataFailed(item, err)
				}
				return nil
			}
			results[i] = &full
			return nil
		})
	}
	_ = g.Wait()

	out := make([]harvest.Item, 0, len(items))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// acquire filters and downloads items on the download pool. A ledger storage
// error cancels the remaining work and is returned.
func (r *run) acquire(ctx context.Context, items []harvest.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.DownloadWorkers)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.acquireOne(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

func (r *run) acquireOne(ctx context.Context, item harvest.Item) error {
	if ctx.Err() != nil {
		return nil
	}
	verdict, err := r.o.deps.Filter.Decide(ctx, item)
	if err != nil {
		return err
	}
	switch verdict.Decision {
	case harvest.AlreadyDone:
		r.alreadyDone(item, "claimed")
		return nil
	case harvest.Excluded:
		r.excluded(item, verdict.Keyword)
		return nil
	}

	start := time.Now()
	actx, span := otel.Tracer(tracerName).Start(ctx, "harvest.acquire", trace.WithAttributes(attribute.String("item_id", item.ID)))
	out := r.o.deps.Acquirer.Acquire(actx, item)
	span.SetAttributes(attribute.Bool("reused", out.Reused))
	if !out.OK() {
		span.SetStatus(codes.Error, out.Err.Reason)
	}
	span.End()
	if !out.OK() {
		if ctx.Err() != nil {
			return nil
		}
		r.downloadFailed(item, out.Err)
		return nil
	}
	if err := r.o.deps.Ledger.Record(ctx, item.ID, harvest.StateDone); err != nil {
		return fmt.Errorf("record %s: %w", item.ID, err)
	}
	r.downloadDone(out, time.Since(start))
	return nil
}

func (o *Orchestrator) newRunID() (string, error) {
	if o.deps.IDs != nil {
		return o.deps.IDs.NewID()
	}
	return "", errors.New("run id generator is not configured")
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock.Now()
	}
	return time.Now().UTC()
}
