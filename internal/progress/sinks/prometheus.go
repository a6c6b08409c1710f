package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-harvester/internal/progress"
)

// PrometheusSink turns events into harvester metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	resolved      prometheus.Counter
	items         *prometheus.CounterVec
	toolExits     *prometheus.CounterVec
	normalizeOps  *prometheus.CounterVec
	lastRunStatus prometheus.Gauge

	mu     sync.Mutex
	active map[[16]byte]struct{}
}

// NewPrometheusSink registers the collectors on reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Pipeline runs finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_active",
			Help: "Pipeline runs in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_items_resolved_total",
			Help: "Items produced by locator expansion.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Per-item outcomes by stage.",
		}, []string{"stage"}),
		toolExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_failures_total",
			Help: "Failed downloads by tool exit code.",
		}, []string{"exit_code"}),
		normalizeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_normalize_operations_total",
			Help: "Files renamed or deleted by the normalizer.",
		}, []string{"op"}),
		lastRunStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_last_run_success",
			Help: "1 when the most recent run succeeded, 0 otherwise.",
		}),
		active: make(map[[16]byte]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.resolved, s.items, s.toolExits, s.normalizeOps, s.lastRunStatus,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.observe(evt)
	}
	return nil
}

func (s *PrometheusSink) observe(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.track(evt.RunID, true) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone, progress.StageRunError:
		result, success := "success", 1.0
		if evt.Stage == progress.StageRunError {
			result, success = "error", 0
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		s.lastRunStatus.Set(success)
		if s.track(evt.RunID, false) {
			s.runsActive.Dec()
		}
	case progress.StageResolved:
		s.resolved.Add(float64(evt.Count))
	case progress.StageMetadataFailed, progress.StageAlreadyDone, progress.StageExcluded, progress.StageDownloadDone:
		s.items.WithLabelValues(string(evt.Stage)).Inc()
	case progress.StageDownloadFailed:
		s.items.WithLabelValues(string(evt.Stage)).Inc()
		s.toolExits.WithLabelValues(fmt.Sprint(evt.ExitCode)).Inc()
	case progress.StageRenamed:
		s.normalizeOps.WithLabelValues("rename").Inc()
	case progress.StageDeleted:
		s.normalizeOps.WithLabelValues("delete").Inc()
	}
}

// track marks a run active (start) or finished and reports whether the set changed.
func (s *PrometheusSink) track(id [16]byte, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	if start {
		if ok {
			return false
		}
		s.active[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
