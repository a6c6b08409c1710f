package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = harvest.ErrRunNotFound

// ErrRunExists is returned when a run ID is reused.
var ErrRunExists = errors.New("run already exists")

// RunStore keeps API run records.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]harvest.Run
	now  func() time.Time
}

// NewRunStore returns an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]harvest.Run), now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a new queued run.
func (s *RunStore) Create(_ context.Context, run harvest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	if run.Status == "" {
		run.Status = harvest.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[run.ID] = run
	return nil
}

// MarkRunning moves a run to running and stamps StartedAt.
func (s *RunStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := s.now()
	run.Status = harvest.RunRunning
	run.StartedAt = &now
	s.runs[id] = run
	return nil
}

// Finish stores the final report and status. A non-nil runErr marks the run failed.
func (s *RunStore) Finish(_ context.Context, id string, report *harvest.Report, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := s.now()
	run.FinishedAt = &now
	run.Report = report
	run.Status = harvest.RunSucceeded
	if runErr != nil {
		run.Status = harvest.RunFailed
		run.Error = runErr.Error()
	}
	s.runs[id] = run
	return nil
}

// Get returns the run with id.
func (s *RunStore) Get(_ context.Context, id string) (harvest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return harvest.Run{}, ErrRunNotFound
	}
	return run, nil
}

// List returns runs newest first, at most limit when limit > 0.
func (s *RunStore) List(_ context.Context, limit int) ([]harvest.Run, error) {
	s.mu.RLock()
	out := make([]harvest.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
