package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/storage/memory"
)

func TestDispatcherRunsSubmission(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{report: harvest.Report{Resolved: 2, Downloaded: 2}}
	runs := memory.NewRunStore()
	d := New(h, runs, &seqIDs{}, Config{DefaultLocators: []string{"https://example.org/list"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	run, err := d.Submit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, harvest.RunQueued, run.Status)
	assert.Equal(t, []string{"https://example.org/list"}, run.Locators)

	require.Eventually(t, func() bool {
		got, err := runs.Get(ctx, run.ID)
		return err == nil && got.Status == harvest.RunSucceeded
	}, time.Second, 10*time.Millisecond)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Report)
	assert.Equal(t, 2, got.Report.Downloaded)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, []string{"https://example.org/list"}, h.lastLocators())
	assert.False(t, d.Busy())
}

func TestDispatcherRejectsWhileBusy(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := &fakeHarvester{block: release}
	runs := memory.NewRunStore()
	d := New(h, runs, &seqIDs{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	first, err := d.Submit(ctx, []string{"a"})
	require.NoError(t, err)

	_, err = d.Submit(ctx, []string{"b"})
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.Eventually(t, func() bool { return !d.Busy() }, time.Second, 10*time.Millisecond)

	second, err := d.Submit(ctx, []string{"b"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDispatcherRecordsRunError(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{err: errors.New("ledger storage: disk full")}
	runs := memory.NewRunStore()
	d := New(h, runs, &seqIDs{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	run, err := d.Submit(ctx, []string{"a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := runs.Get(ctx, run.ID)
		return err == nil && got.Status == harvest.RunFailed
	}, time.Second, 10*time.Millisecond)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "disk full")
}

func TestDispatcherSubmitWithoutLocators(t *testing.T) {
	t.Parallel()

	d := New(&fakeHarvester{}, memory.NewRunStore(), &seqIDs{}, Config{})
	_, err := d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoLocators)
	assert.False(t, d.Busy())
}

func TestDispatcherRunStopsOnClose(t *testing.T) {
	t.Parallel()

	d := New(&fakeHarvester{}, memory.NewRunStore(), &seqIDs{}, Config{})
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after close")
	}
}

type fakeHarvester struct {
	report harvest.Report
	err    error
	block  chan struct{}

	mu       sync.Mutex
	locators []string
}

func (f *fakeHarvester) Run(ctx context.Context, runID string, locators []string) (harvest.Report, error) {
	f.mu.Lock()
	f.locators = locators
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return harvest.Report{RunID: runID}, ctx.Err()
		}
	}
	report := f.report
	report.RunID = runID
	return report, f.err
}

func (f *fakeHarvester) lastLocators() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locators
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + string(rune('0'+s.n)), nil
}
