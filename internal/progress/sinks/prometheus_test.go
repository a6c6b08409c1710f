package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/progress"
)

func TestPrometheusSinkRecordsRun(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	run := [16]byte(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: run, TS: now, Stage: progress.StageRunStart},
		{RunID: run, TS: now, Stage: progress.StageRunStart},
		{RunID: run, TS: now, Stage: progress.StageResolved, Locator: "pl", Count: 3},
		{RunID: run, TS: now, Stage: progress.StageAlreadyDone, ItemID: "a"},
		{RunID: run, TS: now, Stage: progress.StageExcluded, ItemID: "b", Keyword: "trailer"},
		{RunID: run, TS: now, Stage: progress.StageDownloadDone, ItemID: "c", Path: "/x/c.mp3"},
		{RunID: run, TS: now, Stage: progress.StageDownloadFailed, ItemID: "d", ExitCode: 1},
		{RunID: run, TS: now, Stage: progress.StageRenamed, Path: "/x/_c.mp3", NewPath: "/x/c.mp3"},
		{RunID: run, TS: now, Stage: progress.StageDeleted, Path: "/x/t.mp3"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.runsActive), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: run, TS: now, Stage: progress.StageRunDone, Dur: 42 * time.Second},
	}))

	assert.InDelta(t, 2.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(sink.runsActive), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.lastRunStatus), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(sink.resolved), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("EXCLUDED")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("DOWNLOAD_DONE")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.toolExits.WithLabelValues("1")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.normalizeOps.WithLabelValues("rename")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.normalizeOps.WithLabelValues("delete")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "harvester_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
