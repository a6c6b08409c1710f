package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, harvest.Run{ID: "r1", Locators: []string{"pl"}}))
	require.ErrorIs(t, store.Create(ctx, harvest.Run{ID: "r1"}), ErrRunExists)

	run, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, harvest.RunQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())

	require.NoError(t, store.MarkRunning(ctx, "r1"))
	run, _ = store.Get(ctx, "r1")
	assert.Equal(t, harvest.RunRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	report := &harvest.Report{RunID: "r1", Downloaded: 2}
	require.NoError(t, store.Finish(ctx, "r1", report, nil))
	run, _ = store.Get(ctx, "r1")
	assert.Equal(t, harvest.RunSucceeded, run.Status)
	assert.True(t, run.Status.Terminal())
	assert.Equal(t, 2, run.Report.Downloaded)

	require.NoError(t, store.Create(ctx, harvest.Run{ID: "r2"}))
	require.NoError(t, store.Finish(ctx, "r2", nil, errors.New("ledger unwritable")))
	run, _ = store.Get(ctx, "r2")
	assert.Equal(t, harvest.RunFailed, run.Status)
	assert.Equal(t, "ledger unwritable", run.Error)

	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, store.MarkRunning(ctx, "nope"), ErrRunNotFound)
	require.ErrorIs(t, store.Finish(ctx, "nope", nil, nil), ErrRunNotFound)
}

func TestRunStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, harvest.Run{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	runs, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}
