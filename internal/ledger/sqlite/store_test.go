package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func TestStoreAppendAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, store.Check(ctx))
	require.NoError(t, store.Append(ctx, []harvest.Entry{
		{ID: "a", State: harvest.StateDone, RecordedAt: ts},
		{ID: "b", State: harvest.StateSkipped, RecordedAt: ts},
	}))
	// duplicates are ignored, never overwritten
	require.NoError(t, store.Append(ctx, []harvest.Entry{{ID: "a", State: harvest.StateSkipped, RecordedAt: ts}}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup

	entries, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, harvest.StateDone, entries[0].State)
	assert.True(t, ts.Equal(entries[0].RecordedAt))
	assert.Equal(t, harvest.StateSkipped, entries[1].State)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(" ")
	require.Error(t, err)
}
