package file

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/ledger"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store, err := New(filepath.Join(t.TempDir(), "state", "downloaded.txt"))
	require.NoError(t, err)

	entries, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadLegacyAndCurrentLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	content := "# history\n" +
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ\n" +
		"plainid\n" +
		"\n" +
		"abc123\tskipped\t2026-01-02T03:04:05Z\n" +
		"vimeo:42\tdone\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := New(path)
	require.NoError(t, err)
	entries, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, entries, 4)
	assert.Equal(t, harvest.Entry{ID: "dQw4w9WgXcQ", State: harvest.StateDone}, entries[0])
	assert.Equal(t, harvest.Entry{ID: "plainid", State: harvest.StateDone}, entries[1])
	assert.Equal(t, harvest.Entry{
		ID:         "abc123",
		State:      harvest.StateSkipped,
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, entries[2])
	assert.Equal(t, harvest.Entry{ID: "vimeo:42", State: harvest.StateDone}, entries[3])
}

func TestLoadRejectsUnknownState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc\tmaybe\n"), 0o600))

	store, err := New(path)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	require.ErrorContains(t, err, "line 1")
}

func TestLoadSkipsTornFinalLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	content := "aaaaaaaaaaa\tdone\t2026-01-01T00:00:00Z\nbbbbbbbbbbb\tdo"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := New(path)
	require.NoError(t, err)
	entries, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "aaaaaaaaaaa", entries[0].ID)
}

func TestLoadRejectsMalformedLineBeforeEnd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	content := "bbbbbbbbbbb\tdo\naaaaaaaaaaa\tdone"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := New(path)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	require.ErrorContains(t, err, "line 1")
}

func TestAppendAfterTornLineKeepsEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "torn timestamp",
			content: "aaaaaaaaaaa\tdone\t2026-01-01T0",
			want:    []string{"aaaaaaaaaaa", "ccccccccccc"},
		},
		{
			name:    "torn state",
			content: "aaaaaaaaaaa\tdone\t2026-01-01T00:00:00Z\nbbbbbbbbbbb\tdo",
			want:    []string{"aaaaaaaaaaa", "ccccccccccc"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "downloaded.txt")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			store, err := New(path)
			require.NoError(t, err)

			ctx := context.Background()
			ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
			require.NoError(t, store.Append(ctx, []harvest.Entry{{ID: "ccccccccccc", State: harvest.StateDone, RecordedAt: ts}}))

			entries, err := store.Load(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAppendIsAppendOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	require.NoError(t, os.WriteFile(path, []byte("legacy\n"), 0o600))

	store, err := New(path)
	require.NoError(t, err)
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, []harvest.Entry{{ID: "a", State: harvest.StateDone, RecordedAt: ts}}))
	require.NoError(t, store.Append(ctx, []harvest.Entry{{ID: "b", State: harvest.StateSkipped, RecordedAt: ts}}))

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"legacy\na\tdone\t2026-03-04T05:06:07Z\nb\tskipped\t2026-03-04T05:06:07Z\n",
		string(data),
	)

	require.Error(t, store.Append(ctx, []harvest.Entry{{ID: "bad\tid", State: harvest.StateDone}}))
}

func TestRoundTripThroughLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "downloaded.txt")
	ctx := context.Background()

	store, err := New(path)
	require.NoError(t, err)
	l, err := ledger.Open(ctx, store, ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "abc123", harvest.StateDone))
	require.NoError(t, l.Record(ctx, "trailer1", harvest.StateSkipped))
	require.NoError(t, l.Close(ctx))

	reopened, err := New(path)
	require.NoError(t, err)
	l2, err := ledger.Open(ctx, reopened, ledger.Options{})
	require.NoError(t, err)
	state, ok := l2.Lookup("trailer1")
	require.True(t, ok)
	assert.Equal(t, harvest.StateSkipped, state)
	assert.Equal(t, 2, l2.Len())
}

func TestUnwritableLedgerIsFatal(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "downloaded.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o400))

	store, err := New(path)
	require.NoError(t, err)
	_, err = ledger.Open(context.Background(), store, ledger.Options{})
	require.ErrorIs(t, err, ledger.ErrStorage)
}
