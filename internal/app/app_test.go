package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/ytdlp"
	"github.com/JakeFAU/media-harvester/internal/ytdlp/ytdlptest"
)

const playlist = "https://www.youtube.com/playlist?list=PLtest"

var catalogue = map[string]string{
	"https://www.youtube.com/watch?v=aaaaaaaaaaa": "First Song (a.s.)",
	"https://www.youtube.com/watch?v=bbbbbbbbbbb": "Second Song",
	"https://www.youtube.com/watch?v=ccccccccccc": "Interview With Band",
}

func TestBuildAndHarvestEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mirror.Backend = config.MirrorLocal
	cfg.Mirror.BaseDir = t.TempDir()
	cfg.Mirror.Prefix = "archive"
	cfg.Notify.Backend = config.NotifyMemory
	runner := fakeTool(cfg.Paths.OutputDir)

	a, err := app.Build(context.Background(), cfg, app.WithRunner(runner), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	report, err := a.Harvest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Resolved)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 1, report.Excluded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Renamed)
	assert.Equal(t, 2, report.Mirrored)

	assert.FileExists(t, filepath.Join(cfg.Paths.OutputDir, "First Song.mp3"))
	assert.FileExists(t, filepath.Join(cfg.Paths.OutputDir, "Second Song.mp3"))
	assert.FileExists(t, filepath.Join(cfg.Mirror.BaseDir, "archive", "First Song.mp3"))
	assert.Equal(t, 2, a.Ledger().Stats()[harvest.StateDone])
	assert.Equal(t, 1, a.Ledger().Stats()[harvest.StateSkipped])

	require.NoError(t, a.Close(context.Background()))

	// Closing drains the progress hub into the metrics sink.
	count, err := testutil.GatherAndCount(a.Registry(), "harvester_runs_completed_total")
	require.NoError(t, err)
	assert.Positive(t, count)

	history, err := os.ReadFile(cfg.Ledger.Path)
	require.NoError(t, err)
	assert.Contains(t, string(history), "aaaaaaaaaaa")
	assert.Contains(t, string(history), "ccccccccccc")
}

func TestRebuildSkipsLedgeredItems(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	runner := fakeTool(cfg.Paths.OutputDir)

	first, err := app.Build(context.Background(), cfg, app.WithRunner(runner), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	_, err = first.Harvest(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))
	downloads := runner.CountWith(ytdlp.FlagExtractAudio)

	second, err := app.Build(context.Background(), cfg, app.WithRunner(runner), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	report, err := second.Harvest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.AlreadyDone)
	assert.Equal(t, 0, report.Downloaded)
	assert.Equal(t, downloads, runner.CountWith(ytdlp.FlagExtractAudio), "no new downloads on rerun")
}

func TestHarvestWithoutLocators(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sources.Locators = nil
	a, err := app.Build(context.Background(), cfg, app.WithRunner(ytdlptest.New(nil)), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	_, err = a.Harvest(context.Background(), nil)
	require.ErrorIs(t, err, app.ErrNoLocators)
}

func TestBuildFailsOnUnreadableLedger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Ledger.Backend = config.LedgerFile
	cfg.Ledger.Path = t.TempDir() // a directory cannot be a ledger file

	_, err := app.Build(context.Background(), cfg, app.WithRunner(ytdlptest.New(nil)), app.WithLogger(zap.NewNop()))
	require.Error(t, err)
}

func TestStandaloneNormalize(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.OutputDir, "Old Name (a.s.).mp3"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.OutputDir, "Band Interview.mp3"), []byte("x"), 0o600))

	a, err := app.Build(context.Background(), cfg, app.WithRunner(ytdlptest.New(nil)), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	res, err := a.Normalize(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, res.Renames, 1)
	assert.Len(t, res.Deletions, 1)
	assert.FileExists(t, filepath.Join(cfg.Paths.OutputDir, "Old Name.mp3"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.OutputDir, "Band Interview.mp3"))
}

func TestHandlerServesProbes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.Build(context.Background(), cfg, app.WithRunner(ytdlptest.New(nil)), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestPushMetricsDisabledIsNoop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.Build(context.Background(), cfg, app.WithRunner(ytdlptest.New(nil)), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.PushMetrics(context.Background()))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	root := t.TempDir()
	cfg.Sources.Locators = []string{playlist}
	cfg.Paths.OutputDir = filepath.Join(root, "downloads")
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Ledger.Path = filepath.Join(root, "download_history.txt")
	cfg.Filter.SkipKeywords = []string{"interview"}
	cfg.Normalize.RemovePhrases = []string{"(a.s.)"}
	cfg.YTDLP.CookiesFile = ""
	require.NoError(t, os.MkdirAll(cfg.Paths.OutputDir, 0o750))
	return cfg
}

// fakeTool answers listing, metadata and download invocations the way yt-dlp does.
func fakeTool(outDir string) *ytdlptest.Runner {
	return ytdlptest.New(func(_ context.Context, args []string) (ytdlp.Result, error) {
		target := ytdlptest.Target(args)
		switch {
		case ytdlptest.Has(args, ytdlp.FlagFlatPlaylist):
			var lines []string
			for _, u := range []string{
				"https://www.youtube.com/watch?v=aaaaaaaaaaa",
				"https://www.youtube.com/watch?v=bbbbbbbbbbb",
				"https://www.youtube.com/watch?v=ccccccccccc",
			} {
				lines = append(lines, entryJSON(u))
			}
			return ytdlp.Result{Stdout: []byte(strings.Join(lines, "\n"))}, nil
		case ytdlptest.Has(args, ytdlp.FlagSkipDownload):
			return ytdlp.Result{Stdout: []byte(entryJSON(target))}, nil
		default:
			path := filepath.Join(outDir, catalogue[target]+".mp3")
			if err := os.WriteFile(path, []byte("audio"), 0o600); err != nil {
				return ytdlp.Result{}, err
			}
			return ytdlp.Result{Stdout: []byte(path + "\n")}, nil
		}
	})
}

func entryJSON(u string) string {
	id := u[strings.LastIndex(u, "=")+1:]
	b, _ := json.Marshal(map[string]string{
		"id":            id,
		"title":         catalogue[u],
		"webpage_url":   u,
		"extractor_key": "Youtube",
	})
	return string(b)
}
