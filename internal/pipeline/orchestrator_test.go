package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/download"
	"github.com/JakeFAU/media-harvester/internal/filter"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/ledger"
	ledgermem "github.com/JakeFAU/media-harvester/internal/ledger/memory"
	"github.com/JakeFAU/media-harvester/internal/normalize"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/storage/memory"
	"github.com/JakeFAU/media-harvester/internal/ytdlp"
	"github.com/JakeFAU/media-harvester/internal/ytdlp/ytdlptest"
)

const testRunID = "0192f3a4-5b6c-7d8e-9fa0-b1c2d3e4f506"

func TestRunDownloadsRecordsAndNormalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ledgermem.NewStore(), nil)
	h.resolver.add("playlist", item("aaa", "u-aaa"), item("bbb", "u-bbb"), item("ccc", "u-ccc"))
	h.fetcher.titles = map[string]string{"aaa": "_First NEW", "bbb": "Second (a.s.)", "ccc": "Third"}

	report, err := h.orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Resolved)
	assert.Equal(t, 3, report.Downloaded)
	assert.Equal(t, 2, report.Renamed)
	assert.Equal(t, 3, report.Mirrored)
	assert.Zero(t, report.Failed)
	assert.Equal(t, testRunID, report.RunID)

	assert.Equal(t, map[string]harvest.State{
		"aaa": harvest.StateDone, "bbb": harvest.StateDone, "ccc": harvest.StateDone,
	}, stored(h.store))
	assert.Equal(t, []string{"First.mp3", "Second.mp3", "Third.mp3"}, listDir(t, h.outDir))
	assert.Equal(t, []string{"mirror/First.mp3", "mirror/Second.mp3", "mirror/Third.mp3"}, h.mirror.Paths())

	body, ok := h.mirror.Get("mirror/First.mp3")
	require.True(t, ok)
	assert.Equal(t, "audio:u-aaa", string(body))

	stages := h.events.stages()
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Equal(t, 3, h.events.count(progress.StageDownloadDone))
	assert.Equal(t, 2, h.events.count(progress.StageRenamed))
}

func TestRerunIsIncremental(t *testing.T) {
	t.Parallel()

	store := ledgermem.NewStore()
	first := newHarness(t, store, nil)
	first.resolver.add("playlist", item("aaa", "u-aaa"), item("bbb", "u-bbb"), item("ccc", "u-ccc"))
	_, err := first.orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.NoError(t, err)
	before := store.Entries()

	second := newHarness(t, store, nil)
	second.resolver.add("playlist", item("aaa", "u-aaa"), item("bbb", "u-bbb"), item("ccc", "u-ccc"))
	report, err := second.orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.AlreadyDone)
	assert.Zero(t, report.Downloaded)
	assert.Empty(t, second.runner.Calls())
	assert.Zero(t, second.fetcher.calls.Load())
	assert.Equal(t, before, store.Entries())
}

func TestExcludedItemsAreSkippedNotDownloaded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ledgermem.NewStore(), []string{"trailer"})
	h.resolver.add("https://www.youtube.com/watch?v=xyzxyzxyzxy", item("xyzxyzxyzxy", "u-xyz"))
	h.fetcher.titles = map[string]string{"xyzxyzxyzxy": "Official Trailer: Movie"}

	report, err := h.orch.Run(context.Background(), testRunID, []string{"https://www.youtube.com/watch?v=xyzxyzxyzxy"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Excluded)
	assert.Empty(t, h.runner.Calls())
	assert.Equal(t, map[string]harvest.State{"xyzxyzxyzxy": harvest.StateSkipped}, stored(h.store))
	assert.Equal(t, 1, h.events.count(progress.StageExcluded))
}

func TestSameItemFromTwoLocatorsDownloadsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ledgermem.NewStore(), nil)
	h.resolver.add("playlist-1", item("abc123", "u-abc"), item("def456", "u-def"))
	h.resolver.add("playlist-2", item("abc123", "https://youtu.be/abc123"))

	report, err := h.orch.Run(context.Background(), testRunID, []string{"playlist-1", "playlist-2"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Resolved)
	assert.Equal(t, 2, report.Downloaded)
	assert.Len(t, h.runner.Calls(), 2)
	assert.Len(t, h.store.Entries(), 2)
	assert.Equal(t, harvest.StateDone, stored(h.store)["abc123"])
}

func TestFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ledgermem.NewStore(), nil)
	h.resolver.add("playlist", item("ok1", "u-ok1"), item("bad", "u-bad"), item("meta", "u-meta"), item("ok2", "u-ok2"))
	h.resolver.fail("broken", errors.New("unsupported URL"))
	h.fetcher.fail = map[string]error{"meta": errors.New("Private video")}
	h.failLocator = "u-bad"

	report, err := h.orch.Run(context.Background(), testRunID, []string{"broken", "playlist"})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Resolved)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, map[string]harvest.State{"ok1": harvest.StateDone, "ok2": harvest.StateDone}, stored(h.store))

	byStage := map[harvest.Stage]harvest.ItemError{}
	for _, f := range report.Failures {
		byStage[f.Stage] = f
	}
	require.Len(t, byStage, 3)
	assert.Equal(t, "broken", byStage[harvest.StageResolve].Path)
	assert.Equal(t, "meta", byStage[harvest.StageMetadata].ItemID)
	assert.Equal(t, "bad", byStage[harvest.StageDownload].ItemID)
	assert.Contains(t, byStage[harvest.StageDownload].Reason, "HTTP Error 403")
	assert.Equal(t, 1, h.events.count(progress.StageDownloadFailed))
	assert.Equal(t, 1, h.events.count(progress.StageMetadataFailed))
}

func TestMirrorFailuresAreReportedNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ledgermem.NewStore(), nil)
	h.resolver.add("playlist", item("aaa", "u-aaa"), item("bbb", "u-bbb"))
	h.fetcher.titles = map[string]string{"aaa": "First", "bbb": "Second"}
	h.mirror.failOn = "mirror/Second.mp3"

	report, err := h.orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 1, report.Mirrored)
	assert.Zero(t, report.Failed, "failed counts items only")
	require.Len(t, report.Failures, 1)
	assert.Equal(t, harvest.StageMirror, report.Failures[0].Stage)
	assert.Equal(t, filepath.Join(h.outDir, "Second.mp3"), report.Failures[0].Path)
	assert.Equal(t, map[string]harvest.State{"aaa": harvest.StateDone, "bbb": harvest.StateDone}, stored(h.store))
}

func TestLedgerWriteFailureAbortsRun(t *testing.T) {
	t.Parallel()

	store := ledgermem.NewStore()
	h := newHarnessWith(t, store, nil, ledger.FlushIncremental)
	h.resolver.add("playlist", item("aaa", "u-aaa"))
	h.fetcher.titles = map[string]string{"aaa": "_Needs Rename"}
	store.FailAppend = errors.New("disk full")

	report, err := h.orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.Zero(t, report.Downloaded)
	assert.Zero(t, report.Renamed, "normalization does not run after a fatal error")
	assert.Equal(t, progress.StageRunError, h.events.stages()[len(h.events.stages())-1])
}

func TestDownloadPoolIsBounded(t *testing.T) {
	t.Parallel()

	l, err := ledger.Open(context.Background(), ledgermem.NewStore(), ledger.Options{})
	require.NoError(t, err)
	res := &fakeResolver{items: map[string][]harvest.Item{}}
	var items []harvest.Item
	for i := 0; i < 10; i++ {
		items = append(items, item(fmt.Sprintf("id-%02d", i), fmt.Sprintf("u-%02d", i)))
	}
	res.add("playlist", items...)
	acq := &gaugeAcquirer{}
	orch, err := New(Deps{
		Resolver: res,
		Fetcher:  &fakeFetcher{},
		Acquirer: acq,
		Ledger:   l,
		Filter:   filter.New(l, filter.NewRules(nil)),
	}, Config{DownloadWorkers: 2})
	require.NoError(t, err)

	report, err := orch.Run(context.Background(), testRunID, []string{"playlist"})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Downloaded)
	assert.LessOrEqual(t, acq.max.Load(), int32(2))
	assert.Equal(t, 10, l.Len())
}

func TestCancelledRunKeepsCompletedWork(t *testing.T) {
	t.Parallel()

	store := ledgermem.NewStore()
	l, err := ledger.Open(context.Background(), store, ledger.Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := &fakeResolver{items: map[string][]harvest.Item{}}
	res.add("playlist", item("first", "u-first"), item("second", "u-second"))
	orch, err := New(Deps{
		Resolver: res,
		Fetcher:  &fakeFetcher{},
		Acquirer: &cancellingAcquirer{cancel: cancel},
		Ledger:   l,
		Filter:   filter.New(l, filter.NewRules(nil)),
	}, Config{DownloadWorkers: 1})
	require.NoError(t, err)

	report, err := orch.Run(ctx, testRunID, []string{"playlist"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Downloaded)
	assert.Equal(t, map[string]harvest.State{"first": harvest.StateDone}, stored(store))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	l, err := ledger.Open(context.Background(), ledgermem.NewStore(), ledger.Options{})
	require.NoError(t, err)
	namer, err := normalize.NewNamer(normalize.NamerConfig{})
	require.NoError(t, err)
	norm, err := normalize.New(namer, nil, normalize.Config{Extension: ".mp3"})
	require.NoError(t, err)
	_, err = New(Deps{
		Resolver:   &fakeResolver{},
		Fetcher:    &fakeFetcher{},
		Acquirer:   &gaugeAcquirer{},
		Ledger:     l,
		Filter:     filter.New(l, filter.NewRules(nil)),
		Normalizer: norm,
	}, Config{})
	require.Error(t, err, "normalizer without output dir")

	orch, err := New(Deps{
		Resolver: &fakeResolver{},
		Fetcher:  &fakeFetcher{},
		Acquirer: &gaugeAcquirer{},
		Ledger:   l,
		Filter:   filter.New(l, filter.NewRules(nil)),
	}, Config{})
	require.NoError(t, err)
	_, err = orch.Run(context.Background(), "", nil)
	require.Error(t, err, "no id generator")
	_, err = orch.Run(context.Background(), "not-a-uuid", nil)
	require.Error(t, err)
}

type harness struct {
	orch        *Orchestrator
	store       *ledgermem.Store
	resolver    *fakeResolver
	fetcher     *fakeFetcher
	runner      *ytdlptest.Runner
	mirror      *flakyMirror
	events      *recordingEmitter
	outDir      string
	failLocator string
}

func newHarness(t *testing.T, store *ledgermem.Store, keywords []string) *harness {
	t.Helper()
	return newHarnessWith(t, store, keywords, ledger.FlushEnd)
}

func newHarnessWith(t *testing.T, store *ledgermem.Store, keywords []string, flush ledger.FlushMode) *harness {
	t.Helper()

	h := &harness{
		store:    store,
		resolver: &fakeResolver{items: map[string][]harvest.Item{}, errs: map[string]error{}},
		fetcher:  &fakeFetcher{},
		mirror:   &flakyMirror{BlobStore: memory.NewBlobStore()},
		events:   &recordingEmitter{},
		outDir:   t.TempDir(),
	}
	h.runner = ytdlptest.New(func(_ context.Context, args []string) (ytdlp.Result, error) {
		target := ytdlptest.Target(args)
		if target == h.failLocator {
			return ytdlp.Result{ExitCode: 1}, &ytdlp.ExitError{Code: 1, Stderr: "ERROR: HTTP Error 403: Forbidden"}
		}
		title := h.fetcher.titleFor(target)
		path := filepath.Join(h.outDir, title+".mp3")
		if err := os.WriteFile(path, []byte("audio:"+target), 0o600); err != nil {
			return ytdlp.Result{}, err
		}
		return ytdlp.Result{Stdout: []byte(path + "\n")}, nil
	})

	l, err := ledger.Open(context.Background(), store, ledger.Options{Flush: flush})
	require.NoError(t, err)
	rules := filter.NewRules(keywords)
	namer, err := normalize.NewNamer(normalize.NamerConfig{RemovePhrases: []string{"(a.s.)", "NEW"}})
	require.NoError(t, err)
	norm, err := normalize.New(namer, rules, normalize.Config{Extension: ".mp3"})
	require.NoError(t, err)
	markers, err := download.NewMarkers(t.TempDir())
	require.NoError(t, err)
	exec, err := download.New(h.runner, download.Config{OutputDir: h.outDir, Markers: markers, Namer: namer})
	require.NoError(t, err)

	h.orch, err = New(Deps{
		Resolver:   h.resolver,
		Fetcher:    h.fetcher,
		Acquirer:   exec,
		Ledger:     l,
		Filter:     filter.New(l, rules),
		Normalizer: norm,
		Markers:    markers,
		Mirror:     h.mirror,
		Events:     h.events,
	}, Config{OutputDir: h.outDir, MirrorPrefix: "/mirror/"})
	require.NoError(t, err)
	return h
}

func item(id, url string) harvest.Item {
	return harvest.Item{ID: id, URL: url, RawLocator: url}
}

func stored(store *ledgermem.Store) map[string]harvest.State {
	out := map[string]harvest.State{}
	for _, e := range store.Entries() {
		out[e.ID] = e.State
	}
	return out
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

type fakeResolver struct {
	items map[string][]harvest.Item
	errs  map[string]error
}

func (r *fakeResolver) add(locator string, items ...harvest.Item) {
	for i := range items {
		items[i].Source = locator
	}
	r.items[locator] = items
}

func (r *fakeResolver) fail(locator string, err error) {
	r.errs[locator] = err
}

func (r *fakeResolver) Resolve(_ context.Context, locator string) ([]harvest.Item, error) {
	if err := r.errs[locator]; err != nil {
		return nil, err
	}
	return append([]harvest.Item(nil), r.items[locator]...), nil
}

type fakeFetcher struct {
	titles map[string]string
	fail   map[string]error
	calls  atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, it harvest.Item) (harvest.Item, error) {
	f.calls.Add(1)
	if err := f.fail[it.ID]; err != nil {
		return harvest.Item{}, err
	}
	it.Title = f.titles[it.ID]
	if it.Title == "" {
		it.Title = "Title " + it.ID
	}
	return it, nil
}

// titleFor maps a download locator back to the fetched title.
func (f *fakeFetcher) titleFor(locator string) string {
	for id, title := range f.titles {
		if locator == "u-"+id {
			return title
		}
	}
	return "Title " + locator
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	n := 0
	for _, s := range e.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

type gaugeAcquirer struct {
	inFlight atomic.Int32
	max      atomic.Int32
}

func (a *gaugeAcquirer) Acquire(_ context.Context, it harvest.Item) harvest.Outcome {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		cur := a.max.Load()
		if n <= cur || a.max.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return harvest.Outcome{Item: it, Path: "/out/" + it.ID + ".mp3"}
}

// cancellingAcquirer succeeds once and then cancels the run.
type cancellingAcquirer struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (a *cancellingAcquirer) Acquire(ctx context.Context, it harvest.Item) harvest.Outcome {
	if a.calls.Add(1) == 1 {
		return harvest.Outcome{Item: it, Path: "/out/" + it.ID + ".mp3"}
	}
	a.cancel()
	return harvest.Outcome{Item: it, Err: harvest.NewItemError(harvest.StageDownload, it.ID, ctx.Err())}
}

type flakyMirror struct {
	*memory.BlobStore
	failOn string
}

func (m *flakyMirror) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	if path == m.failOn {
		return "", errors.New("bucket unavailable")
	}
	return m.BlobStore.PutObject(ctx, path, contentType, data)
}
