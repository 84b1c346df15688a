package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/index"
	"github.com/launchkitd/launchkitd/internal/model"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

func openFrecencyDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeDispatcher is a Dispatcher stand-in that returns a canned response
// per plugin ID without spawning any process.
type fakeDispatcher struct {
	mu        sync.Mutex
	manifests []*pluginapi.Manifest
	responses map[string]*pluginapi.Response
	errors    map[string]error
	delays    map[string]time.Duration
	streams   map[string][][]pluginapi.Item
	calls     []string
	requests  []pluginapi.Request
}

func (f *fakeDispatcher) List() []*pluginapi.Manifest { return f.manifests }

func (f *fakeDispatcher) DispatchStream(ctx context.Context, pluginID string, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pluginID)
	f.requests = append(f.requests, req)
	delay := f.delays[pluginID]
	resp := f.responses[pluginID]
	err := f.errors[pluginID]
	batches := f.streams[pluginID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onPartial != nil {
		for _, b := range batches {
			onPartial(b)
		}
	}
	return resp, err
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func manifest(id string, opts ...func(*pluginapi.Manifest)) *pluginapi.Manifest {
	m := &pluginapi.Manifest{ID: id, Name: id, Transport: pluginapi.ShortLived, Command: []string{"true"}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withIndexed() func(*pluginapi.Manifest) {
	return func(m *pluginapi.Manifest) { m.Index.Enabled = true }
}

func withPrefix(p string) func(*pluginapi.Manifest) {
	return func(m *pluginapi.Manifest) { m.Prefix = p }
}

func withPattern(p string) func(*pluginapi.Manifest) {
	return func(m *pluginapi.Manifest) {
		m.Patterns = append(m.Patterns, p)
		if err := m.Validate(); err != nil {
			panic(err)
		}
	}
}

func (f *fakeDispatcher) stepsFor(pluginID string) []pluginapi.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pluginapi.Step
	for i, id := range f.calls {
		if id == pluginID {
			out = append(out, f.requests[i].Step)
		}
	}
	return out
}

func waitForEmit(t *testing.T, ch chan []model.ResultItem, timeout time.Duration) []model.ResultItem {
	t.Helper()
	select {
	case items := <-ch:
		return items
	case <-time.After(timeout):
		t.Fatal("timed out waiting for emit")
		return nil
	}
}

func newTestEngine(t *testing.T, disp Dispatcher) (*Engine, chan []model.ResultItem) {
	t.Helper()
	ch := make(chan []model.ResultItem, 16)
	e := NewEngine(disp, nil, nil, Options{
		Debounce:     5 * time.Millisecond,
		EmitInterval: time.Millisecond,
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)
	return e, ch
}

func TestEngineDispatchesToIndexedPluginAndEmits(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("calc", withIndexed())},
		responses: map[string]*pluginapi.Response{
			"calc": {Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "1", Name: "two plus two"}}},
		},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("2+2")

	items := waitForEmit(t, ch, time.Second)
	require.Len(t, items, 1)
	assert.Equal(t, "calc", items[0].PluginID)
	assert.Equal(t, "two plus two", items[0].Name)
}

func TestEngineDebounceCoalescesRapidKeystrokes(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("calc", withIndexed())},
		responses: map[string]*pluginapi.Response{
			"calc": {Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "1", Name: "x"}}},
		},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("2")
	e.QueryChanged("2+")
	e.QueryChanged("2+2")

	waitForEmit(t, ch, time.Second)
	assert.Equal(t, 1, disp.callCount(), "only the final debounced query should dispatch")
}

func TestEnginePrefixMatchNarrowsToExclusivePlugin(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{
			manifest("calc", withPrefix("="), func(m *pluginapi.Manifest) { m.Exclusive = true }),
			manifest("files", withIndexed()),
		},
		responses: map[string]*pluginapi.Response{
			"calc": {Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "1", Name: "4"}}},
		},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("=2+2")

	items := waitForEmit(t, ch, time.Second)
	require.Len(t, items, 1)
	assert.Equal(t, "calc", items[0].PluginID)
	assert.NotContains(t, disp.calls, "files")
}

func TestEngineStaleReplyAfterQueryChangeIsDiscarded(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("slow", withIndexed())},
		responses: map[string]*pluginapi.Response{
			"slow": {Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "1", Name: "stale"}}},
		},
		delays: map[string]time.Duration{"slow": 50 * time.Millisecond},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("first")
	time.Sleep(10 * time.Millisecond)
	e.QueryChanged("second")
	// The reply to the current query carries a different name, so only a
	// reply from the superseded generation could surface "stale".
	disp.mu.Lock()
	disp.responses["slow"] = &pluginapi.Response{Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "2", Name: "fresh"}}}
	disp.mu.Unlock()

	select {
	case items := <-ch:
		for _, it := range items {
			assert.NotEqual(t, "stale", it.Name, "a reply from a superseded generation must not be emitted")
		}
	case <-time.After(200 * time.Millisecond):
		// no emission at all is also an acceptable outcome here since
		// the cancelled context should short-circuit the plugin call
	}
}

func TestEngineCandidatesFromIndexStoreAreIncluded(t *testing.T) {
	dir := t.TempDir()
	idx, err := index.Open(index.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	require.NoError(t, idx.FullReplace("files", []model.IndexedItem{
		{PluginID: "files", ID: "f1", Name: "report.pdf"},
	}))

	disp := &fakeDispatcher{manifests: nil}
	ch := make(chan []model.ResultItem, 4)
	e := NewEngine(disp, idx, nil, Options{
		Debounce:     5 * time.Millisecond,
		EmitInterval: time.Millisecond,
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("report")

	items := waitForEmit(t, ch, time.Second)
	require.Len(t, items, 1)
	assert.Equal(t, "report.pdf", items[0].Name)
}

func TestEngineFrecencyBoostsRankingOrder(t *testing.T) {
	dir := t.TempDir()
	idx, err := index.Open(index.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	require.NoError(t, idx.FullReplace("files", []model.IndexedItem{
		{PluginID: "files", ID: "a", Name: "alpha report"},
		{PluginID: "files", ID: "b", Name: "beta report"},
	}))

	fdb := openFrecencyDB(t)
	freq := frecency.NewStore(fdb)
	require.NoError(t, freq.RecordSelection("files:b", "report", time.Now()))
	require.NoError(t, freq.RecordSelection("files:b", "report", time.Now()))

	disp := &fakeDispatcher{}
	ch := make(chan []model.ResultItem, 4)
	e := NewEngine(disp, idx, freq, Options{
		Debounce:     5 * time.Millisecond,
		EmitInterval: time.Millisecond,
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("report")

	items := waitForEmit(t, ch, time.Second)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID, "the item with more frecency selections should rank first")
}

func TestEngineMaxDisplayedResultsCapsOutput(t *testing.T) {
	dir := t.TempDir()
	idx, err := index.Open(index.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	require.NoError(t, idx.FullReplace("files", []model.IndexedItem{
		{PluginID: "files", ID: "a", Name: "report a"},
		{PluginID: "files", ID: "b", Name: "report b"},
		{PluginID: "files", ID: "c", Name: "report c"},
	}))

	disp := &fakeDispatcher{}
	ch := make(chan []model.ResultItem, 4)
	e := NewEngine(disp, idx, nil, Options{
		Debounce:            5 * time.Millisecond,
		EmitInterval:        time.Millisecond,
		MaxDisplayedResults: 2,
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("report")

	items := waitForEmit(t, ch, time.Second)
	assert.LessOrEqual(t, len(items), 2)
}

func TestEngineCloseCancelsInFlightRequests(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("slow", withIndexed())},
		responses: map[string]*pluginapi.Response{
			"slow": {Type: pluginapi.RespResults},
		},
		delays: map[string]time.Duration{"slow": 500 * time.Millisecond},
	}
	e, _ := newTestEngine(t, disp)

	e.QueryChanged("anything")
	time.Sleep(10 * time.Millisecond)
	e.Close()
	// Close must return promptly without deadlocking even with an
	// in-flight plugin request outstanding; reaching this line is the
	// assertion.
}

func TestEnginePatternMatchDispatchesMatchStep(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("url", withPattern(`^https?://`))},
		responses: map[string]*pluginapi.Response{
			"url": {Type: pluginapi.RespMatch, Result: &pluginapi.Item{
				ID: "open", Name: "Open https://example.com", Priority: 100,
			}},
		},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("https://example.com")

	var items []model.ResultItem
	deadline := time.After(time.Second)
	for len(items) == 0 {
		select {
		case items = <-ch:
		case <-deadline:
			t.Fatal("timed out waiting for match result")
		}
	}
	assert.Equal(t, "open", items[0].ID)
	assert.Equal(t, []pluginapi.Step{pluginapi.StepMatch}, disp.stepsFor("url"))
}

func TestEnginePrefixMapRoutesExclusively(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{
			manifest("calculate"),
			manifest("files", withIndexed()),
		},
		responses: map[string]*pluginapi.Response{
			"calculate": {Type: pluginapi.RespResults, Results: []pluginapi.Item{{ID: "calc_result", Name: "4", Description: "2+2"}}},
		},
	}
	ch := make(chan []model.ResultItem, 16)
	e := NewEngine(disp, nil, nil, Options{
		Debounce:     5 * time.Millisecond,
		EmitInterval: time.Millisecond,
		PrefixMap:    map[string]string{"=": "calculate"},
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("=2+2")

	var items []model.ResultItem
	deadline := time.After(time.Second)
	for len(items) == 0 {
		select {
		case items = <-ch:
		case <-deadline:
			t.Fatal("timed out waiting for prefix-routed result")
		}
	}
	require.Len(t, items, 1)
	assert.Equal(t, "4", items[0].Name)
	assert.NotContains(t, disp.calls, "files")
}

func TestEngineExcludedSitesFilteredPostRank(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("web", withIndexed())},
		responses: map[string]*pluginapi.Response{
			"web": {Type: pluginapi.RespResults, Results: []pluginapi.Item{
				{ID: "1", Name: "result on blocked.example"},
				{ID: "2", Name: "result elsewhere"},
			}},
		},
	}
	ch := make(chan []model.ResultItem, 16)
	e := NewEngine(disp, nil, nil, Options{
		Debounce:      5 * time.Millisecond,
		EmitInterval:  time.Millisecond,
		ExcludedSites: []string{"blocked.example"},
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("result")

	var items []model.ResultItem
	deadline := time.After(time.Second)
	for len(items) == 0 {
		select {
		case items = <-ch:
		case <-deadline:
			t.Fatal("timed out waiting for filtered results")
		}
	}
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].ID)
}

func TestEngineEmptyQuerySurfacesSuggestions(t *testing.T) {
	idx, err := index.Open(index.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	require.NoError(t, idx.FullReplace("apps", []model.IndexedItem{
		{PluginID: "apps", ID: "firefox", Name: "Firefox"},
		{PluginID: "apps", ID: "gimp", Name: "GIMP"},
	}))

	freq := frecency.NewStore(openFrecencyDB(t))
	require.NoError(t, freq.RecordSelection("apps:firefox", "ff", time.Now()))

	ch := make(chan []model.ResultItem, 16)
	e := NewEngine(&fakeDispatcher{}, idx, freq, Options{
		Debounce:            5 * time.Millisecond,
		EmitInterval:        time.Millisecond,
		SuggestionsEnabled:  true,
		MaxDisplayedResults: 10,
	}, func(items []model.ResultItem) { ch <- items })
	t.Cleanup(e.Close)

	e.QueryChanged("")

	items := waitForEmit(t, ch, time.Second)
	require.Len(t, items, 1, "only the frecency-backed item is suggested")
	assert.Equal(t, "firefox", items[0].ID)
	assert.True(t, items[0].Suggestion)
}

func TestEngineStreamedBatchesMergeIncrementally(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("player", withIndexed())},
		streams: map[string][][]pluginapi.Item{
			"player": {
				{{ID: "1", Name: "first batch"}},
				{{ID: "1", Name: "first batch"}, {ID: "2", Name: "second batch"}},
			},
		},
		responses: map[string]*pluginapi.Response{
			// A long-lived plugin may finish with a bare noop; the last
			// streamed batch must survive as the plugin's contribution.
			"player": {Type: pluginapi.RespNoop},
		},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("batch")

	deadline := time.After(time.Second)
	var items []model.ResultItem
	for len(items) < 2 {
		select {
		case items = <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for both streamed items, last saw %d", len(items))
		}
	}
	ids := []string{items[0].ID, items[1].ID}
	assert.ElementsMatch(t, []string{"1", "2"}, ids)
}

func TestEngineTerminalErrorDropsStreamedContribution(t *testing.T) {
	disp := &fakeDispatcher{
		manifests: []*pluginapi.Manifest{manifest("flaky", withIndexed())},
		streams: map[string][][]pluginapi.Item{
			"flaky": {{{ID: "1", Name: "partial"}}},
		},
		errors: map[string]error{"flaky": assert.AnError},
	}
	e, ch := newTestEngine(t, disp)

	e.QueryChanged("partial")

	// The stream delivers one batch, then the terminal error withdraws
	// the plugin's results; the settled emission is empty.
	deadline := time.After(time.Second)
	for {
		select {
		case items := <-ch:
			if len(items) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the failed plugin's results to be withdrawn")
		}
	}
}
