package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/index"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/model"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
	"github.com/launchkitd/launchkitd/internal/sanitize"
)

// DefaultDebounce coalesces rapid keystrokes before any dispatch happens.
const DefaultDebounce = 100 * time.Millisecond

// DefaultEmitInterval bounds how often results_update is emitted: rapid
// inbound plugin updates produce at most one outbound update per interval.
const DefaultEmitInterval = 33 * time.Millisecond

// Dispatcher is the subset of pluginmgr.Manager the engine depends on,
// letting tests substitute a fake without spawning real processes.
// DispatchStream delivers a long-lived plugin's pushed plugin_results
// batches through onPartial, in arrival order, before returning the
// terminal response; a short-lived plugin answers with the terminal
// response alone.
type Dispatcher interface {
	List() []*pluginapi.Manifest
	DispatchStream(ctx context.Context, pluginID string, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error)
}

// Options configures an Engine; zero values fall back to defaults.
type Options struct {
	Debounce            time.Duration
	EmitInterval        time.Duration
	MaxDisplayedResults int
	MaxResultsPerPlugin int
	DiversityDecay      float64
	PluginRankingBonus  map[string]float64
	PerPluginTimeout    time.Duration

	// PrefixMap routes a query starting with a configured prefix
	// exclusively to the named plugin, overriding manifest prefixes.
	PrefixMap map[string]string

	// ExcludedSites filters ranked results whose name or description
	// mentions an excluded site.
	ExcludedSites []string

	// SuggestionsEnabled opts in to surfacing top-frecency indexed items
	// when the query is empty.
	SuggestionsEnabled bool
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = DefaultEmitInterval
	}
	if o.DiversityDecay <= 0 {
		o.DiversityDecay = DefaultDecay
	}
	if o.PerPluginTimeout <= 0 {
		o.PerPluginTimeout = 8 * time.Second
	}
	return o
}

// Engine is the single task owning one active UI session's query state.
// As with session.Registry and pluginmgr.Manager, mutation is serialized
// through an ops channel rather than a mutex.
type Engine struct {
	dispatcher Dispatcher
	indexStore *index.Store
	freqStore  *frecency.Store
	opts       Options
	emit       func([]model.ResultItem)
	emitLimiter *rate.Limiter

	ops  chan func(*engineState)
	done chan struct{}

	closeOnce sync.Once
}

type engineState struct {
	query         string
	generation    uint64
	pending       map[model.Fingerprint]context.CancelFunc // in-flight request set
	contributions map[string][]model.ResultItem            // plugin_id -> latest results
	debounceTimer *time.Timer
	emitPending   bool
}

// NewEngine constructs an Engine. emit is called with the final,
// diversity-interleaved, display-capped result list every time a new
// aggregate is ready to ship to the UI.
func NewEngine(dispatcher Dispatcher, indexStore *index.Store, freqStore *frecency.Store, opts Options, emit func([]model.ResultItem)) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		dispatcher:  dispatcher,
		indexStore:  indexStore,
		freqStore:   freqStore,
		opts:        opts,
		emit:        emit,
		emitLimiter: rate.NewLimiter(rate.Every(opts.EmitInterval), 1),
		ops:         make(chan func(*engineState), 64),
		done:        make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	state := &engineState{
		pending:       make(map[model.Fingerprint]context.CancelFunc),
		contributions: make(map[string][]model.ResultItem),
	}
	for {
		select {
		case op := <-e.ops:
			op(state)
		case <-e.done:
			for _, cancel := range state.pending {
				cancel()
			}
			return
		}
	}
}

// submit runs fn on the owner goroutine. Timers (debounce, deferred emit)
// can fire after Close, so a closed engine drops the op instead of
// blocking the timer goroutine forever.
func (e *Engine) submit(fn func(*engineState)) {
	done := make(chan struct{})
	select {
	case e.ops <- func(s *engineState) {
		fn(s)
		close(done)
	}:
	case <-e.done:
		return
	}
	select {
	case <-done:
	case <-e.done:
	}
}

// CurrentQuery returns the query string the engine is presently working
// against, used by item_selected to tell a plugin what search produced
// the selected item.
func (e *Engine) CurrentQuery() string {
	var q string
	e.submit(func(s *engineState) { q = s.query })
	return q
}

// SetPluginRankingBonus live-edits one plugin's additive score bonus
// without reconstructing the engine.
func (e *Engine) SetPluginRankingBonus(pluginID string, bonus float64) {
	e.submit(func(s *engineState) {
		bonuses := make(map[string]float64, len(e.opts.PluginRankingBonus)+1)
		for k, v := range e.opts.PluginRankingBonus {
			bonuses[k] = v
		}
		bonuses[pluginID] = bonus
		e.opts.PluginRankingBonus = bonuses
	})
}

// UpdateOptions hot-applies a fresh option set, used when the config file
// changes under a running engine. In-flight requests keep the timeouts
// they started with.
func (e *Engine) UpdateOptions(opts Options) {
	opts = opts.withDefaults()
	e.submit(func(s *engineState) {
		if opts.EmitInterval != e.opts.EmitInterval {
			e.emitLimiter = rate.NewLimiter(rate.Every(opts.EmitInterval), 1)
		}
		e.opts = opts
	})
}

// Close cancels all in-flight requests and stops the engine; the core
// calls it when the owning UI disconnects or is demoted.
func (e *Engine) Close() { e.closeOnce.Do(func() { close(e.done) }) }

// QueryChanged handles a new query_changed event. It
// debounces: each call resets a timer, and only the last call within the
// debounce window actually dispatches.
func (e *Engine) QueryChanged(q string) {
	e.submit(func(s *engineState) {
		s.query = q
		s.generation++
		gen := s.generation

		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.debounceTimer = time.AfterFunc(e.opts.Debounce, func() {
			e.submit(func(s *engineState) {
				if s.generation != gen {
					return // superseded before the debounce fired
				}
				e.dispatchLocked(s, gen)
			})
		})
	})
}

// target pairs a selected plugin with the request step it should receive:
// pattern-triggered plugins get a match step, everything else a search.
type target struct {
	manifest *pluginapi.Manifest
	step     pluginapi.Step
}

// dispatchLocked runs on the owner goroutine. It selects target plugins,
// cancels in-flight requests whose fingerprint is no longer wanted, and
// fans out new ones. A request whose fingerprint is already in flight is
// coalesced, not re-sent.
func (e *Engine) dispatchLocked(s *engineState, gen uint64) {
	manifests := e.dispatcher.List()
	targets := selectTargets(manifests, s.query, e.opts.PrefixMap)

	want := make(map[model.Fingerprint]target, len(targets))
	stillTargeted := make(map[string]bool, len(targets))
	for _, tg := range targets {
		want[model.Fingerprint{PluginID: tg.manifest.ID, Query: s.query}] = tg
		stillTargeted[tg.manifest.ID] = true
	}

	for fp, cancel := range s.pending {
		if _, ok := want[fp]; ok {
			continue
		}
		cancel()
		delete(s.pending, fp)
		// A plugin still targeted under the new query keeps its previous
		// contribution on screen until the fresh reply replaces it; one
		// that fell out of the target set is cleared outright.
		if !stillTargeted[fp.PluginID] {
			delete(s.contributions, fp.PluginID)
		}
	}

	for fp, tg := range want {
		if _, inFlight := s.pending[fp]; inFlight {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.PerPluginTimeout)
		s.pending[fp] = cancel
		go e.runPluginRequest(ctx, gen, fp, tg)
	}

	// Emit immediately from what's already on hand (index scan, prior
	// contributions): a query with no plugin targets still owes the UI an
	// update, and one with slow plugins gets index results right away.
	e.recomputeAndEmitLocked(s, s.query)
}

// selectTargets picks which plugins a query fans out to: a configured or
// manifest prefix match narrows to one plugin; otherwise patterns are
// tested in priority order and every matching plugin is auto-triggered
// with a match step; index.enabled plugins always run a search unless an
// exclusive prefix/pattern match narrows the set.
func selectTargets(manifests []*pluginapi.Manifest, query string, prefixMap map[string]string) []target {
	sortByPriorityDesc(manifests)

	// A config-level prefix mapping is exclusive dispatch.
	for prefix, pluginID := range prefixMap {
		if prefix == "" || len(query) < len(prefix) || query[:len(prefix)] != prefix {
			continue
		}
		for _, m := range manifests {
			if m.ID == pluginID {
				return []target{{manifest: m, step: pluginapi.StepSearch}}
			}
		}
	}

	for _, m := range manifests {
		if m.Prefix != "" && len(query) >= len(m.Prefix) && query[:len(m.Prefix)] == m.Prefix {
			if m.Exclusive {
				return []target{{manifest: m, step: pluginapi.StepSearch}}
			}
			return append([]target{{manifest: m, step: pluginapi.StepSearch}}, alwaysOnIndexed(manifests, m.ID)...)
		}
	}

	var autoTriggered []target
	var exclusive *pluginapi.Manifest
	for _, m := range manifests {
		if m.MatchesPattern(query) {
			autoTriggered = append(autoTriggered, target{manifest: m, step: pluginapi.StepMatch})
			if m.Exclusive && exclusive == nil {
				exclusive = m
			}
		}
	}
	if exclusive != nil {
		return []target{{manifest: exclusive, step: pluginapi.StepMatch}}
	}

	seen := make(map[string]bool)
	var out []target
	for _, tg := range autoTriggered {
		if !seen[tg.manifest.ID] {
			seen[tg.manifest.ID] = true
			out = append(out, tg)
		}
	}
	for _, m := range manifests {
		if m.Index.Enabled && !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, target{manifest: m, step: pluginapi.StepSearch})
		}
	}
	return out
}

func alwaysOnIndexed(manifests []*pluginapi.Manifest, excludeID string) []target {
	var out []target
	for _, m := range manifests {
		if m.Index.Enabled && m.ID != excludeID {
			out = append(out, target{manifest: m, step: pluginapi.StepSearch})
		}
	}
	return out
}

func sortByPriorityDesc(manifests []*pluginapi.Manifest) {
	for i := 1; i < len(manifests); i++ {
		for j := i; j > 0 && manifests[j].Priority > manifests[j-1].Priority; j-- {
			manifests[j], manifests[j-1] = manifests[j-1], manifests[j]
		}
	}
}

// runPluginRequest dispatches one plugin's request off the owner
// goroutine (network/process I/O must never block it). Streamed
// plugin_results batches merge incrementally as they arrive, each batch
// replacing the plugin's previous contribution; the terminal response
// settles the fingerprint. Batches and replies from a superseded
// generation are discarded.
func (e *Engine) runPluginRequest(ctx context.Context, gen uint64, fp model.Fingerprint, tg target) {
	pluginID := fp.PluginID

	onPartial := func(items []pluginapi.Item) {
		e.submit(func(s *engineState) {
			if s.generation != gen {
				return // late batch for a superseded query
			}
			s.contributions[pluginID] = itemsFromPlugin(pluginID, items)
			e.recomputeAndEmitLocked(s, s.query)
		})
	}

	resp, err := e.dispatcher.DispatchStream(ctx, pluginID, pluginapi.Request{
		Step:  tg.step,
		Query: fp.Query,
	}, onPartial)

	e.submit(func(s *engineState) {
		if s.generation != gen {
			return // stale reply from a superseded query; discard
		}
		delete(s.pending, fp)
		if err != nil {
			logger.Query().Warn().Str("plugin", pluginID).Err(err).Msg("plugin search failed")
			delete(s.contributions, pluginID)
		} else if items, ok := resultsFromResponse(pluginID, resp); ok {
			s.contributions[pluginID] = items
		}
		// A noop or non-result terminal keeps whatever the plugin
		// streamed; long-lived plugins may answer entirely through
		// plugin_results notifications.
		e.recomputeAndEmitLocked(s, s.query)
	})
}

// resultsFromResponse converts a terminal response's items. ok is false
// for response types that carry no result payload (noop, status, ...),
// which must not clobber streamed contributions.
func resultsFromResponse(pluginID string, resp *pluginapi.Response) ([]model.ResultItem, bool) {
	if resp == nil {
		return nil, false
	}
	switch resp.Type {
	case pluginapi.RespMatch:
		if resp.Result == nil {
			return nil, false
		}
		return []model.ResultItem{itemFromPlugin(pluginID, *resp.Result)}, true
	case pluginapi.RespResults:
		return itemsFromPlugin(pluginID, resp.Results), true
	default:
		return nil, false
	}
}

func itemsFromPlugin(pluginID string, items []pluginapi.Item) []model.ResultItem {
	out := make([]model.ResultItem, 0, len(items))
	for _, it := range items {
		out = append(out, itemFromPlugin(pluginID, it))
	}
	return out
}

// itemFromPlugin converts a plugin-supplied item, stripping any markup
// from the text fields before they can reach a UI renderer.
func itemFromPlugin(pluginID string, it pluginapi.Item) model.ResultItem {
	return model.ResultItem{
		PluginID:    pluginID,
		ID:          it.ID,
		Name:        sanitize.Text(it.Name),
		Description: sanitize.Text(it.Description),
		Icon:        it.Icon,
		Widgets:     it.Widgets,
		Preview:     it.Preview,
		Priority:    it.Priority,
	}
}

// recomputeAndEmitLocked merges every plugin's latest contribution plus
// the always-on index search, scores and interleaves, and emits if the
// rate limiter allows.
func (e *Engine) recomputeAndEmitLocked(s *engineState, query string) {
	var candidates []Candidate
	for pluginID, items := range s.contributions {
		bonus := e.opts.PluginRankingBonus[pluginID]
		for _, item := range items {
			candidates = append(candidates, Candidate{Item: item, ScopeKey: pluginID + ":" + item.ID, Bonus: bonus + item.Priority})
		}
	}

	if query == "" && e.opts.SuggestionsEnabled {
		candidates = append(candidates, e.suggestionCandidates()...)
	}

	if query != "" && e.indexStore != nil {
		indexed, err := e.indexStore.IterAll()
		if err != nil {
			logger.Query().Warn().Err(err).Msg("index scan failed")
		}
		for _, it := range indexed {
			bonus := e.opts.PluginRankingBonus[it.PluginID]
			candidates = append(candidates, Candidate{
				Item: model.ResultItem{
					PluginID:    it.PluginID,
					ID:          it.ID,
					Name:        it.Name,
					Description: it.Description,
					Icon:        it.Icon,
				},
				ScopeKey: it.PluginID + ":" + it.ID,
				Keywords: it.Keywords,
				Bonus:    bonus,
			})
		}
	}

	scored := Score(candidates, query, e.fetchFrecency, e.freqScore)
	if e.opts.MaxResultsPerPlugin > 0 {
		scored = capPerPlugin(scored, e.opts.MaxResultsPerPlugin)
	}

	caps := PluginCaps{}
	final := Interleave(scored, e.opts.DiversityDecay, caps)
	final = filterExcludedSites(final, e.opts.ExcludedSites)
	if e.opts.MaxDisplayedResults > 0 && len(final) > e.opts.MaxDisplayedResults {
		final = final[:e.opts.MaxDisplayedResults]
	}

	if len(final) == 0 && len(s.pending) > 0 {
		// Nothing to show yet and plugins are still answering; the
		// explicit empty update only ships once the fan-out settles.
		return
	}

	if !e.emitLimiter.Allow() {
		// Rate-limited: make sure the final aggregate still ships once the
		// interval elapses instead of being dropped.
		if !s.emitPending {
			s.emitPending = true
			time.AfterFunc(e.opts.EmitInterval, func() {
				e.submit(func(s *engineState) {
					s.emitPending = false
					e.recomputeAndEmitLocked(s, s.query)
				})
			})
		}
		return
	}
	if e.emit != nil {
		e.emit(final)
	}
}

func (e *Engine) fetchFrecency(scopeKey string) frecency.Entry {
	if e.freqStore == nil {
		return frecency.Entry{ScopeKey: scopeKey}
	}
	entry, err := e.freqStore.Get(scopeKey)
	if err != nil {
		return frecency.Entry{ScopeKey: scopeKey}
	}
	return entry
}

func (e *Engine) freqScore(entry frecency.Entry) float64 {
	return frecency.FreqScore(entry, time.Now())
}

// suggestionCandidates surfaces the highest-frecency indexed items for an
// empty query, flagged so the UI can render them as suggestions rather
// than matches.
func (e *Engine) suggestionCandidates() []Candidate {
	if e.freqStore == nil || e.indexStore == nil {
		return nil
	}
	top, err := e.freqStore.TopByCount(e.opts.MaxDisplayedResults)
	if err != nil || len(top) == 0 {
		return nil
	}
	byScope := make(map[string]frecency.Entry, len(top))
	for _, entry := range top {
		byScope[entry.ScopeKey] = entry
	}

	indexed, err := e.indexStore.IterAll()
	if err != nil {
		return nil
	}
	var out []Candidate
	for _, it := range indexed {
		scopeKey := it.PluginID + ":" + it.ID
		if _, ok := byScope[scopeKey]; !ok {
			continue
		}
		out = append(out, Candidate{
			Item: model.ResultItem{
				PluginID:    it.PluginID,
				ID:          it.ID,
				Name:        it.Name,
				Description: it.Description,
				Icon:        it.Icon,
				Suggestion:  true,
			},
			ScopeKey: scopeKey,
			Keywords: it.Keywords,
		})
	}
	return out
}

// filterExcludedSites drops ranked items that mention an excluded site in
// their name or description.
func filterExcludedSites(items []model.ResultItem, excluded []string) []model.ResultItem {
	if len(excluded) == 0 {
		return items
	}
	out := items[:0]
	for _, it := range items {
		text := strings.ToLower(it.Name + " " + it.Description)
		drop := false
		for _, site := range excluded {
			if site != "" && strings.Contains(text, strings.ToLower(site)) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, it)
		}
	}
	return out
}

// capPerPlugin enforces maxResultsPerPlugin before diversity interleaving
// runs.
func capPerPlugin(items []model.ResultItem, max int) []model.ResultItem {
	counts := make(map[string]int)
	out := make([]model.ResultItem, 0, len(items))
	for _, it := range items {
		if counts[it.PluginID] >= max {
			continue
		}
		counts[it.PluginID]++
		out = append(out, it)
	}
	return out
}
