// Package core wires every other component into the daemon's single
// decision-making surface: it owns the RPC method table,
// promotes/demotes the active query engine as sessions come and go, and
// routes plugin-pushed notifications to the ambient channel or the query
// engine. Like session.Registry and pluginmgr.Manager, its own mutable
// state (connection table, active engine, pending executions) lives behind
// an ops channel processed by a single goroutine; the components it wires
// together each already serialize their own state the same way, so Core
// itself never takes a lock.
package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launchkitd/launchkitd/internal/ambient"
	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/authz"
	"github.com/launchkitd/launchkitd/internal/bus"
	"github.com/launchkitd/launchkitd/internal/config"
	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/index"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/model"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
	"github.com/launchkitd/launchkitd/internal/pluginmgr"
	"github.com/launchkitd/launchkitd/internal/query"
	"github.com/launchkitd/launchkitd/internal/rpc"
	"github.com/launchkitd/launchkitd/internal/sanitize"
	"github.com/launchkitd/launchkitd/internal/session"
)

// itemSelectTimeout bounds how long item_selected waits on a plugin's
// action step before the UI receives an error instead of an execute.
const itemSelectTimeout = 10 * time.Second

// indexRefreshTimeout bounds one plugin's index step; a large first index
// can legitimately take a while.
const indexRefreshTimeout = 30 * time.Second

// Sender is what Core needs to push a message to one connected peer. It is
// satisfied by *transport.Conn; tests substitute a recorder.
type Sender interface {
	SendJSON(v interface{}) error
}

// Core binds session.Registry, pluginmgr.Manager, the index and frecency
// stores, the config store, the ambient channel, and the Control-role
// authority into the daemon's RPC method surface.
type Core struct {
	registry   *session.Registry
	plugins    *pluginmgr.Manager
	indexStore *index.Store
	freqStore  *frecency.Store
	cfgStore   *config.Store
	ambientCh  *ambient.Channel
	authority  *authz.Authority
	bridge     *bus.Bridge
	mirror     *frecency.Mirror
	configPath string
	queryOpts  query.Options

	ops  chan func(*coreState)
	done chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type pendingExecute struct {
	PluginID string
	ItemID   string
	Query    string
}

type coreState struct {
	conns           map[string]Sender         // connID -> peer
	sessions        map[string]*session.Session // connID -> registered session
	activeConnID    string
	activeEngine    *query.Engine
	pendingExecutes map[string]pendingExecute
}

// Deps bundles Core's collaborators into a single constructor parameter.
type Deps struct {
	Registry   *session.Registry
	Plugins    *pluginmgr.Manager
	IndexStore *index.Store
	FreqStore  *frecency.Store
	CfgStore   *config.Store
	AmbientCh  *ambient.Channel
	Authority  *authz.Authority
	Bridge     *bus.Bridge
	Mirror     *frecency.Mirror
	ConfigPath string
	QueryOpts  query.Options
}

// NewCore constructs a Core and starts its owner goroutine.
func NewCore(d Deps) *Core {
	c := &Core{
		registry:   d.Registry,
		plugins:    d.Plugins,
		indexStore: d.IndexStore,
		freqStore:  d.FreqStore,
		cfgStore:   d.CfgStore,
		ambientCh:  d.AmbientCh,
		authority:  d.Authority,
		bridge:     d.Bridge,
		mirror:     d.Mirror,
		configPath: d.ConfigPath,
		queryOpts:  d.QueryOpts,
		ops:        make(chan func(*coreState), 256),
		done:       make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Core) run() {
	state := &coreState{
		conns:           make(map[string]Sender),
		sessions:        make(map[string]*session.Session),
		pendingExecutes: make(map[string]pendingExecute),
	}
	for {
		select {
		case op := <-c.ops:
			op(state)
		case <-c.done:
			if state.activeEngine != nil {
				state.activeEngine.Close()
			}
			return
		}
	}
}

func (c *Core) submit(fn func(*coreState)) {
	done := make(chan struct{})
	c.ops <- func(s *coreState) {
		fn(s)
		close(done)
	}
	<-done
}

// Close stops the owner goroutine and the active engine, if any.
func (c *Core) Close() { close(c.done) }

// ShutdownRequested is closed once a Control session calls shutdown().
func (c *Core) ShutdownRequested() <-chan struct{} { return c.shutdownCh }

// Accept registers connID's outbound sender before any handshake message
// arrives, so an early write (unlikely but possible under reordering) has
// somewhere to go.
func (c *Core) Accept(connID string, sender Sender) {
	c.submit(func(s *coreState) { s.conns[connID] = sender })
}

// Disconnected tears down connID's session; if it was the active UI its
// engine is closed, which cancels every request associated with it.
func (c *Core) Disconnected(connID string, cause error) {
	var sessID string
	c.submit(func(s *coreState) {
		delete(s.conns, connID)
		sess, ok := s.sessions[connID]
		if ok {
			sessID = sess.ID
		}
		delete(s.sessions, connID)
		if connID == s.activeConnID {
			if s.activeEngine != nil {
				s.activeEngine.Close()
			}
			s.activeEngine = nil
			s.activeConnID = ""
			c.ambientCh.SetSubscriber(nil)
		}
	})
	if sessID != "" {
		c.registry.Unregister(sessID)
		logger.Core().Info().Str("conn", connID).Err(cause).Msg("connection closed")
	}
}

// HandleMessage parses raw as an rpc.Message and dispatches it. Malformed
// payloads are logged and dropped; framing-level errors are the
// transport layer's concern, not Core's.
func (c *Core) HandleMessage(connID string, raw []byte) {
	var msg rpc.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Core().Warn().Str("conn", connID).Err(err).Msg("dropping malformed message")
		return
	}

	if msg.IsResponse() {
		// Core never issues requests the peer answers by ID; responses
		// arriving here would only come from a misbehaving peer.
		return
	}

	result, err := c.dispatch(connID, msg.Method, msg.Params)
	if !msg.IsRequest() {
		if err != nil {
			logger.Core().Warn().Str("conn", connID).Str("method", msg.Method).Err(err).Msg("notification handling failed")
		}
		return
	}

	var reply *rpc.Message
	if err != nil {
		ae, ok := err.(*apperr.Error)
		if !ok {
			ae = apperr.InternalError(err)
		}
		reply = rpc.NewError(*msg.ID, string(ae.Code), ae.Error())
	} else {
		reply, err = rpc.NewResult(*msg.ID, result)
		if err != nil {
			reply = rpc.NewError(*msg.ID, string(apperr.Internal), "failed to encode result")
		}
	}
	c.send(connID, reply)
}

func (c *Core) send(connID string, v interface{}) {
	var sender Sender
	c.submit(func(s *coreState) { sender = s.conns[connID] })
	if sender == nil {
		return
	}
	if err := sender.SendJSON(v); err != nil {
		logger.Core().Warn().Str("conn", connID).Err(err).Msg("failed to send message")
	}
}

func (c *Core) notify(connID, method string, params interface{}) {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		logger.Core().Warn().Str("method", method).Err(err).Msg("failed to encode notification")
		return
	}
	c.send(connID, msg)
}

func (c *Core) dispatch(connID, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "register":
		return c.handleRegister(connID, params)
	case "query_changed":
		return c.handleQueryChanged(connID, params)
	case "item_selected":
		return c.handleItemSelected(connID, params)
	case "ack_execute":
		return c.handleAckExecute(connID, params)
	case "reload_plugins":
		return c.handleReloadPlugins()
	case "list_plugins":
		return c.handleListPlugins()
	case "status":
		return c.handleStatus(connID)
	case "shutdown":
		return c.handleShutdown(connID)
	case "disable_plugin":
		return c.handleSetDisabled(connID, params, true)
	case "enable_plugin":
		return c.handleSetDisabled(connID, params, false)
	case "set_plugin_ranking_bonus":
		return c.handleSetPluginRankingBonus(connID, params)
	default:
		return nil, apperr.New(apperr.MethodNotFound, "unknown method "+method)
	}
}

// --- register -----------------------------------------------------------

type registerParams struct {
	Role     session.Role `json:"role"`
	Name     string       `json:"name,omitempty"`
	PluginID string       `json:"pluginId,omitempty"`
	Token    string       `json:"token,omitempty"`
}

type registerResult struct {
	SessionID string `json:"sessionId"`
	Ticket    string `json:"ticket,omitempty"`
}

func (c *Core) handleRegister(connID string, raw json.RawMessage) (interface{}, error) {
	var p registerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed register params")
	}

	var ticket string
	if p.Role == session.RoleControl {
		if c.authority == nil {
			return nil, apperr.New(apperr.Unauthorized, "control registration unavailable")
		}
		t, err := c.authority.Authenticate(p.Token)
		if err != nil {
			return nil, err
		}
		ticket = t
	}

	res, err := c.registry.Register(session.RegisterParams{Role: p.Role, Name: p.Name, PluginID: p.PluginID})
	if err != nil {
		return nil, err
	}

	c.submit(func(s *coreState) { s.sessions[connID] = res.Session })

	if p.Role == session.RoleUI {
		c.promoteActiveUI(connID, res)
	}

	return registerResult{SessionID: res.Session.ID, Ticket: ticket}, nil
}

// promoteActiveUI installs connID as the active UI: a fresh query engine
// is created, the ambient channel's subscriber is switched to it, and the
// newly-promoted UI immediately receives a last-known-good ambient
// replay.
func (c *Core) promoteActiveUI(connID string, res session.RegisterResult) {
	emit := func(items []model.ResultItem) {
		c.notify(connID, "results_update", items)
	}

	var prevEngine *query.Engine
	c.submit(func(s *coreState) {
		prevEngine = s.activeEngine
		s.activeConnID = connID
		s.activeEngine = query.NewEngine(c.plugins, c.indexStore, c.freqStore, c.queryOpts, emit)
	})
	if prevEngine != nil {
		prevEngine.Close()
	}
	sub := func(u ambient.Update) {
		c.notify(connID, "plugin_status_update", u.Snapshot)
		if u.AmbientDirty {
			c.notify(connID, "ambient_update", u.Snapshot)
		}
		if c.bridge != nil {
			c.bridge.PublishAmbientUpdate(u.Snapshot.PluginID, u.AmbientDirty, time.Now())
		}
	}
	c.ambientCh.SetSubscriber(sub)
	c.ambientCh.ReplayAll(sub)
}

// --- query_changed -------------------------------------------------------

type queryChangedParams struct {
	Query string `json:"query"`
}

func (c *Core) handleQueryChanged(connID string, raw json.RawMessage) (interface{}, error) {
	var p queryChangedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed query_changed params")
	}

	var engine *query.Engine
	c.submit(func(s *coreState) {
		if connID == s.activeConnID {
			engine = s.activeEngine
		}
	})
	if engine == nil {
		return nil, apperr.New(apperr.InvalidRequest, "query_changed requires an active UI session")
	}
	engine.QueryChanged(p.Query)
	return struct{}{}, nil
}

// --- item_selected --------------------------------------------------------

type itemRef struct {
	PluginID string `json:"pluginId"`
	ItemID   string `json:"itemId"`
}

type itemSelectedParams struct {
	ItemRef itemRef `json:"itemRef"`
	Action  string  `json:"action,omitempty"`
	Source  string  `json:"source,omitempty"`
}

func (c *Core) handleItemSelected(connID string, raw json.RawMessage) (interface{}, error) {
	var p itemSelectedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed item_selected params")
	}
	if p.ItemRef.PluginID == "" || p.ItemRef.ItemID == "" {
		return nil, apperr.New(apperr.InvalidParams, "item_selected requires itemRef.pluginId and itemRef.itemId")
	}

	var queryStr string
	c.submit(func(s *coreState) {
		if connID == s.activeConnID && s.activeEngine != nil {
			queryStr = s.activeEngine.CurrentQuery()
		}
	})

	go c.runItemSelected(connID, p, queryStr)
	return struct{}{}, nil
}

// runItemSelected dispatches the plugin's action step off the owner
// goroutine (waiting on a plugin must never block the core's serialized
// decision loop), then delivers exactly one execute or error notification
// to the originating UI.
func (c *Core) runItemSelected(connID string, p itemSelectedParams, queryStr string) {
	selected, _ := json.Marshal(p.ItemRef)
	ctx, cancel := context.WithTimeout(context.Background(), itemSelectTimeout)
	defer cancel()

	resp, err := c.plugins.Dispatch(ctx, p.ItemRef.PluginID, pluginapi.Request{
		Step:     pluginapi.StepAction,
		Query:    queryStr,
		Selected: selected,
		Action:   p.Action,
		Session:  connID,
		Source:   p.Source,
	})
	if err != nil {
		c.notify(connID, "error", executeError(p.ItemRef.PluginID, err))
		return
	}
	if resp.Type == pluginapi.RespError {
		c.notify(connID, "error", executeError(p.ItemRef.PluginID, apperr.New(apperr.Internal, resp.Error)))
		return
	}
	if resp.Type != pluginapi.RespExecute || resp.Result == nil {
		// A plugin that answers an action step with anything other than
		// execute (noop, typically) has nothing for the UI to perform.
		return
	}

	executeID := uuid.NewString()
	c.submit(func(s *coreState) {
		s.pendingExecutes[executeID] = pendingExecute{PluginID: p.ItemRef.PluginID, ItemID: p.ItemRef.ItemID, Query: queryStr}
	})
	c.notify(connID, "execute", executeNotification{ExecuteID: executeID, Result: resp.Result})
}

type executeNotification struct {
	ExecuteID string          `json:"executeId"`
	Result    *pluginapi.Item `json:"result"`
}

type errorNotification struct {
	PluginID string `json:"pluginId"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func executeError(pluginID string, err error) errorNotification {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.InternalError(err)
	}
	return errorNotification{PluginID: pluginID, Code: string(ae.Code), Message: ae.Message}
}

// --- ack_execute -----------------------------------------------------------

type ackExecuteParams struct {
	ExecuteID string `json:"executeId"`
	OK        bool   `json:"ok"`
}

// handleAckExecute records a frecency selection iff the UI confirms the
// execute actually succeeded from its perspective.
func (c *Core) handleAckExecute(connID string, raw json.RawMessage) (interface{}, error) {
	var p ackExecuteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed ack_execute params")
	}

	var entry pendingExecute
	var found bool
	c.submit(func(s *coreState) {
		entry, found = s.pendingExecutes[p.ExecuteID]
		delete(s.pendingExecutes, p.ExecuteID)
	})
	if !found || !p.OK {
		return struct{}{}, nil
	}

	inst, ok := c.plugins.Get(entry.PluginID)
	if !ok {
		return struct{}{}, nil
	}

	scopeKey := ""
	switch inst.Manifest.Frecency {
	case pluginapi.FrecencyItem:
		scopeKey = entry.PluginID + ":" + entry.ItemID
	case pluginapi.FrecencyPlugin:
		scopeKey = entry.PluginID
	default:
		return struct{}{}, nil
	}

	if err := c.freqStore.RecordSelection(scopeKey, entry.Query, time.Now()); err != nil {
		logger.Core().Warn().Str("scope_key", scopeKey).Err(err).Msg("failed to record frecency selection")
	} else if c.mirror != nil && c.mirror.IsEnabled() {
		go c.mirrorSelection(scopeKey)
	}
	return struct{}{}, nil
}

// mirrorSelection replicates the freshly updated entry to the optional
// cross-machine mirror, off the request path.
func (c *Core) mirrorSelection(scopeKey string) {
	entry, err := c.freqStore.Get(scopeKey)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = c.mirror.Push(ctx, entry)
}

// ApplyConfig rebuilds the query options from a fresh config snapshot and
// hot-applies them to the active engine, if any. Called by the config
// watcher's change callback.
func (c *Core) ApplyConfig(opts query.Options) {
	c.submit(func(s *coreState) {
		c.queryOpts = opts
		if s.activeEngine != nil {
			s.activeEngine.UpdateOptions(opts)
		}
	})
}

// --- reload_plugins / list_plugins / status / shutdown ---------------------

func (c *Core) handleReloadPlugins() (interface{}, error) {
	diff, errs := c.plugins.Reload()
	for _, e := range errs {
		logger.Core().Warn().Str("dir", e.Dir).Err(e.Err).Msg("plugin discovery error during reload")
	}
	for _, id := range diff.Removed {
		if err := c.indexStore.Drop(id); err != nil {
			logger.Core().Warn().Str("plugin", id).Err(err).Msg("failed to drop index for removed plugin")
		}
	}
	for _, id := range append(append([]string{}, diff.Added...), diff.Changed...) {
		if inst, ok := c.plugins.Get(id); ok && inst.Manifest.Index.Enabled {
			go c.refreshIndex(id)
		}
	}
	return diff, nil
}

// RefreshIndexes asks every index-enabled plugin for its item table. Run
// once after startup discovery; individual plugins are re-asked on reload.
func (c *Core) RefreshIndexes() {
	for _, m := range c.plugins.List() {
		if m.Index.Enabled {
			go c.refreshIndex(m.ID)
		}
	}
}

func (c *Core) refreshIndex(pluginID string) {
	ctx, cancel := context.WithTimeout(context.Background(), indexRefreshTimeout)
	defer cancel()
	resp, err := c.plugins.Dispatch(ctx, pluginID, pluginapi.Request{Step: pluginapi.StepIndex})
	if err != nil {
		logger.Core().Warn().Str("plugin", pluginID).Err(err).Msg("index refresh failed")
		return
	}
	if resp.Type != pluginapi.RespIndex {
		return
	}
	c.applyIndex(pluginID, resp)
}

// applyIndex writes a plugin's index response into the store, sanitizing
// plugin-supplied text on the way in since plugins are untrusted external
// processes.
func (c *Core) applyIndex(pluginID string, resp *pluginapi.Response) {
	items := make([]model.IndexedItem, 0, len(resp.Results))
	for _, it := range resp.Results {
		items = append(items, model.IndexedItem{
			PluginID:    pluginID,
			ID:          it.ID,
			Name:        sanitize.Text(it.Name),
			Description: sanitize.Text(it.Description),
			Icon:        it.Icon,
			IconType:    it.IconType,
			Keywords:    it.Keywords,
			EntryPoint:  it.EntryPoint,
			Execute:     it.Execute,
			Preview:     it.Preview,
		})
	}

	var err error
	if resp.Partial {
		err = c.indexStore.Incremental(pluginID, items, resp.Removed)
	} else {
		err = c.indexStore.FullReplace(pluginID, items)
	}
	if err != nil {
		logger.Core().Warn().Str("plugin", pluginID).Err(err).Msg("failed to persist plugin index")
		return
	}
	logger.Core().Debug().Str("plugin", pluginID).Int("items", len(items)).Bool("partial", resp.Partial).Msg("plugin index applied")
}

type pluginSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
}

func (c *Core) handleListPlugins() (interface{}, error) {
	manifests := c.plugins.List()
	out := make([]pluginSummary, 0, len(manifests))
	for _, m := range manifests {
		inst, _ := c.plugins.Get(m.ID)
		out = append(out, pluginSummary{ID: m.ID, Name: m.Name, State: string(inst.State), Priority: m.Priority})
	}
	return out, nil
}

type statusResult struct {
	ActiveSessionID string            `json:"activeSessionId,omitempty"`
	Plugins         []pluginSummary   `json:"plugins"`
	FrecencyEntries int               `json:"frecencyEntries"`
	ConfigVersion   int               `json:"configVersion"`
	ActionBarHints  map[string]string `json:"actionBarHints,omitempty"`
}

func (c *Core) handleStatus(connID string) (interface{}, error) {
	plugins, _ := c.handleListPlugins()

	count, err := c.freqStore.Count()
	if err != nil {
		logger.Core().Warn().Err(err).Msg("failed to read frecency row count for status")
	}

	var activeSessionID string
	c.submit(func(s *coreState) {
		if sess, ok := s.sessions[s.activeConnID]; ok {
			activeSessionID = sess.ID
		}
	})

	snap := c.cfgStore.Current()
	return statusResult{
		ActiveSessionID: activeSessionID,
		Plugins:         plugins.([]pluginSummary),
		FrecencyEntries: count,
		ConfigVersion:   snap.Version,
		ActionBarHints:  snap.ActionBarHints,
	}, nil
}

func (c *Core) handleShutdown(connID string) (interface{}, error) {
	if err := c.requireControl(connID); err != nil {
		return nil, err
	}
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	return struct{}{}, nil
}

// --- Control-role supplements ---------------------------

type pluginIDParams struct {
	PluginID string `json:"pluginId"`
}

func (c *Core) handleSetDisabled(connID string, raw json.RawMessage, disabled bool) (interface{}, error) {
	if err := c.requireControl(connID); err != nil {
		return nil, err
	}
	var p pluginIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed params")
	}
	if err := c.plugins.SetDisabled(p.PluginID, disabled); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type setRankingBonusParams struct {
	PluginID string  `json:"pluginId"`
	Bonus    float64 `json:"bonus"`
}

func (c *Core) handleSetPluginRankingBonus(connID string, raw json.RawMessage) (interface{}, error) {
	if err := c.requireControl(connID); err != nil {
		return nil, err
	}
	var p setRankingBonusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.InvalidParams, "malformed params")
	}

	c.submit(func(s *coreState) {
		if s.activeEngine != nil {
			s.activeEngine.SetPluginRankingBonus(p.PluginID, p.Bonus)
		}
		// queryOpts.PluginRankingBonus seeds every future engine
		// (promoteActiveUI reads it); mutate it only on the owner
		// goroutine, the same discipline as coreState itself. The map is
		// copied rather than written, since it starts out as the config
		// snapshot's own.
		bonuses := make(map[string]float64, len(c.queryOpts.PluginRankingBonus)+1)
		for k, v := range c.queryOpts.PluginRankingBonus {
			bonuses[k] = v
		}
		bonuses[p.PluginID] = p.Bonus
		c.queryOpts.PluginRankingBonus = bonuses
	})

	if c.configPath != "" {
		if err := c.cfgStore.SetPluginRankingBonus(c.configPath, p.PluginID, p.Bonus); err != nil {
			logger.Core().Warn().Err(err).Msg("failed to persist plugin ranking bonus to config file")
		}
	}
	return struct{}{}, nil
}

func (c *Core) requireControl(connID string) error {
	var sess *session.Session
	c.submit(func(s *coreState) { sess = s.sessions[connID] })
	if sess == nil || sess.Role != session.RoleControl {
		return apperr.New(apperr.Unauthorized, "this method requires a control-role session")
	}
	return nil
}

// HandlePluginNotification routes a notification a long-lived plugin
// pushed outside of request/response: plugin_status feeds the ambient
// channel, and plugin_results arriving without a pending query
// fingerprint has no active consumer and is dropped.
// This is the callback pluginmgr.NewManager's onNotify parameter invokes;
// cmd/launchkitd/main.go constructs the Manager first, with a closure over
// a Core variable that is assigned once NewCore returns.
func (c *Core) HandlePluginNotification(pluginID, method string, params json.RawMessage) {
	switch method {
	case "plugin_status":
		var status pluginapi.AmbientStatus
		if err := json.Unmarshal(params, &status); err != nil {
			logger.Core().Warn().Str("plugin", pluginID).Err(err).Msg("malformed plugin_status notification")
			return
		}
		c.ambientCh.PluginStatus(pluginID, status)
		if c.bridge != nil {
			c.bridge.PublishPluginStatus(pluginID, "ready", time.Now())
		}
	case "index":
		// Long-lived plugins may push index updates unprompted.
		var resp pluginapi.Response
		if err := json.Unmarshal(params, &resp); err != nil {
			logger.Core().Warn().Str("plugin", pluginID).Err(err).Msg("malformed index notification")
			return
		}
		c.applyIndex(pluginID, &resp)
	case "plugin_results":
		// Streamed batches for an in-flight request are consumed at the
		// transport layer: DispatchStream registers the request id with
		// the handle's partial router and the engine merges each batch.
		// A batch reaching this point carried an id with no registered
		// waiter (late after cancellation, or an unsolicited push with
		// no pending fingerprint), has no active consumer, and is
		// dropped.
		logger.Core().Debug().Str("plugin", pluginID).Msg("dropping plugin_results with no pending request")
	case "plugin_exited":
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(params, &p)
		c.ambientCh.Clear(pluginID)
		if c.bridge != nil {
			c.bridge.PublishPluginExited(pluginID, apperr.New(apperr.Internal, p.Reason), time.Now())
		}
	default:
		logger.Core().Debug().Str("plugin", pluginID).Str("method", method).Msg("unhandled plugin notification")
	}
}
