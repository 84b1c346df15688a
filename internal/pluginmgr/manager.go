package pluginmgr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// respawnBackoff is the delay before a Crashed instance with remaining
// restart budget is respawned.
const respawnBackoff = 500 * time.Millisecond

// NotificationHandler receives a Notification pushed by a long-lived
// plugin outside of request/response (plugin_status, plugin_results) and
// the synthetic plugin_exited; register is consumed by the manager and
// not forwarded.
type NotificationHandler func(pluginID, method string, params json.RawMessage)

// pluginExitedParams is the synthetic notification payload handleExit
// forwards through onNotify when a long-lived plugin's connection tears
// down, giving Core a PluginExited input through the same
// NotificationHandler callback plugin_status/plugin_results already use.
type pluginExitedParams struct {
	Reason string `json:"reason"`
}

// ReloadDiff is the added/removed/changed diff a rescan produces.
type ReloadDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Manager owns plugin discovery, the instance table, and transport
// dispatch. Like session.Registry, all mutable state lives behind an ops
// channel processed by a single goroutine; nobody else signals the child
// processes it supervises.
type Manager struct {
	dirs     []string
	ops      chan func(*managerState)
	done     chan struct{}
	onNotify NotificationHandler

	// wsPath is the dial-back socket ws-transport plugins connect to,
	// set by ServeWS before Start.
	wsPath string
}

type managerState struct {
	instances map[string]*PluginInstance
}

// NewManager constructs a Manager that will discover plugins under dirs,
// scanned in order (user overrides first, then system). onNotify is
// invoked for every Notification a long-lived plugin pushes except
// register, which only marks the instance Registered.
func NewManager(dirs []string, onNotify NotificationHandler) *Manager {
	m := &Manager{
		dirs:     dirs,
		ops:      make(chan func(*managerState), 64),
		done:     make(chan struct{}),
		onNotify: onNotify,
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	state := &managerState{instances: make(map[string]*PluginInstance)}
	for {
		select {
		case op := <-m.ops:
			op(state)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) submit(fn func(*managerState)) {
	result := make(chan struct{})
	m.ops <- func(s *managerState) {
		fn(s)
		close(result)
	}
	<-result
}

// Close stops the owner goroutine and tears down every instance's
// transport handle.
func (m *Manager) Close() {
	m.submit(func(s *managerState) {
		for _, inst := range s.instances {
			if inst.transport != nil {
				inst.transport.Close()
			}
		}
	})
	close(m.done)
}

// Start performs initial discovery and spawns every LongLived plugin
// whose manifest sets daemon.background; the rest spawn on first use.
func (m *Manager) Start() ([]DiscoveryError, error) {
	discovered, errs := Discover(m.dirs)

	m.submit(func(s *managerState) {
		for _, d := range discovered {
			inst := newInstance(d.Manifest, d.Dir)
			s.instances[d.Manifest.ID] = inst
			if d.Manifest.Transport == pluginapi.ShortLived {
				inst.transport = newShortLivedHandle(d.Manifest, d.Dir)
				inst.State = StateReady
				continue
			}
			if d.Manifest.Daemon.Background {
				m.spawnLongLivedLocked(s, inst)
			} else {
				inst.State = StateReady // spawned lazily on first use
			}
		}
	})

	return errs, nil
}

// setWSPath records the dial-back socket path for ws-transport spawns.
func (m *Manager) setWSPath(path string) {
	m.submit(func(*managerState) { m.wsPath = path })
}

// spawnLongLivedLocked must only be called from the owner goroutine.
func (m *Manager) spawnLongLivedLocked(s *managerState, inst *PluginInstance) {
	inst.State = StateStarting
	id := inst.Manifest.ID
	onNotification := func(method string, params json.RawMessage) {
		if method == "register" {
			inst.Registered = true
			return
		}
		if m.onNotify != nil {
			m.onNotify(id, method, params)
		}
	}
	onExit := func(exitErr error) { m.handleExit(id, exitErr) }

	var handle transportHandle
	var err error
	if inst.Manifest.Daemon.Socket == "ws" {
		handle, err = startWSLongLived(inst.Manifest, inst.Dir, m.wsPath, onNotification, onExit)
	} else {
		handle, err = startLongLived(inst.Manifest, inst.Dir, onNotification, onExit)
	}
	if err != nil {
		inst.State = StateCrashed
		inst.LastError = err
		logger.Plugin().Error().Str("plugin", id).Err(err).Msg("failed to spawn long-lived plugin")
		return
	}
	inst.transport = handle
	inst.State = StateReady
}

// handleExit runs the supervision policy for a long-lived plugin whose
// connection just tore down: mark Crashed, drain one restart token, and
// respawn after a backoff or disable when the budget is dry.
func (m *Manager) handleExit(pluginID string, exitErr error) {
	m.submit(func(s *managerState) {
		inst, ok := s.instances[pluginID]
		if !ok {
			return
		}
		inst.State = StateCrashed
		inst.LastError = exitErr
		inst.transport = nil
		logger.Plugin().Warn().Str("plugin", pluginID).Err(exitErr).Msg("long-lived plugin connection lost")

		if m.onNotify != nil {
			reason := ""
			if exitErr != nil {
				reason = exitErr.Error()
			}
			params, _ := json.Marshal(pluginExitedParams{Reason: reason})
			m.onNotify(pluginID, "plugin_exited", params)
		}

		if !inst.RestartBudget.TakeToken() {
			inst.State = StateDisabled
			logger.Plugin().Warn().Str("plugin", pluginID).Msg("restart budget exhausted, disabling plugin")
			return
		}
		inst.RestartCount++
		go func() {
			time.Sleep(respawnBackoff)
			m.submit(func(s *managerState) {
				cur, ok := s.instances[pluginID]
				if !ok || cur.State != StateCrashed {
					return
				}
				m.spawnLongLivedLocked(s, cur)
			})
		}()
	})
}

// Get returns a snapshot copy of a plugin's instance state.
func (m *Manager) Get(pluginID string) (PluginInstance, bool) {
	var out PluginInstance
	var ok bool
	m.submit(func(s *managerState) {
		inst, found := s.instances[pluginID]
		if found {
			out = *inst
			ok = true
		}
	})
	return out, ok
}

// List returns every known instance's manifest, used by the query engine
// to resolve which plugins a query fans out to.
func (m *Manager) List() []*pluginapi.Manifest {
	var out []*pluginapi.Manifest
	m.submit(func(s *managerState) {
		out = make([]*pluginapi.Manifest, 0, len(s.instances))
		for _, inst := range s.instances {
			out = append(out, inst.Manifest)
		}
	})
	return out
}

// resolveHandle looks up pluginID's transport, spawning a LongLived
// instance lazily if it isn't already running.
func (m *Manager) resolveHandle(pluginID string) (transportHandle, error) {
	var handle transportHandle
	var resolveErr error

	m.submit(func(s *managerState) {
		inst, ok := s.instances[pluginID]
		if !ok {
			resolveErr = apperr.NotFound("plugin " + pluginID)
			return
		}
		switch inst.State {
		case StateDisabled:
			resolveErr = apperr.Unreachable(pluginID, inst.LastError)
			return
		case StateCrashed:
			resolveErr = apperr.Unreachable(pluginID, inst.LastError)
			return
		}
		if inst.transport == nil && inst.Manifest.Transport == pluginapi.LongLived {
			m.spawnLongLivedLocked(s, inst)
			if inst.State != StateReady {
				resolveErr = apperr.Unreachable(pluginID, inst.LastError)
				return
			}
		}
		handle = inst.transport
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	if handle == nil {
		return nil, apperr.Unreachable(pluginID, nil)
	}
	return handle, nil
}

// Dispatch routes a request to pluginID's transport.
func (m *Manager) Dispatch(ctx context.Context, pluginID string, req pluginapi.Request) (*pluginapi.Response, error) {
	handle, err := m.resolveHandle(pluginID)
	if err != nil {
		return nil, err
	}
	return handle.Dispatch(ctx, req)
}

// DispatchStream routes a request whose partial plugin_results batches
// should stream back through onPartial. A short-lived transport produces
// exactly one synchronous response, so it falls back to plain Dispatch
// and onPartial never fires.
func (m *Manager) DispatchStream(ctx context.Context, pluginID string, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error) {
	handle, err := m.resolveHandle(pluginID)
	if err != nil {
		return nil, err
	}
	if sh, ok := handle.(streamingHandle); ok && onPartial != nil {
		return sh.DispatchStream(ctx, req, onPartial)
	}
	return handle.Dispatch(ctx, req)
}

// SetDisabled administratively forces pluginID to Disabled, or re-enables
// it, without waiting for the restart budget to exhaust or a reload to run
//. Disabling a running
// LongLived instance tears down its transport immediately.
func (m *Manager) SetDisabled(pluginID string, disabled bool) error {
	var opErr error
	m.submit(func(s *managerState) {
		inst, ok := s.instances[pluginID]
		if !ok {
			opErr = apperr.NotFound("plugin " + pluginID)
			return
		}
		if disabled {
			if inst.transport != nil {
				inst.transport.Close()
				inst.transport = nil
			}
			inst.State = StateDisabled
			return
		}
		inst.RestartBudget = NewRestartBudget(restartBudgetSize, restartWindow)
		if inst.Manifest.Transport == pluginapi.ShortLived {
			inst.transport = newShortLivedHandle(inst.Manifest, inst.Dir)
			inst.State = StateReady
			return
		}
		if inst.Manifest.Daemon.Background {
			m.spawnLongLivedLocked(s, inst)
		} else {
			inst.State = StateReady
		}
	})
	return opErr
}

// Reload rescans m.dirs and applies the three-way diff. Manifest equality
// is the proxy for "manifest bytes differ": pluginapi.Manifest.Equal
// compares every field the wire format carries, which is equivalent for a
// manifest whose bytes round-trip through the same YAML schema.
func (m *Manager) Reload() (ReloadDiff, []DiscoveryError) {
	discovered, errs := Discover(m.dirs)
	byID := make(map[string]Discovered, len(discovered))
	for _, d := range discovered {
		byID[d.Manifest.ID] = d
	}

	var diff ReloadDiff
	m.submit(func(s *managerState) {
		for id := range s.instances {
			if _, stillThere := byID[id]; !stillThere {
				diff.Removed = append(diff.Removed, id)
			}
		}
		for _, id := range diff.Removed {
			inst := s.instances[id]
			if inst.transport != nil {
				inst.transport.Close()
			}
			delete(s.instances, id)
		}

		for id, d := range byID {
			existing, ok := s.instances[id]
			if !ok {
				inst := newInstance(d.Manifest, d.Dir)
				s.instances[id] = inst
				if d.Manifest.Transport == pluginapi.ShortLived {
					inst.transport = newShortLivedHandle(d.Manifest, d.Dir)
					inst.State = StateReady
				} else if d.Manifest.Daemon.Background {
					m.spawnLongLivedLocked(s, inst)
				} else {
					inst.State = StateReady
				}
				diff.Added = append(diff.Added, id)
				continue
			}
			if existing.Manifest.Equal(d.Manifest) {
				continue
			}
			diff.Changed = append(diff.Changed, id)
			existing.Manifest = d.Manifest
			existing.Dir = d.Dir
			if existing.Manifest.Transport == pluginapi.LongLived {
				// A changed long-lived manifest drains and respawns.
				existing.State = StateDraining
				if existing.transport != nil {
					existing.transport.Close()
				}
				m.spawnLongLivedLocked(s, existing)
			} else {
				existing.transport = newShortLivedHandle(d.Manifest, d.Dir)
			}
		}
	})

	return diff, errs
}
