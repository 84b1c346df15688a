// Package session implements the connected-peer registry.
//
// The registry is the single owning task for session state: every mutation
// runs as a closure submitted to its own goroutine over an ops channel,
// trading map-plus-mutex for pure message passing.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/logger"
)

// Role identifies what kind of peer a Session represents.
type Role string

const (
	RoleUI      Role = "ui"
	RoleControl Role = "control"
	RolePlugin  Role = "plugin"
)

// Session is one connected peer.
type Session struct {
	ID          string
	Role        Role
	Name        string
	PluginID    string
	Active      bool
	ConnectedAt time.Time
}

// RegisterParams describes a register() call.
type RegisterParams struct {
	Role     Role
	Name     string
	PluginID string
}

// RegisterResult is returned from a successful registration. Demoted is
// the previously-active UI session, if the new registration is a UI
// promotion that pushed it to idle.
type RegisterResult struct {
	Session *Session
	Demoted *Session
}

// opFunc is a closure the owner goroutine runs against its private state.
// Every public Registry method is a thin wrapper that builds one of these
// and blocks on a done channel, keeping all map mutation on one goroutine.
type opFunc func(r *registryState)

// registryState is the owner goroutine's private, unsynchronized state.
type registryState struct {
	sessions map[string]*Session
	activeUI string
}

// Registry is the session registry's public handle. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	ops  chan opFunc
	done chan struct{}
}

// NewRegistry constructs a Registry and starts its owner goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		ops:  make(chan opFunc, 64),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	state := &registryState{sessions: make(map[string]*Session)}
	for {
		select {
		case op := <-r.ops:
			op(state)
		case <-r.done:
			return
		}
	}
}

// Close stops the owner goroutine. Pending ops already queued still run.
func (r *Registry) Close() {
	close(r.done)
}

// submit runs fn on the owner goroutine and blocks until it completes.
func (r *Registry) submit(fn func(*registryState)) {
	result := make(chan struct{})
	r.ops <- func(s *registryState) {
		fn(s)
		close(result)
	}
	<-result
}

// Register assigns a new Session ID and applies the single-active-UI
// invariant: the most recent UI registration wins.
func (r *Registry) Register(p RegisterParams) (RegisterResult, error) {
	switch p.Role {
	case RoleUI, RoleControl:
	case RolePlugin:
		if p.PluginID == "" {
			return RegisterResult{}, apperr.New(apperr.InvalidParams, "plugin registration requires plugin_id")
		}
	default:
		return RegisterResult{}, apperr.New(apperr.InvalidParams, "unknown role")
	}

	var out RegisterResult
	r.submit(func(s *registryState) {
		sess := &Session{
			ID:          uuid.NewString(),
			Role:        p.Role,
			Name:        p.Name,
			PluginID:    p.PluginID,
			ConnectedAt: time.Now(),
		}

		if p.Role == RoleUI {
			if prev, ok := s.sessions[s.activeUI]; ok && prev.Role == RoleUI {
				prev.Active = false
				out.Demoted = prev
			}
			sess.Active = true
			s.activeUI = sess.ID
		}

		s.sessions[sess.ID] = sess
		out.Session = sess
	})

	logger.Session().Info().
		Str("session_id", out.Session.ID).
		Str("role", string(p.Role)).
		Str("plugin_id", p.PluginID).
		Bool("demoted_prior_ui", out.Demoted != nil).
		Msg("session registered")

	return out, nil
}

// Unregister removes a Session. It reports whether the removed session
// was the active UI, so callers can clear query state accordingly.
func (r *Registry) Unregister(sessionID string) (removed *Session, wasActiveUI bool) {
	r.submit(func(s *registryState) {
		sess, ok := s.sessions[sessionID]
		if !ok {
			return
		}
		removed = sess
		delete(s.sessions, sessionID)
		if s.activeUI == sessionID {
			s.activeUI = ""
			wasActiveUI = true
		}
	})
	if removed != nil {
		logger.Session().Info().
			Str("session_id", removed.ID).
			Str("role", string(removed.Role)).
			Bool("was_active_ui", wasActiveUI).
			Msg("session unregistered")
	}
	return removed, wasActiveUI
}

// Get looks up a Session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	var out *Session
	var ok bool
	r.submit(func(s *registryState) {
		out, ok = s.sessions[sessionID]
	})
	return out, ok
}

// ActiveUI returns the current active UI Session, if any.
func (r *Registry) ActiveUI() (*Session, bool) {
	var out *Session
	r.submit(func(s *registryState) {
		if s.activeUI == "" {
			return
		}
		out = s.sessions[s.activeUI]
	})
	return out, out != nil
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []*Session {
	var out []*Session
	r.submit(func(s *registryState) {
		out = make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			cp := *sess
			out = append(out, &cp)
		}
	})
	return out
}

// Plugins returns sessions with a registered plugin connection, keyed by
// plugin_id. A plugin that has registered a live session takes dispatch
// precedence over its discovered-but-unregistered shim.
func (r *Registry) Plugins() map[string]*Session {
	out := make(map[string]*Session)
	r.submit(func(s *registryState) {
		for _, sess := range s.sessions {
			if sess.Role == RolePlugin {
				cp := *sess
				out[sess.PluginID] = &cp
			}
		}
	})
	return out
}
