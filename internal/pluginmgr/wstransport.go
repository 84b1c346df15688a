package pluginmgr

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
	"github.com/launchkitd/launchkitd/internal/rpc"
)

// Deadlines and buffer sizes for the WebSocket plugin wire. A plugin that
// misses wsPongWait without answering a ping is treated as gone and its
// instance crashes through the usual supervision path.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 20
	wsSendBuffer     = 256

	// wsAttachWait bounds how long a Dispatch waits for the freshly
	// spawned child to dial back before failing the request.
	wsAttachWait = 10 * time.Second
)

// wsSocketEnv tells a spawned child where to dial back.
const wsSocketEnv = "LAUNCHKITD_PLUGIN_WS"

// WSListener accepts dial-back connections from long-lived plugins whose
// manifest selects daemon.socket "ws". The child process is spawned by the
// manager as usual, reads the listener's path from the environment, dials
// it, and identifies itself with a register notification carrying its
// plugin ID; the listener then attaches the connection to the pending
// instance.
type WSListener struct {
	manager  *Manager
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
}

// ServeWS starts a WebSocket listener on a user-scoped unix socket and
// makes it the dial-back target for every ws-transport plugin this manager
// spawns. Call before Start so background plugins inherit the path.
func (m *Manager) ServeWS(socketPath string) (*WSListener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Internal, "clear stale plugin socket", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listen on plugin socket", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		logger.Plugin().Warn().Err(err).Msg("failed to restrict plugin socket permissions")
	}

	l := &WSListener{
		manager:  m,
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The socket is reachable only through the user's runtime
			// directory; there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/plugin", l.handlePlugin)
	l.server = &http.Server{Handler: mux}
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Plugin().Warn().Err(err).Msg("plugin websocket listener stopped")
		}
	}()

	m.setWSPath(socketPath)
	return l, nil
}

// Close stops accepting new plugin connections. Attached connections stay
// up until their instances are torn down.
func (l *WSListener) Close() error { return l.server.Close() }

// handlePlugin upgrades the connection and waits for the child's register
// notification before handing the connection to the manager. A peer that
// sends anything else first, or names a plugin with no pending ws
// instance, is dropped.
func (l *WSListener) handlePlugin(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Plugin().Warn().Err(err).Msg("plugin websocket upgrade failed")
		return
	}

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var msg rpc.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Method != "register" {
		logger.Plugin().Warn().Msg("plugin websocket peer did not register first")
		conn.Close()
		return
	}
	var params struct {
		PluginID string `json:"pluginId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.PluginID == "" {
		logger.Plugin().Warn().Msg("plugin websocket register missing pluginId")
		conn.Close()
		return
	}

	if err := l.manager.attachWS(params.PluginID, conn); err != nil {
		logger.Plugin().Warn().Str("plugin", params.PluginID).Err(err).Msg("rejecting plugin websocket connection")
		conn.Close()
	}
}

// attachWS hands a freshly registered WebSocket connection to the pending
// ws-transport instance it belongs to.
func (m *Manager) attachWS(pluginID string, conn *websocket.Conn) error {
	var attachErr error
	m.submit(func(s *managerState) {
		inst, ok := s.instances[pluginID]
		if !ok {
			attachErr = apperr.NotFound("plugin " + pluginID)
			return
		}
		handle, ok := inst.transport.(*wsHandle)
		if !ok {
			attachErr = apperr.New(apperr.InvalidRequest, "plugin "+pluginID+" does not use the websocket transport")
			return
		}
		if attachErr = handle.attach(conn); attachErr == nil {
			inst.Registered = true
		}
	})
	return attachErr
}

// wsHandle is the long-lived transport over a dial-back WebSocket. It
// carries the same framing-free request/response/notification traffic as
// the stdio wire, with the connection arriving asynchronously once the
// child dials the listener.
type wsHandle struct {
	manifest   *pluginapi.Manifest
	cmd        *exec.Cmd
	correlator *rpc.Correlator
	partials   *partialRouter

	onNotification func(method string, params json.RawMessage)
	onExit         func(error)

	attached chan struct{} // closed once conn is set
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}

	attachOnce sync.Once
	doneOnce   sync.Once
	closeOnce  sync.Once
	exitOnce   sync.Once
	closing    atomic.Bool
}

func (h *wsHandle) closeDone() { h.doneOnce.Do(func() { close(h.done) }) }

// attachedConn returns the dialed-back connection, or nil if the child
// never attached.
func (h *wsHandle) attachedConn() *websocket.Conn {
	select {
	case <-h.attached:
		return h.conn
	default:
		return nil
	}
}

// startWSLongLived spawns the plugin's command with the dial-back path in
// its environment and returns a handle whose connection attaches when the
// child registers over the listener. Requests dispatched before that block
// up to wsAttachWait.
func startWSLongLived(m *pluginapi.Manifest, dir, wsPath string, onNotification func(string, json.RawMessage), onExit func(error)) (*wsHandle, error) {
	if wsPath == "" {
		return nil, apperr.New(apperr.PluginUnavailable, "no websocket listener configured for plugin "+m.ID)
	}

	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), wsSocketEnv+"="+wsPath)
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.PluginUnavailable, "spawn long-lived plugin", err)
	}

	h := &wsHandle{
		manifest:       m,
		cmd:            cmd,
		correlator:     rpc.NewCorrelator(),
		partials:       newPartialRouter(),
		onNotification: onNotification,
		onExit:         onExit,
		attached:       make(chan struct{}),
		send:           make(chan []byte, wsSendBuffer),
		done:           make(chan struct{}),
	}

	// Reap the child no matter how it dies; a process that exits before
	// ever dialing back still has to crash the instance.
	go func() {
		err := cmd.Wait()
		h.exit(err)
	}()

	return h, nil
}

// attach installs the dialed-back connection and starts the read/write
// pumps. At most one connection per spawn is accepted.
func (h *wsHandle) attach(conn *websocket.Conn) error {
	var accepted bool
	h.attachOnce.Do(func() {
		accepted = true
		h.conn = conn
		close(h.attached)
		go h.readPump()
		go h.writePump()
	})
	if !accepted {
		return apperr.New(apperr.InvalidRequest, "plugin "+h.manifest.ID+" is already attached")
	}
	return nil
}

func (h *wsHandle) readPump() {
	conn := h.conn
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.exit(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg rpc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Plugin().Warn().Str("plugin", h.manifest.ID).Err(err).Msg("discarding malformed plugin message")
			continue
		}
		switch {
		case msg.IsResponse():
			h.correlator.Resolve(&msg)
		case msg.IsNotification():
			if msg.Method == "plugin_results" && h.partials.route(msg.Params) {
				continue
			}
			if h.onNotification != nil {
				h.onNotification(msg.Method, msg.Params)
			}
		}
	}
}

func (h *wsHandle) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.conn.Close()
	}()

	for {
		select {
		case payload := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.exit(err)
				return
			}
		case <-ticker.C:
			_ = h.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.exit(err)
				return
			}
		case <-h.done:
			_ = h.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// exit runs once per handle lifetime: it fails outstanding requests and,
// unless the teardown was a deliberate Close, reports the crash upward.
func (h *wsHandle) exit(cause error) {
	h.exitOnce.Do(func() {
		h.correlator.CancelAll()
		h.closeDone()
		if conn := h.attachedConn(); conn != nil {
			conn.Close()
		}
		if h.closing.Load() {
			return
		}
		if h.onExit != nil {
			h.onExit(cause)
		}
	})
}

func (h *wsHandle) enqueue(payload []byte) error {
	select {
	case h.send <- payload:
		return nil
	case <-h.done:
		return apperr.New(apperr.PluginUnavailable, "plugin "+h.manifest.ID+" connection closed")
	case <-time.After(wsWriteWait):
		return apperr.New(apperr.PluginUnavailable, "plugin "+h.manifest.ID+" outbound queue stuck")
	}
}

// Dispatch sends a Request over the WebSocket wire and waits for its
// matching Response, first waiting for the child to dial back if it has
// not yet.
func (h *wsHandle) Dispatch(ctx context.Context, req pluginapi.Request) (*pluginapi.Response, error) {
	return h.DispatchStream(ctx, req, nil)
}

// DispatchStream additionally registers onPartial for the request's id:
// plugin_results notifications pushed for this request stream into it, in
// arrival order, until the terminal response or cancellation deregisters
// the id.
func (h *wsHandle) DispatchStream(ctx context.Context, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error) {
	select {
	case <-h.attached:
	case <-h.done:
		return nil, apperr.Unreachable(h.manifest.ID, nil)
	case <-ctx.Done():
		return nil, apperr.TimedOut("plugin " + h.manifest.ID)
	case <-time.After(wsAttachWait):
		return nil, apperr.New(apperr.PluginUnavailable, "plugin "+h.manifest.ID+" never attached")
	}

	id := h.correlator.NextID()
	msg, err := rpc.NewRequest(id, string(req.Step), req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode plugin request", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode plugin request", err)
	}

	if onPartial != nil {
		h.partials.add(id, onPartial)
		defer h.partials.remove(id)
	}

	ch := h.correlator.Await(id)
	if err := h.enqueue(payload); err != nil {
		return nil, err
	}

	resp, err := awaitResponse(ctx, h.correlator, h, id, ch)
	if err != nil {
		return nil, err
	}

	var out pluginapi.Response
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode plugin response", err)
	}
	return &out, nil
}

// Notify sends a Notification to the child (no response expected). Used
// for cancel notifications against in-flight request IDs.
func (h *wsHandle) Notify(method string, params interface{}) error {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode plugin notification", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode plugin notification", err)
	}
	select {
	case <-h.attached:
	default:
		return apperr.New(apperr.PluginUnavailable, "plugin "+h.manifest.ID+" not attached")
	}
	return h.enqueue(payload)
}

func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeDone()
		if conn := h.attachedConn(); conn != nil {
			conn.Close()
		}
		_ = h.cmd.Process.Kill()
	})
	return nil
}
