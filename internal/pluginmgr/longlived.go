package pluginmgr

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
	"github.com/launchkitd/launchkitd/internal/rpc"
	"github.com/launchkitd/launchkitd/internal/transport"
)

// stdioConn adapts a child process's stdin/stdout pipes to the
// transport.ReadWriteCloser a Conn expects, so a LongLived plugin's framed
// RPC over stdio reuses the same reader/writer-task machinery as a socket
// connection: a single persistent child process speaking framed RPC over
// stdin/stdout.
type stdioConn struct {
	io.WriteCloser // child's stdin
	stdout         io.ReadCloser
}

func (c *stdioConn) Read(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *stdioConn) Close() error {
	err := c.WriteCloser.Close()
	if sErr := c.stdout.Close(); err == nil {
		err = sErr
	}
	return err
}

// partialRouter fans plugin_results notifications out to the in-flight
// request they belong to, by the request id carried in the payload.
// route reports whether a waiter consumed the batch; unrouted batches are
// the caller's to forward or drop.
type partialRouter struct {
	mu      sync.Mutex
	waiting map[uint64]func([]pluginapi.Item)
}

func newPartialRouter() *partialRouter {
	return &partialRouter{waiting: make(map[uint64]func([]pluginapi.Item))}
}

func (r *partialRouter) add(id uint64, fn func([]pluginapi.Item)) {
	r.mu.Lock()
	r.waiting[id] = fn
	r.mu.Unlock()
}

func (r *partialRouter) remove(id uint64) {
	r.mu.Lock()
	delete(r.waiting, id)
	r.mu.Unlock()
}

func (r *partialRouter) route(params json.RawMessage) bool {
	var sr pluginapi.StreamedResults
	if err := json.Unmarshal(params, &sr); err != nil {
		return false
	}
	r.mu.Lock()
	fn := r.waiting[sr.RequestID]
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(sr.Results)
	return true
}

// longLivedHandle dispatches requests to a single persistent child process
// over its framed stdio transport, matching Responses by request ID
// through an rpc.Correlator.
type longLivedHandle struct {
	manifest *pluginapi.Manifest

	cmd        *exec.Cmd
	conn       *transport.Conn
	correlator *rpc.Correlator
	partials   *partialRouter

	onNotification func(method string, params json.RawMessage)
	closeOnce      sync.Once
	// closing suppresses the onExit callback when the teardown is
	// deliberate (Close), so supervision only reacts to real crashes.
	closing atomic.Bool
}

// startLongLived spawns the plugin's command and wires its stdio pipes
// into a framed Conn. onNotification receives every Notification the
// child sends outside of a request/response exchange (register,
// plugin_status, plugin_results). onExit fires when
// the connection tears down, unless the teardown came from Close.
func startLongLived(m *pluginapi.Manifest, dir string, onNotification func(string, json.RawMessage), onExit func(error)) (*longLivedHandle, error) {
	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open plugin stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open plugin stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.PluginUnavailable, "spawn long-lived plugin", err)
	}

	h := &longLivedHandle{
		manifest:       m,
		cmd:            cmd,
		correlator:     rpc.NewCorrelator(),
		partials:       newPartialRouter(),
		onNotification: onNotification,
	}

	sc := &stdioConn{WriteCloser: stdin, stdout: stdout}
	h.conn = transport.NewConn(sc, 0, h.handleMessage, func(err error) {
		h.correlator.CancelAll()
		if h.closing.Load() {
			return
		}
		// Reap the child off the reader goroutine, then hand the exit to
		// supervision.
		go func() {
			_ = h.cmd.Process.Kill()
			_ = h.cmd.Wait()
			if onExit != nil {
				onExit(err)
			}
		}()
	})
	h.conn.Start()

	return h, nil
}

func (h *longLivedHandle) handleMessage(payload []byte) {
	var msg rpc.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Plugin().Warn().Str("plugin", h.manifest.ID).Err(err).Msg("discarding malformed plugin message")
		return
	}
	switch {
	case msg.IsResponse():
		h.correlator.Resolve(&msg)
	case msg.IsNotification():
		if msg.Method == "plugin_results" && h.partials.route(msg.Params) {
			return
		}
		if h.onNotification != nil {
			h.onNotification(msg.Method, msg.Params)
		}
	}
}

// Dispatch sends a "search"/"action"/... Request and waits for its
// matching Response.
func (h *longLivedHandle) Dispatch(ctx context.Context, req pluginapi.Request) (*pluginapi.Response, error) {
	return h.DispatchStream(ctx, req, nil)
}

// DispatchStream additionally registers onPartial for the request's id:
// every plugin_results notification the child pushes for this request is
// delivered to it, in arrival order, until the terminal response or
// cancellation deregisters the id. Late batches then fall through
// unrouted and are dropped upstream.
func (h *longLivedHandle) DispatchStream(ctx context.Context, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error) {
	id := h.correlator.NextID()
	msg, err := rpc.NewRequest(id, string(req.Step), req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode plugin request", err)
	}

	if onPartial != nil {
		h.partials.add(id, onPartial)
		defer h.partials.remove(id)
	}

	ch := h.correlator.Await(id)
	if err := h.conn.SendJSON(msg); err != nil {
		return nil, apperr.Wrap(apperr.PluginUnavailable, "send to plugin", err)
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

// notifier is the subset of a long-lived handle awaitResponse needs to
// tell the child to stop working on a cancelled request.
type notifier interface {
	Notify(method string, params interface{}) error
}

type cancelParams struct {
	ID uint64 `json:"id"`
}

// awaitResponse waits for id's Response, honoring the caller's context: a
// cancelled context sends the child a cancel notification bearing the
// original request ID and drops the pending entry, so a late reply is
// discarded by ID instead of resolving a dead waiter.
func awaitResponse(ctx context.Context, c *rpc.Correlator, n notifier, id uint64, ch chan *rpc.Message) (*rpc.Message, error) {
	timeout := DefaultLongLivedTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, apperr.New(apperr.Code(resp.Error.Code), resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.Forget(id)
		_ = n.Notify("cancel", cancelParams{ID: id})
		return nil, apperr.New(apperr.Cancelled, "plugin request cancelled")
	case <-timer.C:
		c.Forget(id)
		_ = n.Notify("cancel", cancelParams{ID: id})
		return nil, apperr.TimedOut("plugin request")
	}
}

// DefaultLongLivedTimeout bounds a request to a long-lived plugin absent a
// context deadline.
const DefaultLongLivedTimeout = 10 * time.Second

// Notify sends a Notification to the child (no response expected).
func (h *longLivedHandle) Notify(method string, params interface{}) error {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode plugin notification", err)
	}
	return h.conn.SendJSON(msg)
}

func (h *longLivedHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.conn.Close(nil)
		if killErr := h.cmd.Process.Kill(); killErr != nil {
			err = killErr
		}
		_ = h.cmd.Wait()
	})
	return err
}
