package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchkitd/launchkitd/internal/apperr"
)

// DefaultRequestTimeout is how long a Request waits for its Response before
// failing with Timeout.
const DefaultRequestTimeout = 10 * time.Second

// Correlator matches Responses to outstanding Requests by ID and times out
// requests that never get one. One Correlator serves one connection;
// its internal map is guarded by a mutex since requests arrive from
// multiple caller goroutines but resolution only ever happens from the
// connection's single reader task.
type Correlator struct {
	nextID  uint64
	mu      sync.Mutex
	pending map[uint64]chan *Message
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uint64]chan *Message)}
}

// NextID returns a fresh, monotonically increasing request ID.
func (c *Correlator) NextID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

// Await registers id as outstanding and returns a channel that receives the
// matching Response. Callers must eventually call Resolve or let the
// timeout in Wait fire to avoid leaking the map entry.
func (c *Correlator) Await(id uint64) chan *Message {
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// Resolve delivers a Response to its waiting Await call, if any. It
// reports whether a waiter was found; an unmatched Response (late arrival
// after timeout, or a bogus ID) is simply dropped by the caller.
func (c *Correlator) Resolve(resp *Message) bool {
	if resp.ID == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Wait blocks for either a Response on ch or timeout, cleaning up the
// pending entry for id in either case.
func (c *Correlator) Wait(id uint64, ch chan *Message, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, apperr.TimedOut("rpc request")
	}
}

// Forget drops id's pending entry without delivering anything, used when
// the caller stops waiting (superseded query, cancelled context) and a
// late Response should simply be discarded by ID.
func (c *Correlator) Forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// CancelAll fails every outstanding request with Cancelled, used when the
// underlying connection is torn down: in-flight requests on a dead
// connection must resolve, not hang forever.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *Message)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- NewError(id, string(apperr.Cancelled), "connection closed")
	}
}
