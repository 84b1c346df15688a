package transport

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// ReadWriteCloser is what Conn needs from its underlying stream: a local
// socket connection satisfies it directly; a long-lived plugin's stdio
// pipes are adapted to it via stdioConn (internal/pluginmgr/longlived.go).
type ReadWriteCloser interface {
	io.Reader
	io.Writer
	io.Closer
}

// outboundQueueSize bounds the writer task's send channel. A connection that
// cannot drain the queue within writeStuckTimeout is considered stuck and
// closed.
const outboundQueueSize = 256

// writeStuckTimeout is how long a blocked send is tolerated before the
// connection is torn down.
const writeStuckTimeout = 5 * time.Second

// Conn owns one accepted connection's read and write halves. Exactly one
// reader goroutine and one writer goroutine run per Conn.
type Conn struct {
	raw    ReadWriteCloser
	framer *Framer

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	onMessage func(payload []byte)
	onClose   func(err error)
}

// NewConn constructs a Conn. Call Start to launch its reader/writer tasks.
func NewConn(raw ReadWriteCloser, maxFrameSize int, onMessage func([]byte), onClose func(error)) *Conn {
	return &Conn{
		raw:       raw,
		framer:    NewFramer(raw, maxFrameSize),
		send:      make(chan []byte, outboundQueueSize),
		closed:    make(chan struct{}),
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Start launches the reader and writer goroutines. It returns immediately.
func (c *Conn) Start() {
	go c.writeLoop()
	go c.readLoop()
}

// Send enqueues a message for the writer task. It blocks until the queue
// has room, up to writeStuckTimeout, after which the connection is
// considered stuck and torn down.
func (c *Conn) Send(payload []byte) {
	select {
	case c.send <- payload:
	case <-time.After(writeStuckTimeout):
		logger.Transport().Warn().Msg("connection stuck draining outbound queue, closing")
		c.Close(io.ErrClosedPipe)
	case <-c.closed:
	}
}

// SendJSON marshals v and enqueues it.
func (c *Conn) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close tears down the connection idempotently.
func (c *Conn) Close(cause error) {
	c.once.Do(func() {
		close(c.closed)
		c.raw.Close()
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case payload := <-c.send:
			if err := c.framer.WriteFrame(payload); err != nil {
				c.Close(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		payload, err := c.framer.ReadFrame()
		if err != nil {
			c.Close(err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(payload)
		}
	}
}
