// Package transport implements the framed message transport carrying RPC
// traffic over the local stream socket.
//
// Framing is a fixed-size big-endian length prefix followed by a UTF-8 JSON
// payload of exactly that many bytes. One reader task and one writer task
// own each connection's read/write half respectively.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// lengthPrefixSize is the width, in bytes, of the big-endian frame length
// prefix.
const lengthPrefixSize = 4

// DefaultMaxFrameSize bounds a single frame's payload. An oversize frame
// closes the connection without surfacing a partial message.
const DefaultMaxFrameSize = 8 << 20 // 8 MiB

var (
	ErrShortRead     = errors.New("transport: short read")
	ErrOversizeFrame = errors.New("transport: frame exceeds maximum size")
	ErrInvalidUTF8   = errors.New("transport: payload is not valid UTF-8")
)

// Framer reads and writes length-prefixed frames over an underlying stream.
// A Framer is not safe for concurrent use by multiple readers or multiple
// writers; Conn (conn.go) serializes writers through a single writer task.
type Framer struct {
	rw      io.ReadWriter
	maxSize int
}

// NewFramer wraps rw with the length-prefixed framing. maxSize <= 0 selects
// DefaultMaxFrameSize.
func NewFramer(rw io.ReadWriter, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{rw: rw, maxSize: maxSize}
}

// WriteFrame serializes and writes one message. The 4-byte length prefix and
// payload are written as a single io.Writer.Write call is not guaranteed
// atomic by the stdlib, so callers on a shared stream must serialize writes
// externally (Conn's single writer task does this).
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) > f.maxSize {
		return ErrOversizeFrame
	}
	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)
	_, err := f.rw.Write(buf)
	return err
}

// ReadFrame reads exactly one length-prefixed, UTF-8-validated payload.
func (f *Framer) ReadFrame() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(f.rw, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if int(size) > f.maxSize {
		return nil, ErrOversizeFrame
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}
	return payload, nil
}

// DecodeError wraps a JSON unmarshal failure for a frame payload.
func DecodeError(err error) error {
	return fmt.Errorf("transport: decode failed: %w", err)
}
