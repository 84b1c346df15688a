package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte("")},
		{"ascii", []byte(`{"step":"search","query":"fire"}`)},
		{"utf8", []byte(`{"name":"café ☕"}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := NewFramer(buf, 0)

			require.NoError(t, f.WriteFrame(tc.payload))

			got, err := f.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, tc.payload, got)
		})
	}
}

func TestFramerMultipleFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	f := NewFramer(buf, 0)

	messages := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range messages {
		require.NoError(t, f.WriteFrame(m))
	}

	for _, want := range messages {
		got, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFramerOversizeOnWrite(t *testing.T) {
	buf := &bytes.Buffer{}
	f := NewFramer(buf, 8)

	err := f.WriteFrame(bytes.Repeat([]byte("x"), 9))
	assert.ErrorIs(t, err, ErrOversizeFrame)
	assert.Zero(t, buf.Len(), "oversize write must not land any bytes on the wire")
}

func TestFramerOversizeOnRead(t *testing.T) {
	// Write with a generous limit, then read back with a tight one so the
	// length prefix alone triggers the oversize check before any payload
	// byte is surfaced.
	buf := &bytes.Buffer{}
	writer := NewFramer(buf, DefaultMaxFrameSize)
	require.NoError(t, writer.WriteFrame(bytes.Repeat([]byte("x"), 9)))

	reader := NewFramer(buf, 8)
	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, ErrOversizeFrame)
}

func TestFramerTruncatedPrefix(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00})
	f := NewFramer(buf, 0)

	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestFramerTruncatedPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	full := NewFramer(buf, 0)
	require.NoError(t, full.WriteFrame([]byte("hello world")))

	truncated := bytes.NewBuffer(buf.Bytes()[:len(buf.Bytes())-4])
	f := NewFramer(truncated, 0)

	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestFramerInvalidUTF8(t *testing.T) {
	buf := &bytes.Buffer{}
	writer := NewFramer(buf, 0)
	require.NoError(t, writer.WriteFrame([]byte{0xff, 0xfe, 0xfd}))

	reader := NewFramer(buf, 0)
	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestFramerCleanEOF(t *testing.T) {
	buf := &bytes.Buffer{}
	f := NewFramer(buf, 0)

	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
