// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamConnection carries length-prefixed frames over a net.Conn.
// Dispatch is safe for concurrent use; frames are never interleaved.
type StreamConnection[T any] struct {
	conn   net.Conn
	codec  Codec[T]
	reader *bufio.Reader
	local  Address
	remote Address

	writeMu sync.Mutex
	readMu  sync.Mutex

	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewStreamConnection wraps conn. The connection takes ownership of conn.
func NewStreamConnection[T any](conn net.Conn, codec Codec[T]) *StreamConnection[T] {
	return &StreamConnection[T]{
		conn:   conn,
		codec:  codec,
		reader: bufio.NewReader(conn),
		local:  AddressOf(conn.LocalAddr()),
		remote: AddressOf(conn.RemoteAddr()),
	}
}

// Dispatch encodes and writes one frame.
func (c *StreamConnection[T]) Dispatch(msg T) error {
	if c.stopped.Load() {
		return c.ioError("dispatch", ErrConnectionStopped)
	}
	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, msg); err != nil {
		return c.ioError("dispatch", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.conn, buf.Bytes()); err != nil {
		return c.ioError("dispatch", err)
	}
	return nil
}

// Receive reads one frame. A stopped channel or a peer that closed cleanly
// between frames yields io.EOF.
func (c *StreamConnection[T]) Receive() (T, error) {
	var zero T
	if c.stopped.Load() {
		return zero, io.EOF
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	payload, err := readFrame(c.reader)
	if err != nil {
		if c.stopped.Load() || errors.Is(err, io.EOF) {
			return zero, io.EOF
		}
		return zero, c.ioError("receive", err)
	}
	msg, err := c.codec.Decode(bytes.NewReader(payload), c.local, c.remote)
	if err != nil {
		return zero, c.ioError("receive", err)
	}
	return msg, nil
}

// RequestStop unblocks pending receives and refuses further traffic.
// The underlying socket stays open until Stop.
func (c *StreamConnection[T]) RequestStop() {
	c.stopped.Store(true)
	if hc, ok := c.conn.(interface{ CloseRead() error }); ok {
		_ = hc.CloseRead()
	}
	_ = c.conn.SetReadDeadline(time.Unix(1, 0))
}

// Stop closes the underlying connection.
func (c *StreamConnection[T]) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		_ = c.conn.Close()
	})
}

func (c *StreamConnection[T]) LocalAddress() Address  { return c.local }
func (c *StreamConnection[T]) RemoteAddress() Address { return c.remote }

func (c *StreamConnection[T]) ioError(op string, err error) error {
	return &MessageIOError{Op: op, Peer: c.remote.String(), Err: err}
}

var _ Connection[struct{}] = (*StreamConnection[struct{}])(nil)
