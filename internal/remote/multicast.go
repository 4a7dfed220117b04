// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// MaxDatagramSize is the largest encoded message a multicast channel sends or accepts.
const MaxDatagramSize = 32 * 1024

// MulticastConnection exchanges single-datagram messages with a multicast group.
// Every participant, including the sender itself, receives each dispatched message.
type MulticastConnection[T any] struct {
	conn  net.PacketConn
	group *net.UDPAddr
	codec Codec[T]
	local Address

	stopped  atomic.Bool
	stopOnce sync.Once
}

// MulticastOptions tune group membership.
type MulticastOptions struct {
	// Interface restricts membership and sends to one network interface. Empty means system default.
	Interface string
	// TTL for outgoing datagrams. Zero keeps the system default of 1.
	TTL int
}

// ListenMulticast joins group and returns a channel bound to the group port.
// Several processes on one host may join the same group concurrently.
func ListenMulticast[T any](ctx context.Context, group Address, opts MulticastOptions, codec Codec[T]) (*MulticastConnection[T], error) {
	gaddr, err := group.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %s: %w", group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("address %s is not a multicast group", group)
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", opts.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(gaddr.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind multicast port %d: %w", gaddr.Port, err)
	}

	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("enable multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set multicast interface %q: %w", opts.Interface, err)
		}
	}
	if opts.TTL > 0 {
		if err := p.SetMulticastTTL(opts.TTL); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
	}

	return newMulticastConnection(pc, gaddr, codec), nil
}

// newMulticastConnection wraps an already bound packet socket; dest may be any UDP address.
func newMulticastConnection[T any](pc net.PacketConn, dest *net.UDPAddr, codec Codec[T]) *MulticastConnection[T] {
	return &MulticastConnection[T]{
		conn:  pc,
		group: dest,
		codec: codec,
		local: AddressOf(pc.LocalAddr()),
	}
}

// Dispatch encodes msg into one datagram and sends it to the group.
func (c *MulticastConnection[T]) Dispatch(msg T) error {
	if c.stopped.Load() {
		return c.ioError("dispatch", ErrConnectionStopped)
	}
	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, msg); err != nil {
		return c.ioError("dispatch", err)
	}
	if buf.Len() > MaxDatagramSize {
		return c.ioError("dispatch", fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, buf.Len()))
	}
	if _, err := c.conn.WriteTo(buf.Bytes(), c.group); err != nil {
		return c.ioError("dispatch", err)
	}
	return nil
}

// Receive blocks for one datagram. Oversized datagrams are rejected with
// ErrMessageTooLarge; the channel remains usable afterwards.
func (c *MulticastConnection[T]) Receive() (T, error) {
	var zero T
	if c.stopped.Load() {
		return zero, io.EOF
	}

	buf := make([]byte, MaxDatagramSize+1)
	n, from, err := c.conn.ReadFrom(buf)
	if err != nil {
		if c.stopped.Load() || errors.Is(err, net.ErrClosed) {
			return zero, io.EOF
		}
		return zero, c.ioError("receive", err)
	}
	if n > MaxDatagramSize {
		return zero, c.ioError("receive", fmt.Errorf("%w: datagram from %s", ErrMessageTooLarge, from))
	}
	msg, err := c.codec.Decode(bytes.NewReader(buf[:n]), c.local, AddressOf(from))
	if err != nil {
		return zero, c.ioError("receive", err)
	}
	return msg, nil
}

// RequestStop is equivalent to Stop for datagram channels.
func (c *MulticastConnection[T]) RequestStop() {
	c.Stop()
}

// Stop closes the socket and leaves the group.
func (c *MulticastConnection[T]) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		_ = c.conn.Close()
	})
}

func (c *MulticastConnection[T]) LocalAddress() Address { return c.local }

// RemoteAddress returns the group address.
func (c *MulticastConnection[T]) RemoteAddress() Address { return AddressOf(c.group) }

func (c *MulticastConnection[T]) ioError(op string, err error) error {
	return &MessageIOError{Op: op, Peer: c.group.String(), Err: err}
}

var _ Connection[struct{}] = (*MulticastConnection[struct{}])(nil)
