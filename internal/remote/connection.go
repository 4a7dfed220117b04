// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package remote provides the message channels used between build clients and the daemon:
// a framed point-to-point stream channel and a bounded-datagram multicast channel.
//
// Both channels share one contract. Dispatch sends a single message, Receive blocks for
// the next one and returns io.EOF once the channel has been stopped, and Stop releases the
// transport. Stop and RequestStop may be called from any goroutine, any number of times.
package remote

import "io"

// Connection is a symmetric duplex message channel over a transport.
type Connection[T any] interface {
	// Dispatch sends one message. Failures are returned as *MessageIOError.
	Dispatch(msg T) error

	// Receive blocks for one message. It returns io.EOF when the channel was stopped.
	Receive() (T, error)

	// RequestStop stops accepting further sends and receives. It may not release every resource.
	RequestStop()

	// Stop fully closes the channel. Idempotent.
	Stop()

	LocalAddress() Address
	RemoteAddress() Address
}

// Codec serializes messages of type T. Decode is given both endpoint addresses so a
// codec can stamp provenance into the decoded value.
type Codec[T any] interface {
	Encode(w io.Writer, msg T) error
	Decode(r io.Reader, local, remote Address) (T, error)
}
