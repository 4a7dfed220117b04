// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionStopped is returned by Dispatch after the channel was stopped.
	ErrConnectionStopped = errors.New("connection stopped")

	// ErrMessageTooLarge is returned when a datagram exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum datagram size")

	// ErrFrameTooLarge is returned when a stream frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrBadFrame classifies truncated or corrupt stream frames.
	ErrBadFrame = errors.New("malformed frame")
)

// MessageIOError reports a transport failure on one channel. It is fatal for the
// affected connection (or, for datagrams, the affected call) only.
type MessageIOError struct {
	Op   string // "dispatch" or "receive"
	Peer string // remote endpoint or multicast group
	Err  error
}

func (e *MessageIOError) Error() string {
	return fmt.Sprintf("could not %s message on %s: %v", e.Op, e.Peer, e.Err)
}

func (e *MessageIOError) Unwrap() error {
	return e.Err
}
