// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package client sends a single command to a daemon and follows its output.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/remote"
)

// ErrOutcomeUnknown means the daemon went away before sending a completion.
// The command may or may not have run; it is not a build failure.
var ErrOutcomeUnknown = errors.New("daemon disconnected before completion; outcome unknown")

// EventFunc receives output events in order.
type EventFunc func(ev *protocol.OutputEvent)

// Run sends cmd to the daemon at addr, passes each output event to onEvent and
// returns the completion. A failure completion is returned with a nil error; use
// CommandComplete.Err to inspect it.
func Run(ctx context.Context, addr remote.Address, cmd protocol.Command, onEvent EventFunc) (*protocol.CommandComplete, error) {
	conn, err := connector.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Stop()
	stop := context.AfterFunc(ctx, conn.Stop)
	defer stop()

	logger := log.WithComponent("client").With().Str(log.FieldPeer, addr.String()).Logger()
	if err := conn.Dispatch(cmd); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd.Kind(), err)
	}
	logger.Debug().Str(log.FieldCommand, cmd.Kind().String()).Msg("command sent")

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrOutcomeUnknown
			}
			return nil, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		}

		switch m := msg.(type) {
		case *protocol.OutputEvent:
			if onEvent != nil {
				onEvent(m)
			}
		case *protocol.CommandComplete:
			return m, nil
		default:
			logger.Warn().Str("kind", msg.Kind().String()).Msg("ignoring unexpected message from daemon")
		}
	}
}

// Stop asks the daemon at addr to stop accepting connections.
func Stop(ctx context.Context, addr remote.Address) error {
	done, err := Run(ctx, addr, &protocol.Stop{}, nil)
	if err != nil {
		return err
	}
	return done.Err()
}
