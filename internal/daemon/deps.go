// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/buildd/internal/activity"
	"github.com/ManuGH/buildd/internal/admin"
	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/discovery"
)

// Identity describes this daemon process.
type Identity struct {
	DaemonID  string
	Version   string
	Pid       int
	StartedAt time.Time
}

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	Logger   zerolog.Logger
	Identity Identity

	// Acceptor owns the control socket; Handler serves each connection.
	Acceptor *connector.Acceptor
	Handler  connector.Handler

	// Monitor reports busy/idle state. Optional.
	Monitor *activity.Monitor

	// Announcer answers discovery queries. Optional.
	Announcer *discovery.Announcer

	// Admin serves /metrics, /healthz and /status. Optional.
	Admin *admin.Server
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Acceptor == nil {
		return ErrMissingAcceptor
	}
	if d.Handler == nil {
		return ErrMissingHandler
	}
	return nil
}
