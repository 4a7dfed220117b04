// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrUnexpectedMessage is returned when a connection opens with something other than a command.
	ErrUnexpectedMessage = errors.New("unexpected message, expected a command")

	// ErrMissingEngine is returned when a session handler is created without an engine.
	ErrMissingEngine = errors.New("build engine is required")

	// ErrMissingReporter is returned when a session handler is created without a reporter.
	ErrMissingReporter = errors.New("exception reporter is required")

	// ErrMissingLogger is returned when a manager is created with a disabled logger.
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingHandler is returned when a manager is created without a connection handler.
	ErrMissingHandler = errors.New("connection handler is required")

	// ErrMissingAcceptor is returned when a manager is created without an acceptor.
	ErrMissingAcceptor = errors.New("acceptor is required")

	// ErrMissingManager is returned when a daemon app is created without a manager.
	ErrMissingManager = errors.New("manager is required")

	// ErrManagerNotStarted is returned when trying to shutdown a manager that hasn't started
	ErrManagerNotStarted = errors.New("manager not started")

	// ErrEnginePanic wraps a recovered panic from the build engine.
	ErrEnginePanic = errors.New("build engine panicked")
)

// ReportedError marks a fault that has already been rendered to the user.
// Faults wrapped in ReportedError are never reported again.
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string {
	return e.Err.Error()
}

func (e *ReportedError) Unwrap() error {
	return e.Err
}
