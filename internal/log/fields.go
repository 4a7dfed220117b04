// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService   = "service"
	FieldVersion   = "version"
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldDaemonID  = "daemon_id"

	// Protocol fields
	FieldEvent   = "event"
	FieldCommand = "command"
	FieldAction  = "action"
	FieldOutcome = "outcome"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldPeer  = "peer"
	FieldLocal = "local"
	FieldGroup = "group"
)
