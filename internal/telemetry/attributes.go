// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// Session attributes
	SessionIDKey = "buildd.session_id"
	PeerKey      = "net.peer"
	CommandKey   = "buildd.command"
	ActionKey    = "buildd.action"
	OutcomeKey   = "buildd.outcome"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes creates the attributes recorded when a session starts.
func SessionAttributes(sessionID, peer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(PeerKey, peer),
	}
}

// CommandAttributes creates command attributes. action is omitted when empty.
func CommandAttributes(command, action string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(CommandKey, command)}
	if action != "" {
		attrs = append(attrs, attribute.String(ActionKey, action))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, fmt.Sprintf("%T", err)),
	}
}
