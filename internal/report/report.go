// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package report renders build faults to the daemon log and to the client's output stream.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/output"
	"github.com/ManuGH/buildd/internal/protocol"
)

// Category is the output event category used for rendered failures.
const Category = "failure"

// Reporter logs a fault once and publishes a human-readable summary as output events.
type Reporter struct {
	now func() time.Time
}

// New returns a Reporter logging under the "report" component.
func New() *Reporter {
	return &Reporter{now: time.Now}
}

// Report renders err for the client described by meta.
func (r *Reporter) Report(ctx context.Context, err error, meta protocol.ClientMetadata) {
	if err == nil {
		return
	}
	logger := log.WithComponentFromContext(ctx, "report")
	logger.Error().
		Err(err).
		Str(log.FieldEvent, "build.failed").
		Str("client_host", meta.Hostname).
		Str("client_user", meta.Username).
		Int("client_pid", meta.Pid).
		Msg("build failed")

	for _, line := range Render(err, meta) {
		output.Emit(ctx, protocol.OutputEvent{
			TimestampMS: r.now().UnixMilli(),
			Category:    Category,
			Level:       "error",
			Message:     line,
		})
	}
}

// Render formats err as report lines. Interactive clients get a hint line.
func Render(err error, meta protocol.ClientMetadata) []string {
	lines := []string{
		"FAILURE: Build failed with an exception.",
		"",
		"* What went wrong:",
		err.Error(),
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		lines = append(lines, "> "+cause.Error())
	}
	if meta.Interactive {
		lines = append(lines, "", "* Try:", "Run with a debug log level for more output.")
	}
	if meta.Hostname != "" || meta.Pid != 0 {
		lines = append(lines, "", fmt.Sprintf("* Client: %s (pid %d)", meta.Hostname, meta.Pid))
	}
	return lines
}
