// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts build subprocesses in their own process group and
// terminates the whole group.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/buildd/internal/metrics"
)

// Terminate stops the process group of cmd: SIGTERM, then SIGKILL once grace elapses.
// waitCh must deliver the result of cmd.Wait; Terminate consumes and returns it.
// Safe to call on commands that were never started.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	metrics.RecordTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	metrics.RecordTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))
	return <-waitCh
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}
