// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package daemondir

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdio points stdout and stderr at the daemon output log and stdin at
// /dev/null. It must run before the accept loop starts.
func (d *Dir) RedirectStdio(pid int) (string, error) {
	path := d.OutputLogPath(pid)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("open output log: %w", err)
	}
	defer out.Close()

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	if err := unix.Dup2(int(devnull.Fd()), int(os.Stdin.Fd())); err != nil {
		return "", fmt.Errorf("redirect stdin: %w", err)
	}
	if err := unix.Dup2(int(out.Fd()), int(os.Stdout.Fd())); err != nil {
		return "", fmt.Errorf("redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(out.Fd()), int(os.Stderr.Fd())); err != nil {
		return "", fmt.Errorf("redirect stderr: %w", err)
	}
	return path, nil
}
