// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !unix

package daemondir

import (
	"fmt"
	"os"
)

// RedirectStdio replaces the os.Stdout/os.Stderr/os.Stdin handles. Inherited
// descriptors of already-running children are unaffected.
func (d *Dir) RedirectStdio(pid int) (string, error) {
	path := d.OutputLogPath(pid)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("open output log: %w", err)
	}
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		_ = out.Close()
		return "", fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	os.Stdout, os.Stderr, os.Stdin = out, out, devnull
	return path, nil
}
