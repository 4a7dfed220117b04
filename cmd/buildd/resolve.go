// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/ManuGH/buildd/internal/daemondir"
	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/remote"
)

// resolveAddress prefers an explicit --addr and falls back to the recorded daemon state.
func resolveAddress(explicit string, opts *rootOptions) (remote.Address, error) {
	if explicit != "" {
		return remote.ParseAddress(explicit)
	}
	dir, err := opts.daemonDir()
	if err != nil {
		return remote.Address{}, err
	}
	st, err := dir.ReadState()
	if errors.Is(err, daemondir.ErrNoDaemon) {
		return remote.Address{}, fmt.Errorf("no running daemon recorded in %s; start one with 'buildd daemon' or pass --addr", dir.Path)
	}
	if err != nil {
		return remote.Address{}, err
	}
	return st.ControlAddress()
}

// parseKeyValues turns KEY=VALUE pairs into a map. Later keys win.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VALUE pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func clientMetadata() protocol.ClientMetadata {
	meta := protocol.ClientMetadata{Pid: os.Getpid()}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}
	if u, err := user.Current(); err == nil {
		meta.Username = u.Username
	}
	if fi, err := os.Stdout.Stat(); err == nil {
		meta.Interactive = fi.Mode()&os.ModeCharDevice != 0
	}
	return meta
}
