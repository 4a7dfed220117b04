// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/daemondir"
)

const probeTimeout = time.Second

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the recorded daemon and whether it is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.daemonDir()
			if err != nil {
				return err
			}
			st, err := dir.ReadState()
			if errors.Is(err, daemondir.ErrNoDaemon) {
				fmt.Fprintln(cmd.OutOrStdout(), "no daemon running")
				return &exitCodeError{code: 3}
			}
			if err != nil {
				return err
			}

			reachable := "reachable"
			conn, err := net.DialTimeout("tcp", st.Address, probeTimeout)
			if err != nil {
				reachable = "unreachable"
			} else {
				_ = conn.Close()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "daemon:   %s\n", st.DaemonID)
			fmt.Fprintf(out, "pid:      %d\n", st.Pid)
			fmt.Fprintf(out, "address:  %s (%s)\n", st.Address, reachable)
			fmt.Fprintf(out, "version:  %s\n", st.Version)
			fmt.Fprintf(out, "uptime:   %s\n", time.Since(st.StartedAt).Truncate(time.Second))
			if reachable != "reachable" {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
}
