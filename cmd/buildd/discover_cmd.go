// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/config"
	"github.com/ManuGH/buildd/internal/discovery"
	"github.com/ManuGH/buildd/internal/remote"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	var (
		group string
		iface string
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List daemons announcing on the discovery group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if group == "" {
				cfg, err := config.NewLoader(opts.configPath, version).Load()
				if err != nil {
					return err
				}
				group = cfg.Discovery.Group
				if iface == "" {
					iface = cfg.Discovery.Interface
				}
			}
			addr, err := remote.ParseAddress(group)
			if err != nil {
				return fmt.Errorf("discovery group: %w", err)
			}
			conn, err := remote.ListenMulticast[*discovery.Message](cmd.Context(), addr, remote.MulticastOptions{Interface: iface}, discovery.Codec{})
			if err != nil {
				return err
			}
			found, err := discovery.Locate(cmd.Context(), conn, wait)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no daemons found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DAEMON\tADDRESS\tPID\tBUSY\tVERSION")
			for _, m := range found {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m.DaemonID, m.ControlAddress(), m.Pid, m.Busy, m.Version)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "multicast group host:port (default: from config)")
	cmd.Flags().StringVar(&iface, "interface", "", "network interface for the group")
	cmd.Flags().DurationVar(&wait, "wait", 500*time.Millisecond, "how long to collect answers")
	return cmd
}
