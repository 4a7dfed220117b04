// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/client"
)

func newStopCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to stop accepting connections",
		Long:  "Sends a stop command. Builds already in progress finish before the daemon exits.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := resolveAddress(addr, opts)
			if err != nil {
				return err
			}
			if err := client.Stop(cmd.Context(), target); err != nil {
				return fmt.Errorf("stop daemon at %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon at %s is stopping\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon control address host:port (default: recorded daemon)")
	return cmd
}
