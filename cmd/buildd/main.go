// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command buildd runs the build daemon and talks to it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/daemondir"
	"github.com/ManuGH/buildd/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

// exitCodeError ends the process with code; the command has already printed its diagnosis.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type rootOptions struct {
	configPath string
	dir        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "buildd",
		Short:         "Long-lived build daemon and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.Configure(log.Config{
				Level:   opts.logLevel,
				Output:  cmd.ErrOrStderr(),
				Console: true,
				Service: "buildd",
				Version: version,
			})
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "daemon directory (default: per-user cache dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newDaemonCmd(opts),
		newRunCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newDiscoverCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) daemonDir() (*daemondir.Dir, error) {
	path := o.dir
	if path == "" {
		path = daemondir.DefaultPath()
	}
	return daemondir.Open(path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "buildd:", err)
		os.Exit(1)
	}
}
