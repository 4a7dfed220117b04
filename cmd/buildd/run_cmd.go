// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/client"
	"github.com/ManuGH/buildd/internal/protocol"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		addr  string
		cwd   string
		env   []string
		props []string
	)
	cmd := &cobra.Command{
		Use:   "run ACTION [ARGS...]",
		Short: "Run a build action on the daemon",
		Long: `Sends a build command to the daemon and streams its output.

The exit status is 0 when the build succeeds, 1 when it fails and 2 when the
daemon went away before reporting an outcome.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			environment, err := parseKeyValues(env)
			if err != nil {
				return err
			}
			properties, err := parseKeyValues(props)
			if err != nil {
				return err
			}
			if cwd == "" {
				if cwd, err = os.Getwd(); err != nil {
					return err
				}
			}
			target, err := resolveAddress(addr, opts)
			if err != nil {
				return err
			}

			build := &protocol.Build{
				Action: protocol.Action{Name: args[0], Args: args[1:]},
				Parameters: protocol.BuildParameters{
					WorkingDir:  cwd,
					Environment: environment,
					Properties:  properties,
				},
				ClientMetadata: clientMetadata(),
			}
			done, err := client.Run(cmd.Context(), target, build, printEvent(cmd.OutOrStdout(), cmd.ErrOrStderr()))
			return finishRun(cmd.ErrOrStderr(), done, err)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon control address host:port (default: recorded daemon)")
	cmd.Flags().StringVarP(&cwd, "cwd", "C", "", "working directory for the build (default: current)")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment override KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "build property KEY=VALUE, exposed as BUILDD_PROP_KEY (repeatable)")
	return cmd
}

func printEvent(stdout, stderr io.Writer) client.EventFunc {
	return func(ev *protocol.OutputEvent) {
		w := stdout
		if ev.Level == "error" || ev.Category == "stderr" {
			w = stderr
		}
		fmt.Fprintln(w, ev.Message)
	}
}

// finishRun maps the outcome of a run to the process exit status.
func finishRun(stderr io.Writer, done *protocol.CommandComplete, err error) error {
	switch {
	case errors.Is(err, client.ErrOutcomeUnknown):
		fmt.Fprintln(stderr, "buildd:", err)
		return &exitCodeError{code: 2}
	case err != nil:
		return err
	}
	if failure := done.Err(); failure != nil {
		if !done.Failure.Reported {
			fmt.Fprintln(stderr, "buildd: build failed:", failure)
		}
		return &exitCodeError{code: 1}
	}
	return nil
}
