// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/buildd/internal/config"
	"github.com/ManuGH/buildd/internal/daemon"
	"github.com/ManuGH/buildd/internal/daemondir"
	"github.com/ManuGH/buildd/internal/log"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the build daemon",
		Long: `Runs the build daemon in this process.

Without --foreground the daemon detaches its stdio: stdin reads /dev/null,
stdout and stderr go to an output log in the daemon directory and structured
logs go to a rotated daemon.log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, opts, foreground)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "keep stdio attached and log to the console")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *rootOptions, foreground bool) error {
	logger := log.WithComponent("daemon")

	loader := config.NewLoader(opts.configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", opts.configPath).
			Msg("failed to load configuration")
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.dir != "" {
		cfg.Daemon.Dir = opts.dir
	}
	if cfg.Daemon.Dir == "" {
		cfg.Daemon.Dir = daemondir.DefaultPath()
	}
	foreground = foreground || cfg.Daemon.Foreground

	dir, err := daemondir.Open(cfg.Daemon.Dir)
	if err != nil {
		return err
	}

	id := daemon.NewIdentity(version)

	if foreground {
		log.Configure(log.Config{
			Level:   cfg.Log.Level,
			Output:  cmd.ErrOrStderr(),
			Console: cfg.Log.Console,
			Service: "buildd",
			Version: version,
		})
	} else {
		outPath, err := dir.RedirectStdio(id.Pid)
		if err != nil {
			return fmt.Errorf("detach stdio: %w", err)
		}
		logFile := dir.LogWriter(daemondir.LogOptions{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		defer logFile.Close()
		log.Configure(log.Config{Level: cfg.Log.Level, Output: logFile, Service: "buildd", Version: version})
		redirectLog := log.WithComponent("daemon")
		redirectLog.Info().Str("output_log", outPath).Msg("stdio redirected")
	}
	logger = log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := daemon.Bootstrap(ctx, cfg, id)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.bootstrap_failed").Msg("failed to start daemon")
		return err
	}

	st := mgr.Status()
	if err := dir.WriteState(daemondir.State{
		DaemonID:  id.DaemonID,
		Pid:       id.Pid,
		Address:   st.ControlAddress,
		Version:   id.Version,
		StartedAt: id.StartedAt,
	}); err != nil {
		// Starting with a cancelled context releases the listener and runs the hooks.
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_ = mgr.Start(cancelled)
		return err
	}
	mgr.RegisterShutdownHook("state-file", func(context.Context) error {
		return dir.RemoveState(id.Pid)
	})

	logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Str(log.FieldDaemonID, id.DaemonID).
		Str(log.FieldLocal, st.ControlAddress).
		Str("dir", dir.Path).
		Msg("build daemon started")
	if foreground {
		fmt.Fprintf(cmd.OutOrStdout(), "buildd %s listening on %s\n", version, st.ControlAddress)
	}

	watcher := config.NewWatcher(cfg, loader)
	return daemon.NewApp(logger, mgr, watcher).Run(ctx)
}
