// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/buildd/internal/config"
	"github.com/ManuGH/buildd/internal/log"
)

// App owns the long-lived runtime lifecycle (config watcher, reload signal)
// and delegates daemon services to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	watcher      *config.Watcher
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. watcher may be nil.
func NewApp(logger zerolog.Logger, manager Manager, watcher *config.Watcher) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		watcher:      watcher,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run blocks until the manager stops, ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.watcher != nil {
		a.watcher.OnReload(a.applyConfig)

		// Best-effort: the daemon keeps running on its startup config.
		g.Go(func() error {
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
			}
			return nil
		})

		if a.reloadSignal != nil {
			g.Go(func() error {
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, a.reloadSignal)
				defer signal.Stop(hup)

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-hup:
						a.logger.Info().
							Str(log.FieldEvent, "config.reload_signal").
							Str("signal", a.reloadSignal.String()).
							Msg("received reload signal, reloading config")
						_ = a.watcher.Reload(ctx)
					}
				}
			})
		}
	}

	g.Go(func() error {
		// The daemon ends when the manager does, whichever way it stopped.
		defer cancel()
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

// applyConfig applies the settings that can change without a restart.
func (a *App) applyConfig(old, cur config.Config) {
	if old.Log.Level == cur.Log.Level {
		return
	}
	if err := log.SetLevel(cur.Log.Level); err != nil {
		a.logger.Warn().Err(err).Str("level", cur.Log.Level).Msg("could not apply log level")
		return
	}
	a.logger.Info().Str("level", cur.Log.Level).Msg("log level applied")
}
