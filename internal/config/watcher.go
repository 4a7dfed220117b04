// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/buildd/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after a successful reload with the previous and new config.
type ReloadFunc func(old, cur Config)

// Watcher holds the current configuration and reloads it when the file changes.
// A reload that fails to load or validate keeps the previous configuration.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	logger  zerolog.Logger

	debounce time.Duration

	listenMu  sync.RWMutex
	listeners []ReloadFunc
}

// NewWatcher creates a watcher seeded with the initial configuration.
func NewWatcher(initial Config, loader *Loader) *Watcher {
	return &Watcher{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		debounce: defaultDebounce,
	}
}

// Get returns the current configuration.
func (w *Watcher) Get() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.listenMu.Lock()
	defer w.listenMu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload loads and validates the configuration and swaps it in on success.
func (w *Watcher) Reload(_ context.Context) error {
	w.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := w.loader.Load()
	if err != nil {
		w.logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("failed to reload configuration; keeping previous")
		return fmt.Errorf("reload config: %w", err)
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	w.mu.Unlock()

	w.logChanges(old, next)

	w.listenMu.RLock()
	listeners := append([]ReloadFunc(nil), w.listeners...)
	w.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(old, next)
	}

	w.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// Run watches the config file until ctx is done. Without a config file it
// returns immediately.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.loader.Path()
	if path == "" {
		w.logger.Info().
			Str(log.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	w.logger.Info().
		Str(log.FieldEvent, "config.watcher_started").
		Str("path", path).
		Msg("watching config file for changes")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug().
				Str(log.FieldEvent, "config.file_changed").
				Str("op", event.Op.String()).
				Msg("config file changed")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				_ = w.Reload(ctx)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().
				Err(err).
				Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

func (w *Watcher) logChanges(old, cur Config) {
	if old.Log.Level != cur.Log.Level {
		w.logger.Info().Str("old", old.Log.Level).Str("new", cur.Log.Level).Msg("config changed: log.level")
	}
	if old.Daemon.IdleTimeout != cur.Daemon.IdleTimeout {
		w.logger.Info().
			Dur("old", old.Daemon.IdleTimeout).
			Dur("new", cur.Daemon.IdleTimeout).
			Msg("config changed: daemon.idleTimeout (applies on restart)")
	}
	if old.Daemon.ListenAddr != cur.Daemon.ListenAddr {
		w.logger.Warn().
			Str("old", old.Daemon.ListenAddr).
			Str("new", cur.Daemon.ListenAddr).
			Msg("config changed: daemon.listenAddr (applies on restart)")
	}
}
