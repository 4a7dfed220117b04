// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/buildd/internal/activity"
	"github.com/ManuGH/buildd/internal/admin"
	"github.com/ManuGH/buildd/internal/config"
	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/discovery"
	"github.com/ManuGH/buildd/internal/engine"
	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/remote"
	"github.com/ManuGH/buildd/internal/report"
	"github.com/ManuGH/buildd/internal/telemetry"
)

// NewIdentity returns the identity of the current process.
func NewIdentity(version string) Identity {
	return Identity{
		DaemonID:  uuid.NewString(),
		Version:   version,
		Pid:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
}

// Bootstrap wires a Manager from cfg: telemetry, activity monitor, acceptor,
// session handler, and the optional discovery announcer and admin server.
// Optional services that fail to start are logged and skipped.
func Bootstrap(ctx context.Context, cfg config.Config, id Identity) (Manager, error) {
	logger := log.WithComponent("daemon").With().Str(log.FieldDaemonID, id.DaemonID).Logger()

	provider := initTelemetry(ctx, logger, cfg, id)

	var acceptor *connector.Acceptor
	listened := make(chan struct{})
	monitor := activity.NewMonitor(cfg.Daemon.IdleTimeout, func() {
		<-listened
		if acceptor == nil {
			return
		}
		logger.Info().
			Str(log.FieldEvent, "daemon.idle").
			Dur("idle_timeout", cfg.Daemon.IdleTimeout).
			Msg("Idle timeout reached, stopping")
		acceptor.Stop()
	})

	acceptor, err := connector.Listen(connector.Config{
		ListenAddr:   cfg.Daemon.ListenAddr,
		Workers:      cfg.Daemon.Workers,
		DrainTimeout: cfg.Daemon.DrainTimeout,
	}, monitor)
	close(listened)
	if err != nil {
		monitor.Close()
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	handler, err := NewSessionHandler(SessionDeps{
		Engine: engine.NewExec(engine.Config{
			Actions:        cfg.Engine.Actions,
			AllowArbitrary: cfg.Engine.AllowArbitrary,
			GracePeriod:    cfg.Engine.GracePeriod,
		}),
		Reporter:    report.New(),
		Environment: ProcessEnvironment{},
	})
	if err != nil {
		acceptor.Stop()
		monitor.Close()
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	deps := Deps{
		Logger:    logger,
		Identity:  id,
		Acceptor:  acceptor,
		Handler:   handler,
		Monitor:   monitor,
		Announcer: newAnnouncer(ctx, logger, cfg.Discovery, id, acceptor.Addr(), monitor),
	}

	var mgr Manager
	if cfg.Admin.ListenAddr != "" {
		srv, err := admin.Listen(admin.Config{
			ListenAddr:  cfg.Admin.ListenAddr,
			RateLimit:   cfg.Admin.RateLimit,
			ServiceName: "buildd-admin",
		}, admin.StatusFunc(func() admin.Status { return mgr.Status() }))
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "admin.disabled").Msg("admin server unavailable, continuing without it")
		} else {
			deps.Admin = srv
		}
	}

	mgr, err = NewManager(ManagerConfig{}, deps)
	if err != nil {
		acceptor.Stop()
		monitor.Close()
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	return mgr, nil
}

func initTelemetry(ctx context.Context, logger zerolog.Logger, cfg config.Config, id Identity) *telemetry.Provider {
	tc := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "buildd",
		ServiceVersion: id.Version,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	}
	provider, err := telemetry.NewProvider(ctx, tc)
	if err != nil {
		logger.Warn().Err(err).Msg("Telemetry initialization failed, continuing without tracing")
		return &telemetry.Provider{}
	}
	if tc.Enabled {
		logger.Info().
			Str("endpoint", tc.Endpoint).
			Float64("sampling_rate", tc.SamplingRate).
			Msg("Telemetry initialized")
	}
	return provider
}

func newAnnouncer(ctx context.Context, logger zerolog.Logger, cfg config.DiscoveryConfig, id Identity, control remote.Address, monitor *activity.Monitor) *discovery.Announcer {
	if !cfg.Enabled {
		return nil
	}
	group, err := remote.ParseAddress(cfg.Group)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldGroup, cfg.Group).Msg("invalid discovery group, discovery disabled")
		return nil
	}
	conn, err := remote.ListenMulticast[*discovery.Message](ctx, group, remote.MulticastOptions{
		Interface: cfg.Interface,
		TTL:       cfg.TTL,
	}, discovery.Codec{})
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldGroup, cfg.Group).Msg("could not join discovery group, discovery disabled")
		return nil
	}
	return discovery.NewAnnouncer(conn, discovery.AnnouncerConfig{
		DaemonID:   id.DaemonID,
		Version:    id.Version,
		Control:    control,
		Pid:        id.Pid,
		Busy:       monitor.Busy,
		ReplyRate:  cfg.ReplyRate,
		ReplyBurst: cfg.ReplyBurst,
	})
}
