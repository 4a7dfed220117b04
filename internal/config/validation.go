// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"

	"github.com/ManuGH/buildd/internal/validate"
)

// Validate checks cfg and returns every problem found.
func Validate(cfg Config) error {
	v := validate.New()

	v.ListenAddr("daemon.listenAddr", cfg.Daemon.ListenAddr)
	v.Range("daemon.workers", cfg.Daemon.Workers, 0, 1024)
	v.NonNegativeDuration("daemon.drainTimeout", cfg.Daemon.DrainTimeout)
	v.NonNegativeDuration("daemon.idleTimeout", cfg.Daemon.IdleTimeout)

	v.NonNegativeDuration("engine.gracePeriod", cfg.Engine.GracePeriod)
	for name, argv := range cfg.Engine.Actions {
		if len(argv) == 0 {
			v.AddError(fmt.Sprintf("engine.actions.%s", name), "command line cannot be empty", argv)
		}
	}

	if cfg.Discovery.Enabled {
		v.MulticastGroup("discovery.group", cfg.Discovery.Group)
		v.Range("discovery.ttl", cfg.Discovery.TTL, 1, 255)
		if cfg.Discovery.ReplyRate <= 0 {
			v.AddError("discovery.replyRate", "must be positive", cfg.Discovery.ReplyRate)
		}
		v.Range("discovery.replyBurst", cfg.Discovery.ReplyBurst, 1, 1000)
	}

	if cfg.Admin.ListenAddr != "" {
		v.ListenAddr("admin.listenAddr", cfg.Admin.ListenAddr)
		v.NonNegative("admin.rateLimit", cfg.Admin.RateLimit)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "must be between 0.0 and 1.0", cfg.Telemetry.SamplingRate)
		}
	}

	v.Level("log.level", cfg.Log.Level)
	v.NonNegative("log.maxSizeMB", cfg.Log.MaxSizeMB)
	v.NonNegative("log.maxBackups", cfg.Log.MaxBackups)
	v.NonNegative("log.maxAgeDays", cfg.Log.MaxAgeDays)

	return v.Err()
}
