// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads and validates the daemon configuration.
//
// Precedence is ENV > YAML file > defaults. The YAML file is parsed strictly:
// unknown keys and multiple documents are rejected.
package config

import "time"

// Config is the complete daemon configuration.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Engine    EngineConfig    `yaml:"engine"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`

	// Version is stamped from the binary, never read from file or env.
	Version string `yaml:"-"`
}

// DaemonConfig controls the connection acceptor and process setup.
type DaemonConfig struct {
	ListenAddr   string        `yaml:"listenAddr"`
	Workers      int           `yaml:"workers"`      // 0 = unbounded
	DrainTimeout time.Duration `yaml:"drainTimeout"` // 0 = wait for in-flight builds
	IdleTimeout  time.Duration `yaml:"idleTimeout"`  // 0 = never stop when idle
	Dir          string        `yaml:"dir"`
	Foreground   bool          `yaml:"foreground"`
}

// EngineConfig controls the exec build engine.
type EngineConfig struct {
	Actions        map[string][]string `yaml:"actions"`
	AllowArbitrary bool                `yaml:"allowArbitrary"`
	GracePeriod    time.Duration       `yaml:"gracePeriod"`
}

// DiscoveryConfig controls multicast presence announcements.
type DiscoveryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Group      string  `yaml:"group"`
	Interface  string  `yaml:"interface"`
	TTL        int     `yaml:"ttl"`
	ReplyRate  float64 `yaml:"replyRate"`
	ReplyBurst int     `yaml:"replyBurst"`
}

// AdminConfig controls the HTTP admin surface. An empty ListenAddr disables it.
type AdminConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	RateLimit  int    `yaml:"rateLimit"` // requests per minute per client IP
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// LogConfig controls the global logger and daemon log rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Daemon: DaemonConfig{
			ListenAddr:   "127.0.0.1:0",
			IdleTimeout:  3 * time.Hour,
			DrainTimeout: 0,
		},
		Engine: EngineConfig{
			GracePeriod: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Group:      "239.255.42.99:7071",
			TTL:        1,
			ReplyRate:  5,
			ReplyBurst: 10,
		},
		Admin: AdminConfig{
			RateLimit: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}
