// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string

	// ConsumedEnvKeys records every environment key read by the last Load.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. configPath may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, or "" when running from ENV only.
func (l *Loader) Path() string {
	return l.configPath
}

// Load loads configuration with precedence: ENV > File > Defaults, then validates it.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if cfg.Daemon.Dir != "" {
		if abs, err := filepath.Abs(cfg.Daemon.Dir); err == nil {
			cfg.Daemon.Dir = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with strict parsing.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) env(name string) string {
	key := EnvPrefix + name
	l.ConsumedEnvKeys[key] = struct{}{}
	return key
}

func (l *Loader) mergeEnv(cfg *Config) {
	d := &cfg.Daemon
	d.ListenAddr = ParseString(l.env("LISTEN_ADDR"), d.ListenAddr)
	d.Workers = ParseInt(l.env("WORKERS"), d.Workers)
	d.DrainTimeout = ParseDuration(l.env("DRAIN_TIMEOUT"), d.DrainTimeout)
	d.IdleTimeout = ParseDuration(l.env("IDLE_TIMEOUT"), d.IdleTimeout)
	d.Dir = ParseString(l.env("DIR"), d.Dir)
	d.Foreground = ParseBool(l.env("FOREGROUND"), d.Foreground)

	e := &cfg.Engine
	e.AllowArbitrary = ParseBool(l.env("ALLOW_ARBITRARY"), e.AllowArbitrary)
	e.GracePeriod = ParseDuration(l.env("GRACE_PERIOD"), e.GracePeriod)

	disc := &cfg.Discovery
	disc.Enabled = ParseBool(l.env("DISCOVERY_ENABLED"), disc.Enabled)
	disc.Group = ParseString(l.env("DISCOVERY_GROUP"), disc.Group)
	disc.Interface = ParseString(l.env("DISCOVERY_INTERFACE"), disc.Interface)
	disc.TTL = ParseInt(l.env("DISCOVERY_TTL"), disc.TTL)
	disc.ReplyRate = ParseFloat(l.env("DISCOVERY_REPLY_RATE"), disc.ReplyRate)
	disc.ReplyBurst = ParseInt(l.env("DISCOVERY_REPLY_BURST"), disc.ReplyBurst)

	cfg.Admin.ListenAddr = ParseString(l.env("ADMIN_ADDR"), cfg.Admin.ListenAddr)
	cfg.Admin.RateLimit = ParseInt(l.env("ADMIN_RATE_LIMIT"), cfg.Admin.RateLimit)

	tel := &cfg.Telemetry
	tel.Enabled = ParseBool(l.env("TELEMETRY_ENABLED"), tel.Enabled)
	tel.Exporter = ParseString(l.env("TELEMETRY_EXPORTER"), tel.Exporter)
	tel.Endpoint = ParseString(l.env("TELEMETRY_ENDPOINT"), tel.Endpoint)
	tel.SamplingRate = ParseFloat(l.env("TELEMETRY_SAMPLING_RATE"), tel.SamplingRate)

	cfg.Log.Level = ParseString(l.env("LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Console = ParseBool(l.env("LOG_CONSOLE"), cfg.Log.Console)
}
