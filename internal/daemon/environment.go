// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Environment scopes client overrides onto ambient process state for one build.
type Environment interface {
	// Apply snapshots the current state, applies overrides and returns a function
	// restoring the snapshot. restore is non-nil even when err is non-nil.
	Apply(overrides map[string]string) (restore func(), err error)
}

// envMu guards the snapshot/apply and restore windows. It is the only place the
// daemon mutates the process environment. Builds are not serialized against each
// other: two concurrent builds can observe each other's overrides.
var envMu sync.Mutex

// ProcessEnvironment applies overrides to the process environment via os.Setenv.
type ProcessEnvironment struct{}

func (ProcessEnvironment) Apply(overrides map[string]string) (func(), error) {
	envMu.Lock()
	defer envMu.Unlock()

	snapshot := environMap()
	restore := func() {
		envMu.Lock()
		defer envMu.Unlock()
		restoreEnviron(snapshot)
	}

	for k, v := range overrides {
		if k == "" || strings.ContainsRune(k, '=') {
			restoreEnviron(snapshot)
			return func() {}, fmt.Errorf("invalid environment variable name %q", k)
		}
		if err := os.Setenv(k, v); err != nil {
			restoreEnviron(snapshot)
			return func() {}, fmt.Errorf("set %s: %w", k, err)
		}
	}
	return restore, nil
}

func environMap() map[string]string {
	env := os.Environ()
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func restoreEnviron(snapshot map[string]string) {
	for k := range environMap() {
		if _, ok := snapshot[k]; !ok {
			_ = os.Unsetenv(k)
		}
	}
	for k, v := range snapshot {
		if cur, ok := os.LookupEnv(k); !ok || cur != v {
			_ = os.Setenv(k, v)
		}
	}
}

// NopEnvironment leaves process state untouched; engines receive overrides explicitly.
type NopEnvironment struct{}

func (NopEnvironment) Apply(map[string]string) (func(), error) {
	return func() {}, nil
}
