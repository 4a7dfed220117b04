// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engine runs build actions as subprocesses and streams their output.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/output"
	"github.com/ManuGH/buildd/internal/procgroup"
	"github.com/ManuGH/buildd/internal/protocol"
)

const (
	// DefaultGracePeriod is the SIGTERM to SIGKILL delay on cancellation.
	DefaultGracePeriod = 5 * time.Second

	maxLineBytes = 1 << 20
)

var (
	// ErrUnknownAction is returned for actions that are not configured.
	ErrUnknownAction = errors.New("unknown action")
)

// ExitError reports a build process that exited unsuccessfully.
type ExitError struct {
	Action   string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("action %q exited with code %d", e.Action, e.ExitCode)
}

// Result is the success value of an executed action.
type Result struct {
	Action     string `cbor:"action"`
	ExitCode   int    `cbor:"exit_code"`
	DurationMS int64  `cbor:"duration_ms"`
	Lines      int    `cbor:"lines"`
}

// Config describes which actions an Exec engine may run.
type Config struct {
	// Actions maps an action name to the argv prefix it runs; action args are appended.
	Actions map[string][]string
	// AllowArbitrary runs unknown action names as executables looked up on PATH.
	AllowArbitrary bool
	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration
}

// Exec runs each build action as a process group.
type Exec struct {
	cfg    Config
	logger zerolog.Logger
}

// NewExec returns an engine for cfg.
func NewExec(cfg Config) *Exec {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Exec{cfg: cfg, logger: log.WithComponent("engine")}
}

func (e *Exec) argv(action protocol.Action) ([]string, error) {
	if prefix, ok := e.cfg.Actions[action.Name]; ok && len(prefix) > 0 {
		return append(slices.Clone(prefix), action.Args...), nil
	}
	if e.cfg.AllowArbitrary && action.Name != "" {
		return append([]string{action.Name}, action.Args...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action.Name)
}

// Execute runs action and publishes each output line on the router carried by ctx.
// Cancelling ctx terminates the process group.
func (e *Exec) Execute(ctx context.Context, action protocol.Action, params protocol.BuildParameters) (any, error) {
	argv, err := e.argv(action)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = params.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), params.Overrides())
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	logger := log.WithContext(ctx, e.logger).With().Str(log.FieldAction, action.Name).Logger()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Strs("argv", argv).Msg("build process started")

	var lines lineCounter
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pump(ctx, stdout, "stdout", "info", &lines)
	}()
	go func() {
		defer readers.Done()
		pump(ctx, stderr, "stderr", "error", &lines)
	}()

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case err = <-waitCh:
	case <-ctx.Done():
		logger.Warn().Str(log.FieldEvent, "engine.cancelled").Msg("build cancelled; terminating process group")
		_ = procgroup.Terminate(cmd, waitCh, e.cfg.GracePeriod)
		return nil, fmt.Errorf("action %q: %w", action.Name, ctx.Err())
	}

	res := Result{
		Action:     action.Name,
		ExitCode:   cmd.ProcessState.ExitCode(),
		DurationMS: time.Since(start).Milliseconds(),
		Lines:      lines.value(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Action: action.Name, ExitCode: exitErr.ExitCode()}
		}
		return nil, fmt.Errorf("wait %s: %w", argv[0], err)
	}
	return res, nil
}

func pump(ctx context.Context, r io.Reader, category, level string, lines *lineCounter) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		lines.inc()
		output.Emit(ctx, protocol.OutputEvent{
			TimestampMS: time.Now().UnixMilli(),
			Category:    category,
			Level:       level,
			Message:     sc.Text(),
		})
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := slices.Clone(base)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

type lineCounter struct {
	mu sync.Mutex
	n  int
}

func (c *lineCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *lineCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
