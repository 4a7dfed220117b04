// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemondir manages the per-user daemon directory: state file, logs and
// stdio redirection of a detached daemon.
package daemondir

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/remote"
)

const (
	stateFileName = "daemon.yaml"
	logFileName   = "daemon.log"
)

// ErrNoDaemon is returned by ReadState when no daemon state is recorded.
var ErrNoDaemon = errors.New("no daemon state recorded")

// Dir is a prepared daemon directory.
type Dir struct {
	Path string
}

// Open creates path (0700) if needed.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, errors.New("daemon directory path is empty")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create daemon directory: %w", err)
	}
	return &Dir{Path: path}, nil
}

// DefaultPath returns the per-user daemon directory.
func DefaultPath() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "buildd")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("buildd-%d", os.Getuid()))
}

// State describes the running daemon.
type State struct {
	DaemonID  string    `yaml:"daemon_id"`
	Pid       int       `yaml:"pid"`
	Address   string    `yaml:"address"`
	Version   string    `yaml:"version,omitempty"`
	StartedAt time.Time `yaml:"started_at"`
}

// ControlAddress parses the recorded address.
func (s State) ControlAddress() (remote.Address, error) {
	return remote.ParseAddress(s.Address)
}

// WriteState atomically replaces the state file.
func (d *Dir) WriteState(st State) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode daemon state: %w", err)
	}

	pending, err := renameio.NewPendingFile(d.statePath(), renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending state file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger := log.WithComponent("daemondir")
			logger.Debug().Err(err).Msg("cleanup pending state file")
		}
	}()

	if _, err := pending.Write(raw); err != nil {
		return fmt.Errorf("write daemon state: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit daemon state: %w", err)
	}
	return nil
}

// ReadState returns the recorded state or ErrNoDaemon.
func (d *Dir) ReadState() (State, error) {
	raw, err := os.ReadFile(d.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNoDaemon
	}
	if err != nil {
		return State{}, fmt.Errorf("read daemon state: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("parse daemon state: %w", err)
	}
	return st, nil
}

// RemoveState deletes the state file if it still belongs to pid.
func (d *Dir) RemoveState(pid int) error {
	st, err := d.ReadState()
	if errors.Is(err, ErrNoDaemon) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Pid != pid {
		return nil
	}
	if err := os.Remove(d.statePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove daemon state: %w", err)
	}
	return nil
}

// LogOptions configure daemon log rotation.
type LogOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogWriter returns a rotating writer for <dir>/daemon.log.
func (d *Dir) LogWriter(opts LogOptions) io.WriteCloser {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(d.Path, logFileName),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// OutputLogPath returns the stdout/stderr capture file of the daemon with pid.
func (d *Dir) OutputLogPath(pid int) string {
	return filepath.Join(d.Path, fmt.Sprintf("daemon-%d.out.log", pid))
}

func (d *Dir) statePath() string {
	return filepath.Join(d.Path, stateFileName)
}
