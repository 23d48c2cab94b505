// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const (
	systemctlPath  = "/usr/bin/systemctl"
	machinectlPath = "/usr/bin/machinectl"
)

// CommandError reports a failed supervisor command: a non-zero exit or
// a spawn failure.
type CommandError struct {
	// Op is the operation that failed ("start", "stop", ...).
	Op string

	// Unit is the unit or machine the operation targeted.
	Unit string

	// Err is the underlying exec error.
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("supervisor %s %s: %v", e.Op, e.Unit, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Supervisor issues commands to the host service manager. All methods
// are safe for concurrent use; the supervisor holds no mutable state.
type Supervisor struct {
	logger *slog.Logger

	// run executes a command and returns its stdout. A non-zero exit
	// is returned as an error. Nil means exec.CommandContext.
	// Injectable for testing.
	run func(ctx context.Context, argv ...string) ([]byte, error)

	// runInteractive executes a command with the caller's terminal
	// attached (for machinectl shell). Nil means exec.CommandContext
	// with inherited stdio. Injectable for testing.
	runInteractive func(ctx context.Context, argv ...string) error
}

// New creates a supervisor that shells out to the host systemctl and
// machinectl binaries.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// SetRunners replaces the command execution functions. Test hook.
func (s *Supervisor) SetRunners(
	run func(ctx context.Context, argv ...string) ([]byte, error),
	runInteractive func(ctx context.Context, argv ...string) error,
) {
	s.run = run
	s.runInteractive = runInteractive
}

func (s *Supervisor) exec(ctx context.Context, argv ...string) ([]byte, error) {
	if s.run != nil {
		return s.run(ctx, argv...)
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

func (s *Supervisor) execInteractive(ctx context.Context, argv ...string) error {
	if s.runInteractive != nil {
		return s.runInteractive(ctx, argv...)
	}
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	return command.Run()
}

// Start starts a unit.
func (s *Supervisor) Start(ctx context.Context, unit string) error {
	if _, err := s.exec(ctx, systemctlPath, "start", unit); err != nil {
		return &CommandError{Op: "start", Unit: unit, Err: err}
	}
	return nil
}

// Stop stops a unit.
func (s *Supervisor) Stop(ctx context.Context, unit string) error {
	if _, err := s.exec(ctx, systemctlPath, "stop", unit); err != nil {
		return &CommandError{Op: "stop", Unit: unit, Err: err}
	}
	return nil
}

// Reload makes the service manager re-read unit files. Called after
// descriptors are written: runtime units dropped under
// /run/systemd/system are invisible to systemctl until a reload.
func (s *Supervisor) Reload(ctx context.Context) error {
	if _, err := s.exec(ctx, systemctlPath, "daemon-reload"); err != nil {
		return &CommandError{Op: "daemon-reload", Unit: "", Err: err}
	}
	return nil
}

// IsActive reports whether a unit is currently running. The query
// never fails: any error (including an unknown unit) reads as
// inactive.
func (s *Supervisor) IsActive(ctx context.Context, unit string) bool {
	_, err := s.exec(ctx, systemctlPath, "--quiet", "is-active", unit)
	return err == nil
}

// BulkIsActive queries many units in one systemctl invocation and
// returns one status token per unit, in input order ("active",
// "inactive", "failed", ...). systemctl exits non-zero when any unit
// is inactive, so the exit status is ignored; only the output counts.
// A spawn failure or short output yields "unknown" for the missing
// entries.
func (s *Supervisor) BulkIsActive(ctx context.Context, units []string) []string {
	states := make([]string, len(units))
	for i := range states {
		states[i] = "unknown"
	}
	if len(units) == 0 {
		return states
	}

	argv := append([]string{systemctlPath, "is-active"}, units...)
	output, err := s.exec(ctx, argv...)
	if len(output) == 0 && err != nil {
		s.logger.Warn("bulk is-active query failed", "error", err)
		return states
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := range units {
		if i < len(lines) && lines[i] != "" {
			states[i] = strings.TrimSpace(lines[i])
		}
	}
	return states
}
