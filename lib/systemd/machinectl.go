// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EphemeralHome describes the population of a freshly created
// ephemeral home for a running realm.
type EphemeralHome struct {
	// Machine is the realm's machine name.
	Machine string

	// GlobalSkel is the host-wide skeleton directory copied into
	// every ephemeral home.
	GlobalSkel string

	// RealmSkel is the per-realm skeleton, copied after the global
	// one so it can override files.
	RealmSkel string

	// Home is the realm's persistent home on the host, the source of
	// persisted directories.
	Home string

	// PersistentDirs are relative paths inside Home that are
	// bind-mounted over the ephemeral home so they survive resets.
	PersistentDirs []string
}

// SetupEphemeralHome populates a realm's ephemeral home. Every step is
// independently best-effort: a missing skeleton or a failed bind is
// logged and skipped, never surfaced, because the realm is already
// running and a partially populated home beats a dead start. Must only
// be called after the realm's service is confirmed started.
func (s *Supervisor) SetupEphemeralHome(ctx context.Context, spec EphemeralHome) {
	if _, err := os.Stat(spec.GlobalSkel); err == nil {
		if err := s.copyTo(ctx, spec.Machine, spec.GlobalSkel, "/home/user"); err != nil {
			s.logger.Warn("copying global skeleton", "machine", spec.Machine, "error", err)
		}
	}

	if spec.RealmSkel != "" {
		if _, err := os.Stat(spec.RealmSkel); err == nil {
			if err := s.copyTo(ctx, spec.Machine, spec.RealmSkel, "/home/user"); err != nil {
				s.logger.Warn("copying realm skeleton", "machine", spec.Machine, "error", err)
			}
		}
	}

	if _, err := os.Stat(spec.Home); err != nil {
		return
	}

	for _, dir := range spec.PersistentDirs {
		source, err := resolvePersistentDir(spec.Home, dir)
		if err != nil {
			s.logger.Warn("skipping persistent directory",
				"machine", spec.Machine, "dir", dir, "error", err)
			continue
		}
		if source == "" {
			continue
		}
		destination := filepath.Join("/home/user", dir)
		if err := s.bind(ctx, spec.Machine, source, destination); err != nil {
			s.logger.Warn("binding persistent directory",
				"machine", spec.Machine, "dir", dir, "error", err)
		}
	}
}

// resolvePersistentDir canonicalizes a persistent-directory entry and
// verifies the result is still inside the realm's home. A symlink
// pointing outside the home would otherwise let realm configuration
// mount arbitrary host paths into the container. Returns "" when the
// path simply does not exist.
func resolvePersistentDir(home, dir string) (string, error) {
	candidate := filepath.Join(home, dir)
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("resolving %s: %w", candidate, err)
	}

	canonicalHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		return "", fmt.Errorf("resolving home %s: %w", home, err)
	}
	if resolved != canonicalHome && !strings.HasPrefix(resolved, canonicalHome+string(filepath.Separator)) {
		return "", fmt.Errorf("%s resolves outside the realm home (%s)", candidate, resolved)
	}
	return resolved, nil
}

// copyTo copies a host directory into a running machine.
func (s *Supervisor) copyTo(ctx context.Context, machine, from, to string) error {
	s.logger.Info("machinectl copy-to", "machine", machine, "from", from, "to", to)
	if _, err := s.exec(ctx, machinectlPath, "copy-to", machine, from, to); err != nil {
		return &CommandError{Op: "copy-to", Unit: machine, Err: err}
	}
	return nil
}

// bind bind-mounts a host directory into a running machine, creating
// the mount point if needed.
func (s *Supervisor) bind(ctx context.Context, machine, from, to string) error {
	if _, err := s.exec(ctx, machinectlPath, "--mkdir", "bind", machine, from, to); err != nil {
		return &CommandError{Op: "bind", Unit: machine, Err: err}
	}
	return nil
}

// ShellOptions configure an interactive or scripted session inside a
// running realm via the supervisor's exec facility.
type ShellOptions struct {
	// Machine is the realm's machine name.
	Machine string

	// User is the in-realm account; defaults to "user".
	User string

	// Env are KEY=VALUE pairs set in the session environment.
	Env []string

	// Launcher routes the command through the in-realm launch helper,
	// which applies the realm's desktop environment before exec'ing.
	Launcher bool

	// Quiet suppresses the session's stdio (for fire-and-forget runs).
	Quiet bool

	// Args is the command to run; empty means an interactive shell.
	Args []string
}

// launchHelperPath is the in-realm helper used to start applications
// with the realm's desktop environment applied.
const launchHelperPath = "/usr/libexec/launch"

// Shell runs a command (or an interactive shell) inside a running
// realm through machinectl.
func (s *Supervisor) Shell(ctx context.Context, opts ShellOptions) error {
	user := opts.User
	if user == "" {
		user = "user"
	}

	argv := []string{machinectlPath, "--quiet"}
	for _, pair := range opts.Env {
		argv = append(argv, "--setenv="+pair)
	}
	argv = append(argv, "shell", user+"@"+opts.Machine)
	if opts.Launcher {
		argv = append(argv, launchHelperPath)
	}
	if len(opts.Args) == 0 {
		argv = append(argv, "/bin/bash")
	} else {
		argv = append(argv, opts.Args...)
	}

	if opts.Quiet {
		if _, err := s.exec(ctx, argv...); err != nil {
			return &CommandError{Op: "shell", Unit: opts.Machine, Err: err}
		}
		return nil
	}
	if err := s.execInteractive(ctx, argv...); err != nil {
		return &CommandError{Op: "shell", Unit: opts.Machine, Err: err}
	}
	return nil
}
