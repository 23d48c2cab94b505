// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/warden-os/warden/lib/launch"
	"github.com/warden-os/warden/lib/netzone"
	"github.com/warden-os/warden/lib/realms"
	"github.com/warden-os/warden/lib/systemd"
	"github.com/warden-os/warden/lib/version"
)

// SocketName is the control socket file name under the run directory.
const SocketName = "warden.sock"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		realmsDir   string
		zonesFile   string
		rootfs      string
		runDir      string
		nspawnDir   string
		unitDir     string
		showVersion bool
	)

	flag.StringVar(&realmsDir, "realms-dir", "/realms", "base directory holding realm-<name>/ definition directories")
	flag.StringVar(&zonesFile, "zones-file", "", "YAML network zone configuration (built-in zones when empty)")
	flag.StringVar(&rootfs, "rootfs", "/run/warden/rootfs", "realm root filesystem path")
	flag.StringVar(&runDir, "run-dir", "/run/warden", "runtime directory for the control socket")
	flag.StringVar(&nspawnDir, "nspawn-dir", launch.DefaultNspawnDir, "directory for generated nspawn descriptors")
	flag.StringVar(&unitDir, "unit-dir", launch.DefaultUnitDir, "directory for generated service units")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("warden-daemon %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zones, err := loadZones(zonesFile, logger)
	if err != nil {
		return err
	}
	allocator, err := netzone.NewAllocator(zones)
	if err != nil {
		return fmt.Errorf("allocator: %w", err)
	}

	manager, err := realms.NewManager(realms.ManagerConfig{
		RealmsDir:  realmsDir,
		Rootfs:     rootfs,
		NspawnDir:  nspawnDir,
		UnitDir:    unitDir,
		Allocator:  allocator,
		Supervisor: systemd.New(logger),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("loading realms: %w", err)
	}
	logger.Info("realms loaded", "count", len(manager.Realms()))

	daemon := newDaemon(manager, allocator.Zones(), logger)

	socketPath := filepath.Join(runDir, SocketName)
	listener, err := listenSocket(socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer listener.Close()
	logger.Info("daemon listening", "socket", socketPath)

	go daemon.serve(ctx, listener)

	// Watch the realms directory so definitions added or removed at
	// runtime are picked up without a restart. Watch failure is not
	// fatal: the daemon still works, it just needs a restart to see
	// definition changes.
	watcher, err := newRealmsWatcher(realmsDir)
	if err != nil {
		logger.Warn("realm directory watch unavailable", "error", err)
	} else {
		go watcher.run(ctx, func() {
			if err := manager.Rescan(); err != nil {
				logger.Error("rescanning realms", "error", err)
			}
			watcher.refreshWatches()
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// loadZones reads the zone table from the configured file, falling back
// to the built-in default when no file is given.
func loadZones(zonesFile string, logger *slog.Logger) (map[string]netip.Prefix, error) {
	if zonesFile == "" {
		return netzone.DefaultZones(), nil
	}
	zones, err := netzone.LoadZones(zonesFile)
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	logger.Info("network zones loaded", "file", zonesFile, "count", len(zones))
	return zones, nil
}

// listenSocket creates a unix socket listener, removing any stale
// socket file.
func listenSocket(socketPath string) (net.Listener, error) {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	// Remove stale socket file from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	// Group-accessible so the desktop session (running as the login
	// user's group in production) can connect.
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	return listener, nil
}
