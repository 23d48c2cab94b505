// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realms

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/warden-os/warden/lib/launch"
	"github.com/warden-os/warden/lib/netzone"
	"github.com/warden-os/warden/lib/realm"
	"github.com/warden-os/warden/lib/systemd"
)

// Supervisor is the process-control surface the manager needs from the
// host service manager. *systemd.Supervisor implements it; tests
// substitute a fake.
type Supervisor interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Reload(ctx context.Context) error
	IsActive(ctx context.Context, unit string) bool
	BulkIsActive(ctx context.Context, units []string) []string
	SetupEphemeralHome(ctx context.Context, spec systemd.EphemeralHome)
	Shell(ctx context.Context, opts systemd.ShellOptions) error
}

// ManagerConfig holds the dependencies and host paths for a Manager.
type ManagerConfig struct {
	// RealmsDir is the base directory holding realm-<name>/ definition
	// directories.
	RealmsDir string

	// Rootfs is the realm root filesystem path, produced by the image
	// layer and shared by all realms.
	Rootfs string

	// NspawnDir and UnitDir are where generated descriptors go.
	// Defaults: launch.DefaultNspawnDir, launch.DefaultUnitDir.
	NspawnDir string
	UnitDir   string

	// GlobalSkel is the host-wide skeleton copied into every freshly
	// created ephemeral home. Default: <RealmsDir>/skel.
	GlobalSkel string

	Allocator  *netzone.Allocator
	Supervisor Supervisor
	Logger     *slog.Logger
}

// Manager owns the realm collection and the current pointer, and
// drives lifecycle transitions.
//
// Realm activity is deliberately never cached: every status query goes
// back to the supervisor, so there is no stale running/stopped state
// to guard. The mutable state under mu is the realm collection, the
// current pointer, and the handler list. Each realm additionally has
// an operation gate making Start/Stop/Run mutually exclusive per realm
// while leaving different realms fully concurrent.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	realms   map[string]*realm.Realm
	current  string // name of the current realm, "" when none
	handlers []Handler

	gatesMu sync.Mutex
	gates   map[string]*sync.Mutex

	// procRoot is the procfs mount point used by RealmByPid.
	// Injectable for tests.
	procRoot string
}

// NewManager creates a manager and performs the initial discovery of
// realm definitions. The initial load does not emit New events; only
// later Rescan calls report changes.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.RealmsDir == "" {
		return nil, fmt.Errorf("realms directory is required")
	}
	if config.Rootfs == "" {
		return nil, fmt.Errorf("rootfs is required")
	}
	if config.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if config.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if config.NspawnDir == "" {
		config.NspawnDir = launch.DefaultNspawnDir
	}
	if config.UnitDir == "" {
		config.UnitDir = launch.DefaultUnitDir
	}
	if config.GlobalSkel == "" {
		config.GlobalSkel = filepath.Join(config.RealmsDir, "skel")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loaded, err := realm.LoadRealms(config.RealmsDir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*realm.Realm, len(loaded))
	for _, r := range loaded {
		byName[r.Name] = r
	}

	return &Manager{
		config:   config,
		logger:   logger,
		realms:   byName,
		gates:    make(map[string]*sync.Mutex),
		procRoot: "/proc",
	}, nil
}

// gate returns the per-realm operation mutex, creating it on first
// use. Gates are never removed: a realm that disappears leaves behind
// one idle mutex, which is cheaper than racing removal against a
// concurrent operation.
func (m *Manager) gate(name string) *sync.Mutex {
	m.gatesMu.Lock()
	defer m.gatesMu.Unlock()
	gate, ok := m.gates[name]
	if !ok {
		gate = &sync.Mutex{}
		m.gates[name] = gate
	}
	return gate
}

// RealmByName looks up a realm in the collection.
func (m *Manager) RealmByName(name string) (*realm.Realm, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[name]
	return r, ok
}

// Realms returns the known realms sorted by name.
func (m *Manager) Realms() []*realm.Realm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*realm.Realm, 0, len(m.realms))
	for _, r := range m.realms {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// CurrentRealm returns the current realm, or nil when none is current.
func (m *Manager) CurrentRealm() *realm.Realm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil
	}
	return m.realms[m.current]
}

// IsActive reports whether the realm's service is running right now.
func (m *Manager) IsActive(ctx context.Context, r *realm.Realm) bool {
	return m.config.Supervisor.IsActive(ctx, r.ServiceName())
}

// RealmStatus pairs a realm name with its derived status.
type RealmStatus struct {
	Name   string
	Status realm.Status
}

// List reports the status of every known realm, sorted by name, using
// one bulk supervisor query.
func (m *Manager) List(ctx context.Context) []RealmStatus {
	known := m.Realms()
	current := ""
	if c := m.CurrentRealm(); c != nil {
		current = c.Name
	}

	units := make([]string, len(known))
	for i, r := range known {
		units[i] = r.ServiceName()
	}
	states := m.config.Supervisor.BulkIsActive(ctx, units)

	list := make([]RealmStatus, len(known))
	for i, r := range known {
		status := realm.StatusNotRunning
		if states[i] == "active" {
			if r.Name == current {
				status = realm.StatusCurrent
			} else {
				status = realm.StatusRunning
			}
		}
		list[i] = RealmStatus{Name: r.Name, Status: status}
	}
	return list
}

// resolveNetwork turns the realm's network configuration into launch
// parameters, allocating an address when the realm uses a managed
// zone.
func (m *Manager) resolveNetwork(r *realm.Realm) (launch.Network, error) {
	config := &r.Config

	if config.Netns != "" {
		return launch.Network{Mode: launch.ModeNetns, Netns: config.Netns}, nil
	}
	if !config.Network {
		return launch.Network{Mode: launch.ModePrivate}, nil
	}

	zone := config.NetworkZone
	var address netip.Addr
	var err error
	if reserved, ok := config.ReservedAddr(); ok {
		address, err = m.config.Allocator.AllocateReserved(zone, r.Name, reserved)
	} else {
		address, err = m.config.Allocator.AllocateFor(zone, r.Name)
	}
	if err != nil {
		return launch.Network{}, fmt.Errorf("allocating address for realm %q: %w", r.Name, err)
	}
	gateway, err := m.config.Allocator.Gateway(zone)
	if err != nil {
		m.config.Allocator.Free(zone, r.Name)
		return launch.Network{}, fmt.Errorf("resolving gateway for realm %q: %w", r.Name, err)
	}
	return launch.Network{Mode: launch.ModeZone, Zone: zone, Address: address, Gateway: gateway}, nil
}

// StartRealm starts a realm's service. Starting an already-running
// realm is a no-op success. Any failure after address allocation
// releases the allocation and removes any descriptors already written,
// so a failed start leaves no partial state behind.
func (m *Manager) StartRealm(ctx context.Context, r *realm.Realm) error {
	gate := m.gate(r.Name)
	gate.Lock()
	defer gate.Unlock()

	if m.IsActive(ctx, r) {
		return nil
	}

	network, err := m.resolveNetwork(r)
	if err != nil {
		return err
	}
	rollback := func() {
		if network.Mode == launch.ModeZone {
			m.config.Allocator.Free(network.Zone, r.Name)
		}
		if err := launch.RemoveFiles(m.config.NspawnDir, m.config.UnitDir, r.Name); err != nil {
			m.logger.Warn("removing descriptors after failed start", "realm", r.Name, "error", err)
		}
	}

	files, err := launch.NewBuilder().Build(&launch.Options{
		Realm:   r,
		Network: network,
		Rootfs:  m.config.Rootfs,
	})
	if err != nil {
		rollback()
		return fmt.Errorf("building launch configuration for realm %q: %w", r.Name, err)
	}
	if err := launch.WriteFiles(m.config.NspawnDir, m.config.UnitDir, r.Name, files); err != nil {
		rollback()
		return fmt.Errorf("realm %q: %w", r.Name, err)
	}
	if err := m.config.Supervisor.Reload(ctx); err != nil {
		rollback()
		return fmt.Errorf("realm %q: %w", r.Name, err)
	}
	if err := m.config.Supervisor.Start(ctx, r.ServiceName()); err != nil {
		rollback()
		return fmt.Errorf("starting realm %q: %w", r.Name, err)
	}

	m.logger.Info("realm started", "realm", r.Name)
	m.emit(Event{Type: EventStarted, Realm: r})

	// Home population runs only after the service is confirmed
	// started, and its failures never fail the start.
	if r.Config.EphemeralHome {
		m.config.Supervisor.SetupEphemeralHome(ctx, systemd.EphemeralHome{
			Machine:        r.Name,
			GlobalSkel:     m.config.GlobalSkel,
			RealmSkel:      r.Skel(),
			Home:           r.Home(),
			PersistentDirs: r.Config.EphemeralPersistentDirs,
		})
	}
	return nil
}

// StopRealm stops a realm's service, removes its descriptors, and
// frees its address allocation. Stopping the current realm clears the
// current pointer.
func (m *Manager) StopRealm(ctx context.Context, r *realm.Realm) error {
	gate := m.gate(r.Name)
	gate.Lock()
	defer gate.Unlock()

	if err := m.config.Supervisor.Stop(ctx, r.ServiceName()); err != nil {
		return fmt.Errorf("stopping realm %q: %w", r.Name, err)
	}
	if err := launch.RemoveFiles(m.config.NspawnDir, m.config.UnitDir, r.Name); err != nil {
		m.logger.Warn("removing descriptors", "realm", r.Name, "error", err)
	}
	if r.Config.Network && r.Config.Netns == "" {
		m.config.Allocator.Free(r.Config.NetworkZone, r.Name)
	}

	m.logger.Info("realm stopped", "realm", r.Name)
	m.emit(Event{Type: EventStopped, Realm: r})

	m.mu.Lock()
	wasCurrent := m.current == r.Name
	if wasCurrent {
		m.current = ""
	}
	m.mu.Unlock()
	if wasCurrent {
		m.emit(Event{Type: EventCurrent, Realm: nil})
	}
	return nil
}

// SetCurrentRealm makes a running realm the current one. A realm must
// be active to become current; this never starts a realm implicitly.
func (m *Manager) SetCurrentRealm(ctx context.Context, r *realm.Realm) error {
	if !m.IsActive(ctx, r) {
		return fmt.Errorf("realm %q is not running", r.Name)
	}

	m.mu.Lock()
	unchanged := m.current == r.Name
	m.current = r.Name
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	m.logger.Info("current realm changed", "realm", r.Name)
	m.emit(Event{Type: EventCurrent, Realm: r})
	return nil
}

// shellEnv builds the session environment for commands run inside the
// realm. DESKTOP_STARTUP_ID is forwarded so window managers can match
// startup notifications across the container boundary.
func shellEnv(r *realm.Realm) []string {
	env := []string{"REALM_NAME=" + r.Name}
	if startupID := os.Getenv("DESKTOP_STARTUP_ID"); startupID != "" {
		env = append(env, "DESKTOP_STARTUP_ID="+startupID)
	}
	if r.Config.Wayland && !r.Config.X11 {
		env = append(env, "GDK_BACKEND=wayland")
	}
	return env
}

// ensureActive starts the realm if it is not running.
func (m *Manager) ensureActive(ctx context.Context, r *realm.Realm) error {
	if m.IsActive(ctx, r) {
		return nil
	}
	return m.StartRealm(ctx, r)
}

// RunInRealm executes args inside the realm, starting it first if
// needed. On start failure the run is not attempted. The session runs
// detached from the caller's stdio; output goes to the application,
// not back over the control connection.
func (m *Manager) RunInRealm(ctx context.Context, r *realm.Realm, args []string) error {
	if err := m.ensureActive(ctx, r); err != nil {
		return err
	}
	return m.config.Supervisor.Shell(ctx, systemd.ShellOptions{
		Machine:  r.Name,
		Env:      shellEnv(r),
		Launcher: true,
		Quiet:    true,
		Args:     args,
	})
}

// LaunchTerminal opens an interactive shell inside the realm, starting
// it first if needed.
func (m *Manager) LaunchTerminal(ctx context.Context, r *realm.Realm) error {
	if err := m.ensureActive(ctx, r); err != nil {
		return err
	}
	return m.config.Supervisor.Shell(ctx, systemd.ShellOptions{
		Machine: r.Name,
		Env:     shellEnv(r),
	})
}

// Rescan re-reads the realm definitions and reconciles the collection:
// new definitions emit New, vanished ones emit Removed, and changed
// configurations replace the stored realm in place. When the current
// realm's definition vanishes the pointer is cleared and Current(nil)
// is emitted.
func (m *Manager) Rescan() error {
	loaded, err := realm.LoadRealms(m.config.RealmsDir)
	if err != nil {
		return err
	}

	incoming := make(map[string]*realm.Realm, len(loaded))
	for _, r := range loaded {
		incoming[r.Name] = r
	}

	var added, removed []*realm.Realm
	clearedCurrent := false
	m.mu.Lock()
	for name, r := range incoming {
		if _, known := m.realms[name]; !known {
			added = append(added, r)
		}
		m.realms[name] = r
	}
	for name, r := range m.realms {
		if _, still := incoming[name]; !still {
			removed = append(removed, r)
			delete(m.realms, name)
			if m.current == name {
				m.current = ""
				clearedCurrent = true
			}
		}
	}
	m.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	for _, r := range added {
		m.logger.Info("realm discovered", "realm", r.Name)
		m.emit(Event{Type: EventNew, Realm: r})
	}
	for _, r := range removed {
		m.logger.Info("realm removed", "realm", r.Name)
		m.emit(Event{Type: EventRemoved, Realm: r})
	}
	if clearedCurrent {
		m.emit(Event{Type: EventCurrent, Realm: nil})
	}
	return nil
}
