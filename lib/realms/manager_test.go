// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realms

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/warden-os/warden/lib/netzone"
	"github.com/warden-os/warden/lib/realm"
	"github.com/warden-os/warden/lib/systemd"
)

// fakeSupervisor tracks unit activity in memory and records every
// call, so lifecycle tests run without a host service manager.
type fakeSupervisor struct {
	mu        sync.Mutex
	active    map[string]bool
	startErr  error
	stopErr   error
	reloadErr error

	reloads   int
	starts    []string
	stops     []string
	shells    []systemd.ShellOptions
	ephemeral []systemd.EphemeralHome
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{active: make(map[string]bool)}
}

func (f *fakeSupervisor) Start(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, unit)
	if f.startErr != nil {
		return f.startErr
	}
	f.active[unit] = true
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, unit)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.active[unit] = false
	return nil
}

func (f *fakeSupervisor) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeSupervisor) IsActive(_ context.Context, unit string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[unit]
}

func (f *fakeSupervisor) BulkIsActive(_ context.Context, units []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]string, len(units))
	for i, unit := range units {
		if f.active[unit] {
			states[i] = "active"
		} else {
			states[i] = "inactive"
		}
	}
	return states
}

func (f *fakeSupervisor) SetupEphemeralHome(_ context.Context, spec systemd.EphemeralHome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemeral = append(f.ephemeral, spec)
}

func (f *fakeSupervisor) Shell(_ context.Context, opts systemd.ShellOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shells = append(f.shells, opts)
	return nil
}

// writeRealm drops a realm definition under the realms directory.
func writeRealm(t *testing.T, realmsDir, name, definition string) {
	t.Helper()
	dir := filepath.Join(realmsDir, "realm-"+name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, realm.DefinitionFile), []byte(definition), 0644); err != nil {
		t.Fatal(err)
	}
}

type testEnv struct {
	manager    *Manager
	supervisor *fakeSupervisor
	allocator  *netzone.Allocator
	realmsDir  string
	nspawnDir  string
	unitDir    string
}

func newTestEnv(t *testing.T, definitions map[string]string) *testEnv {
	t.Helper()
	base := t.TempDir()
	realmsDir := filepath.Join(base, "realms")
	if err := os.MkdirAll(realmsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, definition := range definitions {
		writeRealm(t, realmsDir, name, definition)
	}

	allocator, err := netzone.NewAllocator(netzone.DefaultZones())
	if err != nil {
		t.Fatal(err)
	}
	supervisor := newFakeSupervisor()

	manager, err := NewManager(ManagerConfig{
		RealmsDir:  realmsDir,
		Rootfs:     filepath.Join(base, "rootfs"),
		NspawnDir:  filepath.Join(base, "nspawn"),
		UnitDir:    filepath.Join(base, "units"),
		Allocator:  allocator,
		Supervisor: supervisor,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testEnv{
		manager:    manager,
		supervisor: supervisor,
		allocator:  allocator,
		realmsDir:  realmsDir,
		nspawnDir:  filepath.Join(base, "nspawn"),
		unitDir:    filepath.Join(base, "units"),
	}
}

func (e *testEnv) realm(t *testing.T, name string) *realm.Realm {
	t.Helper()
	r, ok := e.manager.RealmByName(name)
	if !ok {
		t.Fatalf("realm %q not loaded", name)
	}
	return r
}

func collectEvents(m *Manager) *[]Event {
	var events []Event
	var mu sync.Mutex
	m.AddHandler(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	return &events
}

func TestStartRealm(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	events := collectEvents(env.manager)
	r := env.realm(t, "work")

	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatalf("StartRealm: %v", err)
	}

	if !env.supervisor.IsActive(context.Background(), "realm-work.service") {
		t.Error("service not active after start")
	}
	if env.supervisor.reloads != 1 {
		t.Errorf("reloads = %d, want 1", env.supervisor.reloads)
	}
	for _, path := range []string{
		filepath.Join(env.nspawnDir, "work.nspawn"),
		filepath.Join(env.unitDir, "realm-work.service"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("descriptor missing: %s", path)
		}
	}
	if _, ok := env.allocator.AllocationFor("clear", "work"); !ok {
		t.Error("no address allocated")
	}
	if len(*events) != 1 || (*events)[0].Type != EventStarted {
		t.Errorf("events = %v, want one Started", *events)
	}
}

func TestStartRealmIdempotent(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	r := env.realm(t, "work")

	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if len(env.supervisor.starts) != 1 {
		t.Errorf("starts = %v, want a single invocation", env.supervisor.starts)
	}
}

func TestStartRealmFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	env.supervisor.startErr = errors.New("exit status 1")
	r := env.realm(t, "work")

	if err := env.manager.StartRealm(context.Background(), r); err == nil {
		t.Fatal("expected error")
	}

	if _, ok := env.allocator.AllocationFor("clear", "work"); ok {
		t.Error("allocation leaked after failed start")
	}
	if _, err := os.Stat(filepath.Join(env.unitDir, "realm-work.service")); !os.IsNotExist(err) {
		t.Error("service descriptor left behind after failed start")
	}

	// After the failure is fixed the realm starts cleanly.
	env.supervisor.startErr = nil
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestStartRealmEphemeralHome(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"burner": `{"ephemeral_home": true, "ephemeral_persistent_dirs": ["Documents"]}`,
	})
	r := env.realm(t, "burner")

	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if len(env.supervisor.ephemeral) != 1 {
		t.Fatalf("ephemeral setups = %d, want 1", len(env.supervisor.ephemeral))
	}
	spec := env.supervisor.ephemeral[0]
	if spec.Machine != "burner" || len(spec.PersistentDirs) != 1 || spec.PersistentDirs[0] != "Documents" {
		t.Errorf("ephemeral spec = %+v", spec)
	}
}

func TestStopRealm(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	r := env.realm(t, "work")
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetCurrentRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	events := collectEvents(env.manager)

	if err := env.manager.StopRealm(context.Background(), r); err != nil {
		t.Fatalf("StopRealm: %v", err)
	}

	if _, ok := env.allocator.AllocationFor("clear", "work"); ok {
		t.Error("allocation not freed")
	}
	if _, err := os.Stat(filepath.Join(env.nspawnDir, "work.nspawn")); !os.IsNotExist(err) {
		t.Error("nspawn descriptor left behind")
	}
	if env.manager.CurrentRealm() != nil {
		t.Error("current realm not cleared")
	}

	got := *events
	if len(got) != 2 || got[0].Type != EventStopped || got[1].Type != EventCurrent || got[1].Realm != nil {
		t.Errorf("events = %v, want Stopped then Current(nil)", got)
	}
}

func TestStopRealmFailureKeepsState(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	r := env.realm(t, "work")
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	env.supervisor.stopErr = errors.New("exit status 1")
	if err := env.manager.StopRealm(context.Background(), r); err == nil {
		t.Fatal("expected error")
	}
	// The service did not stop, so the allocation stays.
	if _, ok := env.allocator.AllocationFor("clear", "work"); !ok {
		t.Error("allocation freed although stop failed")
	}
}

func TestSetCurrentRealm(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}", "mail": "{}"})
	work := env.realm(t, "work")
	mail := env.realm(t, "mail")

	// A stopped realm cannot become current.
	if err := env.manager.SetCurrentRealm(context.Background(), work); err == nil {
		t.Fatal("expected error for stopped realm")
	}

	for _, r := range []*realm.Realm{work, mail} {
		if err := env.manager.StartRealm(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.manager.SetCurrentRealm(context.Background(), work); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetCurrentRealm(context.Background(), mail); err != nil {
		t.Fatal(err)
	}

	// At most one current: the pointer moved, it did not accumulate.
	if c := env.manager.CurrentRealm(); c == nil || c.Name != "mail" {
		t.Errorf("current = %v, want mail", c)
	}
	statuses := env.manager.List(context.Background())
	currents := 0
	for _, s := range statuses {
		if s.Status == realm.StatusCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Errorf("current count = %d, want 1", currents)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}", "mail": "{}", "dev": "{}"})
	work := env.realm(t, "work")
	if err := env.manager.StartRealm(context.Background(), work); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetCurrentRealm(context.Background(), work); err != nil {
		t.Fatal(err)
	}

	statuses := env.manager.List(context.Background())
	want := []RealmStatus{
		{Name: "dev", Status: realm.StatusNotRunning},
		{Name: "mail", Status: realm.StatusNotRunning},
		{Name: "work", Status: realm.StatusCurrent},
	}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = %+v, want %+v", i, statuses[i], want[i])
		}
	}
}

func TestRunInRealmStartsFirst(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"dev": `{"wayland": true, "x11": false}`,
	})
	r := env.realm(t, "dev")

	if err := env.manager.RunInRealm(context.Background(), r, []string{"make"}); err != nil {
		t.Fatalf("RunInRealm: %v", err)
	}

	if len(env.supervisor.starts) != 1 {
		t.Errorf("starts = %v, want implicit start", env.supervisor.starts)
	}
	if len(env.supervisor.shells) != 1 {
		t.Fatalf("shells = %d, want 1", len(env.supervisor.shells))
	}
	shell := env.supervisor.shells[0]
	if shell.Machine != "dev" || !shell.Launcher || len(shell.Args) != 1 || shell.Args[0] != "make" {
		t.Errorf("shell = %+v", shell)
	}
	// Background runs never attach the daemon's stdio.
	if !shell.Quiet {
		t.Error("run session not quiet")
	}
	env.assertEnv(t, shell.Env, "REALM_NAME=dev")
	env.assertEnv(t, shell.Env, "GDK_BACKEND=wayland")
}

func (e *testEnv) assertEnv(t *testing.T, env []string, want string) {
	t.Helper()
	for _, pair := range env {
		if pair == want {
			return
		}
	}
	t.Errorf("env = %v, missing %q", env, want)
}

func TestLaunchTerminal(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	r := env.realm(t, "work")
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if err := env.manager.LaunchTerminal(context.Background(), r); err != nil {
		t.Fatalf("LaunchTerminal: %v", err)
	}
	if len(env.supervisor.starts) != 1 {
		t.Errorf("starts = %v, want no extra start", env.supervisor.starts)
	}
	shell := env.supervisor.shells[0]
	if shell.Launcher || shell.Quiet || len(shell.Args) != 0 {
		t.Errorf("terminal shell = %+v, want interactive default", shell)
	}
}

func TestRescan(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	events := collectEvents(env.manager)

	writeRealm(t, env.realmsDir, "mail", "{}")
	if err := env.manager.Rescan(); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.manager.RealmByName("mail"); !ok {
		t.Error("new realm not picked up")
	}

	if err := os.RemoveAll(filepath.Join(env.realmsDir, "realm-work")); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Rescan(); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.manager.RealmByName("work"); ok {
		t.Error("removed realm still known")
	}

	got := *events
	if len(got) != 2 || got[0].Type != EventNew || got[0].Realm.Name != "mail" ||
		got[1].Type != EventRemoved || got[1].Realm.Name != "work" {
		t.Errorf("events = %v, want New(mail) then Removed(work)", got)
	}
}

func TestRescanClearsCurrentOfRemovedRealm(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})
	r := env.realm(t, "work")
	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetCurrentRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	events := collectEvents(env.manager)

	if err := os.RemoveAll(filepath.Join(env.realmsDir, "realm-work")); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Rescan(); err != nil {
		t.Fatal(err)
	}
	if env.manager.CurrentRealm() != nil {
		t.Error("current realm points at a removed realm")
	}

	// Subscribers see the pointer clear, not just the removal.
	got := *events
	if len(got) != 2 || got[0].Type != EventRemoved || got[0].Realm.Name != "work" ||
		got[1].Type != EventCurrent || got[1].Realm != nil {
		t.Errorf("events = %v, want Removed(work) then Current(nil)", got)
	}
}

func TestRealmByPid(t *testing.T) {
	env := newTestEnv(t, map[string]string{"work": "{}"})

	procRoot := t.TempDir()
	writeCgroup := func(pid int, content string) {
		dir := filepath.Join(procRoot, "42")
		if pid != 42 {
			dir = filepath.Join(procRoot, "99")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	writeCgroup(42, "0::/machine.slice/realm-work.service/payload\n")
	writeCgroup(99, "0::/user.slice/user-1000.slice/session-2.scope\n")
	env.manager.procRoot = procRoot

	r, err := env.manager.RealmByPid(42)
	if err != nil {
		t.Fatalf("RealmByPid: %v", err)
	}
	if r == nil || r.Name != "work" {
		t.Errorf("realm = %v, want work", r)
	}

	r, err = env.manager.RealmByPid(99)
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Errorf("realm = %v, want nil for host process", r)
	}

	if _, err := env.manager.RealmByPid(12345); err == nil {
		t.Error("expected error for unknown pid")
	}
}

func TestNetnsRealmSkipsAllocation(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"vpn": `{"netns": "vpn0"}`,
	})
	r := env.realm(t, "vpn")

	if err := env.manager.StartRealm(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.allocator.AllocationFor("clear", "vpn"); ok {
		t.Error("netns realm must not allocate a zone address")
	}
}
