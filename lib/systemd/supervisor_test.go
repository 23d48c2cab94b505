// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records every invocation and replies from a canned table
// keyed on the joined argv.
type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	fail    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		fail:    make(map[string]error),
	}
}

func (f *fakeRunner) run(_ context.Context, argv ...string) ([]byte, error) {
	f.calls = append(f.calls, argv)
	key := strings.Join(argv, " ")
	if err, ok := f.fail[key]; ok {
		return []byte(f.outputs[key]), err
	}
	return []byte(f.outputs[key]), nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, argv := range f.calls {
		if strings.HasPrefix(strings.Join(argv, " "), prefix) {
			return true
		}
	}
	return false
}

func testSupervisor(runner *fakeRunner) *Supervisor {
	s := New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	s.SetRunners(runner.run, func(ctx context.Context, argv ...string) error {
		_, err := runner.run(ctx, argv...)
		return err
	})
	return s
}

func TestStartStop(t *testing.T) {
	runner := newFakeRunner()
	s := testSupervisor(runner)

	if err := s.Start(context.Background(), "realm-work.service"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !runner.called("/usr/bin/systemctl start realm-work.service") {
		t.Errorf("systemctl start not invoked: %v", runner.calls)
	}

	if err := s.Stop(context.Background(), "realm-work.service"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !runner.called("/usr/bin/systemctl stop realm-work.service") {
		t.Errorf("systemctl stop not invoked: %v", runner.calls)
	}
}

func TestStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["/usr/bin/systemctl start realm-bad.service"] = errors.New("exit status 1")
	s := testSupervisor(runner)

	err := s.Start(context.Background(), "realm-bad.service")
	if err == nil {
		t.Fatal("expected error")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if cmdErr.Op != "start" || cmdErr.Unit != "realm-bad.service" {
		t.Errorf("CommandError = %+v", cmdErr)
	}
}

func TestIsActive(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["/usr/bin/systemctl --quiet is-active realm-down.service"] = errors.New("exit status 3")
	s := testSupervisor(runner)

	if !s.IsActive(context.Background(), "realm-up.service") {
		t.Error("expected active")
	}
	if s.IsActive(context.Background(), "realm-down.service") {
		t.Error("expected inactive")
	}
}

func TestBulkIsActive(t *testing.T) {
	runner := newFakeRunner()
	key := "/usr/bin/systemctl is-active realm-a.service realm-b.service realm-c.service"
	runner.outputs[key] = "active\ninactive\nfailed\n"
	// systemctl exits non-zero when any queried unit is inactive.
	runner.fail[key] = errors.New("exit status 3")
	s := testSupervisor(runner)

	states := s.BulkIsActive(context.Background(),
		[]string{"realm-a.service", "realm-b.service", "realm-c.service"})
	want := []string{"active", "inactive", "failed"}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestBulkIsActiveSpawnFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["/usr/bin/systemctl is-active realm-a.service"] = errors.New("no such binary")
	s := testSupervisor(runner)

	states := s.BulkIsActive(context.Background(), []string{"realm-a.service"})
	if states[0] != "unknown" {
		t.Errorf("state = %q, want unknown", states[0])
	}
}

func TestShellArgv(t *testing.T) {
	runner := newFakeRunner()
	s := testSupervisor(runner)

	err := s.Shell(context.Background(), ShellOptions{
		Machine:  "work",
		Env:      []string{"REALM_NAME=work", "GDK_BACKEND=wayland"},
		Launcher: true,
		Args:     []string{"firefox"},
	})
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}

	want := "/usr/bin/machinectl --quiet --setenv=REALM_NAME=work --setenv=GDK_BACKEND=wayland shell user@work /usr/libexec/launch firefox"
	if !runner.called(want) {
		t.Errorf("argv = %v, want %q", runner.calls, want)
	}
}

func TestShellDefaultsToBash(t *testing.T) {
	runner := newFakeRunner()
	s := testSupervisor(runner)

	if err := s.Shell(context.Background(), ShellOptions{Machine: "work"}); err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if !runner.called("/usr/bin/machinectl --quiet shell user@work /bin/bash") {
		t.Errorf("argv = %v", runner.calls)
	}
}

func TestSetupEphemeralHome(t *testing.T) {
	base := t.TempDir()
	globalSkel := filepath.Join(base, "skel")
	home := filepath.Join(base, "home")
	for _, dir := range []string{globalSkel, filepath.Join(home, "Documents")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	runner := newFakeRunner()
	s := testSupervisor(runner)

	s.SetupEphemeralHome(context.Background(), EphemeralHome{
		Machine:        "burner",
		GlobalSkel:     globalSkel,
		RealmSkel:      filepath.Join(base, "absent-skel"),
		Home:           home,
		PersistentDirs: []string{"Documents", "Missing"},
	})

	if !runner.called(fmt.Sprintf("/usr/bin/machinectl copy-to burner %s /home/user", globalSkel)) {
		t.Errorf("global skeleton not copied: %v", runner.calls)
	}
	if runner.called(fmt.Sprintf("/usr/bin/machinectl copy-to burner %s", filepath.Join(base, "absent-skel"))) {
		t.Error("absent realm skeleton must be skipped")
	}
	if !runner.called("/usr/bin/machinectl --mkdir bind burner") {
		t.Errorf("persistent dir not bound: %v", runner.calls)
	}

	// The missing persistent dir is skipped without a bind.
	for _, argv := range runner.calls {
		if strings.Contains(strings.Join(argv, " "), "Missing") {
			t.Errorf("missing persistent dir must not be bound: %v", argv)
		}
	}
}

func TestResolvePersistentDirContainment(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "home")
	outside := filepath.Join(base, "outside")
	for _, dir := range []string{home, outside} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(home, "escape")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(home, "Documents"), 0755); err != nil {
		t.Fatal(err)
	}

	// A directory inside the home resolves to itself.
	resolved, err := resolvePersistentDir(home, "Documents")
	if err != nil {
		t.Fatalf("resolvePersistentDir: %v", err)
	}
	if !strings.HasSuffix(resolved, "Documents") {
		t.Errorf("resolved = %q", resolved)
	}

	// A symlink escaping the home is rejected.
	if _, err := resolvePersistentDir(home, "escape"); err == nil {
		t.Error("expected error for symlink escaping the home")
	}

	// A missing entry is skipped silently (empty path, no error).
	resolved, err = resolvePersistentDir(home, "nope")
	if err != nil || resolved != "" {
		t.Errorf("missing dir: resolved=%q err=%v, want empty and nil", resolved, err)
	}
}
