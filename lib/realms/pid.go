// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realms

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/warden-os/warden/lib/realm"
)

// realmUnitPattern extracts the realm name from a cgroup path segment
// like ".../realm-work.service/payload".
var realmUnitPattern = regexp.MustCompile(`/realm-([a-zA-Z0-9][a-zA-Z0-9_-]*)\.service`)

// RealmByPid resolves which realm a host process belongs to by reading
// its cgroup membership. Processes inside a realm run under the
// realm-<name>.service unit, which appears in the cgroup path. Returns
// nil (without error) when the process exists but belongs to no known
// realm.
func (m *Manager) RealmByPid(pid int) (*realm.Realm, error) {
	path := filepath.Join(m.procRoot, strconv.Itoa(pid), "cgroup")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cgroup of pid %d: %w", pid, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		match := realmUnitPattern.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		if r, ok := m.RealmByName(match[1]); ok {
			return r, nil
		}
	}
	return nil, nil
}
