// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default locations for generated descriptors. Both live under /run:
// launch configuration is regenerated on every start and never
// persists across host boots.
const (
	DefaultNspawnDir = "/run/systemd/nspawn"
	DefaultUnitDir   = "/run/systemd/system"
)

// ServiceName returns the unit name for a realm's container service.
func ServiceName(realmName string) string {
	return "realm-" + realmName + ".service"
}

// NspawnName returns the file name of a realm's container descriptor.
func NspawnName(realmName string) string {
	return realmName + ".nspawn"
}

// WriteFiles writes both descriptors for a realm, creating the target
// directories if needed. Descriptors are world-readable; they contain
// no secrets and the supervisor reads them as root anyway.
func WriteFiles(nspawnDir, unitDir, realmName string, files *Files) error {
	if err := writeFile(filepath.Join(nspawnDir, NspawnName(realmName)), files.Nspawn); err != nil {
		return fmt.Errorf("writing nspawn descriptor: %w", err)
	}
	if err := writeFile(filepath.Join(unitDir, ServiceName(realmName)), files.Service); err != nil {
		return fmt.Errorf("writing service descriptor: %w", err)
	}
	return nil
}

// RemoveFiles removes a realm's descriptors. Missing files are not an
// error: removal runs on every stop path, including stops that race a
// failed start.
func RemoveFiles(nspawnDir, unitDir, realmName string) error {
	for _, path := range []string{
		filepath.Join(nspawnDir, NspawnName(realmName)),
		filepath.Join(unitDir, ServiceName(realmName)),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing descriptor %s: %w", path, err)
		}
	}
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
