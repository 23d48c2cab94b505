// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// DefinitionFile is the name of the per-realm definition file inside a
// realm directory.
const DefinitionFile = "realm.jsonc"

// realmDirPrefix is the naming convention for realm directories under
// the realms base directory.
const realmDirPrefix = "realm-"

// Config is a realm's capability and feature set, loaded from the
// realm's definition file. The file is JSONC: JSON extended with //
// line comments, /* block comments */, and trailing commas, so
// operators can annotate why a realm has a grant.
type Config struct {
	// KVM grants access to /dev/kvm for nested virtualization.
	KVM bool `json:"kvm"`

	// GPU grants the GPU render node; GPUCard0 additionally grants the
	// card node (needed for modesetting, implies wider access).
	GPU      bool `json:"gpu"`
	GPUCard0 bool `json:"gpu_card0"`

	// Sound, X11, and Wayland expose the host audio and display
	// sockets read-only.
	Sound   bool `json:"sound"`
	X11     bool `json:"x11"`
	Wayland bool `json:"wayland"`

	// Network enables allocator-managed networking in NetworkZone.
	// When false the realm gets a private, disconnected network.
	Network     bool   `json:"network"`
	NetworkZone string `json:"network_zone"`

	// ReservedIP pins the realm to a fixed address inside the zone.
	ReservedIP string `json:"reserved_ip,omitempty"`

	// Netns names an externally managed network namespace (for VPN
	// setups). Mutually exclusive with allocator-managed networking:
	// the service descriptor passes the namespace path instead.
	Netns string `json:"netns,omitempty"`

	// EphemeralHome reconstructs /home/user from skeletons on every
	// start instead of binding the persistent home.
	EphemeralHome bool `json:"ephemeral_home"`

	// EphemeralPersistentDirs lists relative paths inside the home to
	// persist across ephemeral resets.
	EphemeralPersistentDirs []string `json:"ephemeral_persistent_dirs,omitempty"`

	// SharedDir binds the host-wide shared directory into the home.
	SharedDir bool `json:"shared_dir"`

	// ReadOnlyRootfs mounts the root filesystem read-only with a
	// writable overlay over /var.
	ReadOnlyRootfs bool `json:"readonly_rootfs"`

	// ExtraBindMounts and ExtraBindMountsRO are additional bind specs
	// in nspawn Bind= syntax (source[:dest]).
	ExtraBindMounts   []string `json:"extra_bindmounts,omitempty"`
	ExtraBindMountsRO []string `json:"extra_bindmounts_ro,omitempty"`
}

// DefaultConfig returns the configuration applied before a definition
// file is merged over it. A realm with an empty definition file gets
// zone networking, desktop sockets, and the shared directory.
func DefaultConfig() Config {
	return Config{
		Sound:       true,
		X11:         true,
		Wayland:     true,
		Network:     true,
		NetworkZone: "clear",
		SharedDir:   true,
	}
}

// ParseConfig parses a JSONC realm definition, merging it over the
// defaults.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return Config{}, fmt.Errorf("parsing realm definition: %w", err)
	}
	return config, nil
}

// LoadRealm loads one realm from its directory. The directory's base
// name must follow the realm-<name> convention.
func LoadRealm(dir string) (*Realm, error) {
	base := filepath.Base(dir)
	if !strings.HasPrefix(base, realmDirPrefix) {
		return nil, fmt.Errorf("realm directory %q does not match %s<name>", dir, realmDirPrefix)
	}
	name := strings.TrimPrefix(base, realmDirPrefix)

	data, err := os.ReadFile(filepath.Join(dir, DefinitionFile))
	if err != nil {
		return nil, fmt.Errorf("realm %q: reading definition: %w", name, err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("realm %q: %w", name, err)
	}

	loaded := &Realm{Name: name, Dir: dir, Config: config}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("realm %q: %w", name, err)
	}
	return loaded, nil
}

// LoadRealms enumerates realm definitions under the realms base
// directory. Directories without a definition file are skipped
// silently (a realm mid-creation has its directory before its
// definition); malformed definitions fail the load so a typo cannot
// silently drop a realm's device restrictions.
func LoadRealms(realmsDir string) ([]*Realm, error) {
	entries, err := os.ReadDir(realmsDir)
	if err != nil {
		return nil, fmt.Errorf("reading realms directory: %w", err)
	}

	var realms []*Realm
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), realmDirPrefix) {
			continue
		}
		dir := filepath.Join(realmsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, DefinitionFile)); err != nil {
			continue
		}
		loaded, err := LoadRealm(dir)
		if err != nil {
			return nil, err
		}
		realms = append(realms, loaded)
	}

	sort.Slice(realms, func(i, j int) bool { return realms[i].Name < realms[j].Name })
	return realms, nil
}
