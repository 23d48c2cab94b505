// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package netzone

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// zonesFile is the YAML shape of a zone configuration file:
//
//	zones:
//	  clear: 172.17.0.0/24
//	  vpn: 172.18.0.0/24
type zonesFile struct {
	Zones map[string]string `yaml:"zones"`
}

// DefaultZones returns the built-in zone table used when no zones file
// is configured: a single "clear" zone for unmodified host networking.
func DefaultZones() map[string]netip.Prefix {
	return map[string]netip.Prefix{
		"clear": netip.MustParsePrefix("172.17.0.0/24"),
	}
}

// ParseZones parses zone configuration from YAML.
func ParseZones(data []byte) (map[string]netip.Prefix, error) {
	var file zonesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing zones: %w", err)
	}
	if len(file.Zones) == 0 {
		return nil, fmt.Errorf("zones file defines no zones")
	}

	zones := make(map[string]netip.Prefix, len(file.Zones))
	for name, cidr := range file.Zones {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("zone %q: invalid subnet %q: %w", name, cidr, err)
		}
		zones[name] = prefix
	}
	return zones, nil
}

// LoadZones reads and parses a zone configuration file.
func LoadZones(path string) (map[string]netip.Prefix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zones file: %w", err)
	}
	return ParseZones(data)
}
