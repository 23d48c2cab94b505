// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
)

// Status is the derived runtime state of a realm. It is never stored:
// every query re-derives it from the process supervisor and the
// manager's current pointer.
type Status uint8

const (
	// StatusNotRunning means the realm's service is not active.
	StatusNotRunning Status = 0

	// StatusRunning means the service is active but the realm is not
	// the current one.
	StatusRunning Status = 1

	// StatusCurrent means the service is active and the realm is the
	// current (foreground) realm. At most one realm has this status.
	StatusCurrent Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCurrent:
		return "current"
	default:
		return "stopped"
	}
}

// Realm is one isolated execution environment. The name doubles as the
// container hostname and machine name, so it is restricted to a
// hostname-safe character set.
type Realm struct {
	// Name is the unique stable identifier.
	Name string

	// Dir is the realm's base directory (<realms-dir>/realm-<name>),
	// holding the definition file, the persistent home, and the
	// optional per-realm skeleton.
	Dir string

	// Config is the realm's capability and feature set.
	Config Config
}

// Home returns the realm's persistent home directory on the host.
func (r *Realm) Home() string {
	return filepath.Join(r.Dir, "home")
}

// Skel returns the realm's per-realm skeleton directory, copied into a
// freshly created ephemeral home.
func (r *Realm) Skel() string {
	return filepath.Join(r.Dir, "skel")
}

// ServiceName returns the systemd unit name for the realm's container
// service.
func (r *Realm) ServiceName() string {
	return "realm-" + r.Name + ".service"
}

// validName matches hostname-safe realm names.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the realm's name and configuration for problems that
// would produce broken or ambiguous launch configuration.
func (r *Realm) Validate() error {
	if !validName.MatchString(r.Name) {
		return fmt.Errorf("realm name %q is not a valid hostname", r.Name)
	}
	return r.Config.Validate()
}

// Validate checks the configuration for internal conflicts.
func (c *Config) Validate() error {
	if c.Netns != "" && c.ReservedIP != "" {
		return fmt.Errorf("netns %q and reserved_ip %q are mutually exclusive", c.Netns, c.ReservedIP)
	}
	if c.ReservedIP != "" {
		addr, err := netip.ParseAddr(c.ReservedIP)
		if err != nil {
			return fmt.Errorf("invalid reserved_ip %q: %w", c.ReservedIP, err)
		}
		if !addr.Is4() {
			return fmt.Errorf("reserved_ip %q is not IPv4", c.ReservedIP)
		}
	}
	if c.Network && c.Netns == "" && c.NetworkZone == "" {
		return fmt.Errorf("network is enabled but no network_zone is set")
	}
	return nil
}

// ReservedAddr returns the parsed reserved address, if configured.
// Validate has already checked the syntax.
func (c *Config) ReservedAddr() (netip.Addr, bool) {
	if c.ReservedIP == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(c.ReservedIP)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
