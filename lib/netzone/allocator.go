// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package netzone

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// Allocation errors. Callers match with errors.Is; the wrapped error
// carries the zone and realm context.
var (
	// ErrZoneUnknown means the named zone has no configured pool.
	ErrZoneUnknown = errors.New("unknown network zone")

	// ErrPoolExhausted means the zone has no free address left.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrAddressInUse means a reserved address is held by another realm.
	ErrAddressInUse = errors.New("address already in use")

	// ErrOutOfRange means a reserved address is outside the zone subnet.
	ErrOutOfRange = errors.New("address outside zone subnet")
)

// zone is the allocation table for one network segment. The gateway is
// the first usable host address of the subnet and is never handed out.
type zone struct {
	prefix  netip.Prefix
	gateway netip.Addr
	byRealm map[string]netip.Addr
	inUse   map[netip.Addr]string // address -> realm holding it
}

// Allocator owns the per-zone address tables. All methods are safe for
// concurrent use; mutating operations serialize on a single lock.
//
// The tables live only as long as the process: they are rebuilt from
// scratch on every daemon start and repopulated as realms start.
type Allocator struct {
	mu    sync.Mutex
	zones map[string]*zone
}

// NewAllocator creates an allocator for the given zone subnets. Each
// subnet must be an IPv4 prefix wide enough to hold a gateway and at
// least one realm address.
func NewAllocator(subnets map[string]netip.Prefix) (*Allocator, error) {
	zones := make(map[string]*zone, len(subnets))
	for name, prefix := range subnets {
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("zone %q: subnet %s is not IPv4", name, prefix)
		}
		if prefix.Bits() > 30 {
			return nil, fmt.Errorf("zone %q: subnet %s too small for a gateway and realms", name, prefix)
		}
		prefix = prefix.Masked()
		zones[name] = &zone{
			prefix:  prefix,
			gateway: prefix.Addr().Next(),
			byRealm: make(map[string]netip.Addr),
			inUse:   make(map[netip.Addr]string),
		}
	}
	return &Allocator{zones: zones}, nil
}

// AllocateFor returns the realm's address in the zone, allocating the
// lowest free host address if the realm does not already hold one.
// Idempotent: a realm that already has an allocation gets the same
// address back.
func (a *Allocator) AllocateFor(zoneName, realm string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z, ok := a.zones[zoneName]
	if !ok {
		return netip.Addr{}, fmt.Errorf("zone %q: %w", zoneName, ErrZoneUnknown)
	}

	if addr, held := z.byRealm[realm]; held {
		return addr, nil
	}

	for addr := z.gateway.Next(); z.contains(addr); addr = addr.Next() {
		if _, taken := z.inUse[addr]; taken {
			continue
		}
		z.claim(realm, addr)
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("zone %q: %w", zoneName, ErrPoolExhausted)
}

// AllocateReserved claims a caller-specified address for the realm.
// Succeeds idempotently if the realm already holds the address, fails
// with ErrAddressInUse if a different realm holds it, and with
// ErrOutOfRange if the address is not a usable host address of the
// zone subnet.
func (a *Allocator) AllocateReserved(zoneName, realm string, addr netip.Addr) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z, ok := a.zones[zoneName]
	if !ok {
		return netip.Addr{}, fmt.Errorf("zone %q: %w", zoneName, ErrZoneUnknown)
	}

	if !z.contains(addr) || addr == z.gateway {
		return netip.Addr{}, fmt.Errorf("zone %q: address %s: %w", zoneName, addr, ErrOutOfRange)
	}

	if holder, taken := z.inUse[addr]; taken {
		if holder == realm {
			return addr, nil
		}
		return netip.Addr{}, fmt.Errorf("zone %q: address %s held by realm %q: %w",
			zoneName, addr, holder, ErrAddressInUse)
	}

	// A realm switching to a reserved address gives up any previous
	// allocation first so it never holds two addresses in one zone.
	if previous, held := z.byRealm[realm]; held {
		delete(z.inUse, previous)
	}
	z.claim(realm, addr)
	return addr, nil
}

// Gateway returns the zone's gateway address.
func (a *Allocator) Gateway(zoneName string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z, ok := a.zones[zoneName]
	if !ok {
		return netip.Addr{}, fmt.Errorf("zone %q: %w", zoneName, ErrZoneUnknown)
	}
	return z.gateway, nil
}

// Free releases the realm's allocation in the zone. Freeing a realm
// with no allocation, or naming an unknown zone, is a no-op: Free is
// called on every stop path and must not fail a stop that races a
// failed start.
func (a *Allocator) Free(zoneName, realm string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z, ok := a.zones[zoneName]
	if !ok {
		return
	}
	if addr, held := z.byRealm[realm]; held {
		delete(z.byRealm, realm)
		delete(z.inUse, addr)
	}
}

// AllocationFor reports the realm's current address in the zone, if any.
func (a *Allocator) AllocationFor(zoneName, realm string) (netip.Addr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z, ok := a.zones[zoneName]
	if !ok {
		return netip.Addr{}, false
	}
	addr, held := z.byRealm[realm]
	return addr, held
}

// Zones returns the configured zone names.
func (a *Allocator) Zones() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.zones))
	for name := range a.zones {
		names = append(names, name)
	}
	return names
}

func (z *zone) claim(realm string, addr netip.Addr) {
	z.byRealm[realm] = addr
	z.inUse[addr] = realm
}

// contains reports whether addr is a usable host address of the zone:
// inside the subnet and neither the network nor the broadcast address.
func (z *zone) contains(addr netip.Addr) bool {
	if !z.prefix.Contains(addr) {
		return false
	}
	return addr != z.prefix.Addr() && addr != broadcast(z.prefix)
}

// broadcast returns the highest address of an IPv4 prefix.
func broadcast(prefix netip.Prefix) netip.Addr {
	bytes := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	for i := 3; hostBits > 0 && i >= 0; i-- {
		take := hostBits
		if take > 8 {
			take = 8
		}
		bytes[i] |= byte(0xff >> (8 - take))
		hostBits -= take
	}
	return netip.AddrFrom4(bytes)
}
