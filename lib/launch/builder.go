// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/warden-os/warden/lib/realm"
)

// Host paths referenced by generated descriptors.
const (
	// sharedResourceDir is mounted read-only into every realm.
	sharedResourceDir = "/opt/share"

	// resolvConfSource is the host-managed DNS configuration, mapped
	// to /etc/resolv.conf inside the realm.
	resolvConfSource = "/storage/warden-state/resolv.conf"

	// sharedRealmsDir is the cross-realm shared directory, bound into
	// the home of realms that request it.
	sharedRealmsDir = "/realms/Shared"

	kvmDevice       = "/dev/kvm"
	gpuRenderDevice = "/dev/dri/renderD128"
	gpuCardDevice   = "/dev/dri/card0"

	pulseSocketDir = "/run/user/1000/pulse"
	x11SocketDir   = "/tmp/.X11-unix"
	waylandSocket  = "/run/user/1000/wayland-0"
)

// IntentionalExitStatus is the exit code a realm's init uses to signal
// a deliberate shutdown. The service unit treats it as success so the
// supervisor does not restart a realm the user shut down on purpose.
const IntentionalExitStatus = 133

// NetworkMode selects the network directive emitted into the nspawn
// descriptor.
type NetworkMode int

const (
	// ModePrivate gives the realm a disconnected private network.
	ModePrivate NetworkMode = iota

	// ModeZone gives the realm an allocator-assigned address in a
	// managed network zone.
	ModeZone

	// ModeNetns joins the realm to an externally managed network
	// namespace; the service unit passes the namespace path.
	ModeNetns
)

// Network carries the resolved network parameters for one start
// attempt. The manager resolves these from the allocator before the
// builder runs; the builder itself never allocates.
type Network struct {
	Mode    NetworkMode
	Zone    string
	Address netip.Addr
	Gateway netip.Addr
	Netns   string
}

// Options holds the inputs for building a realm's launch configuration.
type Options struct {
	// Realm is the realm to generate configuration for.
	Realm *realm.Realm

	// Network is the resolved network configuration.
	Network Network

	// Rootfs is the realm's root filesystem path, supplied by the
	// image layer.
	Rootfs string

	// DeviceProbe reports whether a device node exists on the host.
	// Defaults to a character-device stat check. Injectable for tests.
	DeviceProbe func(path string) bool

	// PathProbe reports whether a plain path exists on the host.
	// Defaults to os.Stat. Injectable for tests.
	PathProbe func(path string) bool
}

// Files is the pair of generated descriptors for one realm.
type Files struct {
	// Nspawn is the container descriptor (<name>.nspawn).
	Nspawn string

	// Service is the supervising unit descriptor (realm-<name>.service).
	Service string
}

// Builder generates launch configuration descriptors. Create one per
// start attempt: device presence is probed during Build and never
// cached across builds, since hardware availability can change
// between boots.
type Builder struct {
	devices []string
}

// NewBuilder creates a new builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build generates both descriptors from options. Output is
// deterministic for identical options and identical probe results.
func (b *Builder) Build(opts *Options) (*Files, error) {
	if opts.Realm == nil {
		return nil, fmt.Errorf("realm is required")
	}
	if opts.Rootfs == "" {
		return nil, fmt.Errorf("rootfs is required")
	}
	deviceProbe := opts.DeviceProbe
	if deviceProbe == nil {
		deviceProbe = devicePresent
	}
	pathProbe := opts.PathProbe
	if pathProbe == nil {
		pathProbe = pathPresent
	}

	b.devices = probeDevices(&opts.Realm.Config, deviceProbe)

	nspawn, err := b.nspawnFile(opts, pathProbe)
	if err != nil {
		return nil, err
	}

	return &Files{
		Nspawn:  nspawn,
		Service: b.serviceFile(opts),
	}, nil
}

// probeDevices resolves the realm's device grants against the host. A
// granted device whose node is absent is silently skipped, never an
// error: the realm simply starts without it.
func probeDevices(config *realm.Config, probe func(string) bool) []string {
	var devices []string
	add := func(path string) {
		if probe(path) {
			devices = append(devices, path)
		}
	}
	if config.KVM {
		add(kvmDevice)
	}
	if config.GPU {
		add(gpuRenderDevice)
		if config.GPUCard0 {
			add(gpuCardDevice)
		}
	}
	return devices
}

// nspawnFile composes the container descriptor. Section order is
// fixed; reordering would still be correct but would break descriptor
// determinism across versions.
func (b *Builder) nspawnFile(opts *Options, pathProbe func(string) bool) (string, error) {
	config := &opts.Realm.Config

	var s strings.Builder
	s.WriteString("[Exec]\n")
	s.WriteString("Boot=true\n")

	switch opts.Network.Mode {
	case ModeZone:
		fmt.Fprintf(&s, "Environment=IFCONFIG_IP=%s\n", opts.Network.Address)
		fmt.Fprintf(&s, "Environment=IFCONFIG_GW=%s\n", opts.Network.Gateway)
		s.WriteString("[Network]\n")
		fmt.Fprintf(&s, "Zone=%s\n", opts.Network.Zone)
	case ModePrivate:
		s.WriteString("[Network]\n")
		s.WriteString("Private=true\n")
	case ModeNetns:
		// The service unit passes --network-namespace-path instead.
	}

	s.WriteString("\n[Files]\n")
	fmt.Fprintf(&s, "BindReadOnly=%s\n", sharedResourceDir)
	fmt.Fprintf(&s, "BindReadOnly=%s:/etc/resolv.conf\n", resolvConfSource)

	if config.EphemeralHome {
		s.WriteString("TemporaryFileSystem=/home/user:mode=755,uid=1000,gid=1000\n")
	} else {
		fmt.Fprintf(&s, "Bind=%s:/home/user\n", opts.Realm.Home())
	}

	if config.SharedDir && pathProbe(sharedRealmsDir) {
		fmt.Fprintf(&s, "Bind=%s:/home/user/Shared\n", sharedRealmsDir)
	}

	for _, device := range b.devices {
		fmt.Fprintf(&s, "Bind=%s\n", device)
	}

	if config.Sound {
		fmt.Fprintf(&s, "BindReadOnly=%s:/run/user/host/pulse\n", pulseSocketDir)
	}
	if config.X11 {
		fmt.Fprintf(&s, "BindReadOnly=%s\n", x11SocketDir)
	}
	if config.Wayland {
		fmt.Fprintf(&s, "BindReadOnly=%s:/run/user/host/wayland-0\n", waylandSocket)
	}

	for _, bind := range config.ExtraBindMounts {
		if err := validateBindSpec(bind); err != nil {
			return "", fmt.Errorf("realm %q: %w", opts.Realm.Name, err)
		}
		fmt.Fprintf(&s, "Bind=%s\n", bind)
	}
	for _, bind := range config.ExtraBindMountsRO {
		if err := validateBindSpec(bind); err != nil {
			return "", fmt.Errorf("realm %q: %w", opts.Realm.Name, err)
		}
		fmt.Fprintf(&s, "BindReadOnly=%s\n", bind)
	}

	if config.ReadOnlyRootfs {
		s.WriteString("ReadOnly=true\n")
		s.WriteString("Overlay=+/var::/var\n")
	}

	return s.String(), nil
}

// serviceFile composes the supervising unit descriptor.
func (b *Builder) serviceFile(opts *Options) string {
	config := &opts.Realm.Config

	netnsArg := ""
	if config.Netns != "" {
		netnsArg = fmt.Sprintf(" --network-namespace-path=/run/netns/%s", config.Netns)
	}

	var s strings.Builder
	s.WriteString("[Unit]\n")
	fmt.Fprintf(&s, "Description=Warden realm %s\n", opts.Realm.Name)
	s.WriteString("\n[Service]\n")
	s.WriteString("DevicePolicy=closed\n")
	for _, device := range b.devices {
		fmt.Fprintf(&s, "DeviceAllow=%s\n", device)
	}
	s.WriteString("Environment=SYSTEMD_NSPAWN_SHARE_NS_IPC=1\n")
	fmt.Fprintf(&s, "ExecStart=/usr/bin/systemd-nspawn --quiet --notify-ready=yes --keep-unit%s --machine=%s --link-journal=auto --directory=%s\n",
		netnsArg, opts.Realm.Name, opts.Rootfs)
	s.WriteString("KillMode=mixed\n")
	s.WriteString("Type=notify\n")
	fmt.Fprintf(&s, "RestartForceExitStatus=%d\n", IntentionalExitStatus)
	fmt.Fprintf(&s, "SuccessExitStatus=%d\n", IntentionalExitStatus)
	return s.String()
}

// validateBindSpec rejects bind specs that could inject directives
// into the generated descriptor. nspawn descriptors are line-oriented,
// so an embedded newline would smuggle an arbitrary option.
func validateBindSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("empty bind mount spec")
	}
	if strings.ContainsAny(spec, "\n\r") {
		return fmt.Errorf("bind mount spec %q contains a line break", spec)
	}
	return nil
}

// devicePresent reports whether path exists and is a character device.
// A regular file squatting on a device path is not a device grant.
func devicePresent(path string) bool {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return false
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFCHR
}

// pathPresent reports whether path exists.
func pathPresent(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
