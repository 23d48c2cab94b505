// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch generates the launch configuration for a realm: the
// systemd-nspawn descriptor and the service unit that supervises the
// container.
//
// Generation is a pure transformation from a realm's configuration and
// its resolved network parameters to two textual artifacts. The only
// host interaction is probing for device nodes and socket paths, and
// those probes are injectable so tests run without the host devices.
// Wrong bind mounts or device grants here are a sandbox integrity
// failure, not just a bug, so the section order is fixed and every
// user-supplied bind spec is validated before it reaches a descriptor.
package launch
