// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package realm defines the realm entity and the manager that drives
// realm lifecycle transitions.
//
// A realm is an isolated execution environment: a lightweight OS
// container with its own root filesystem, optional network identity,
// and device grants. Realm definitions live on disk under a base
// directory (one realm-<name>/ directory each); the manager loads
// them, tracks which realm is current, and composes the network
// allocator, the launch-configuration builder, and the process
// supervisor bridge to start and stop realms.
package realm
