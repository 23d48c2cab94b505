// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package realms coordinates the realm collection: discovery of
// definitions, lifecycle transitions (start, stop, current), address
// allocation, and lifecycle event fan-out. Package realm holds the
// per-realm definition; this package holds the manager over all of
// them.
package realms
