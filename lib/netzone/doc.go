// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package netzone manages per-zone network address pools for realms.
//
// A zone is a named network segment with its own IPv4 subnet. Realms
// configured for the same zone draw addresses from the same pool. The
// allocator is the only mutable state shared between concurrent realm
// lifecycle operations, so every read and write happens under one
// exclusive lock across all zones. Allocation is not a hot path; the
// coarse lock keeps the invariants easy to verify.
package netzone
