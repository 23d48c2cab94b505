// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the warden CLI's command dispatch, help
// rendering, and the client for the daemon's control socket.
package cli
