// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types for the
// daemon's Unix socket protocol. Both cmd/warden-daemon and
// cmd/warden import this package so the wire types are defined once
// rather than mirrored.
package ipc
