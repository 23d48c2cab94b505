// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR encoding and decoding.
//
// All control-protocol messages between warden-daemon and its clients
// are CBOR-encoded with Core Deterministic Encoding, so the same
// logical message always produces identical bytes on the wire.
package codec
