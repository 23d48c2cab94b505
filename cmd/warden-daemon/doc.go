// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// warden-daemon is the realm orchestration daemon. It discovers realm
// definitions, generates launch configuration, drives the host service
// manager, and serves the CBOR control socket that the warden CLI and
// the desktop shell talk to.
package main
