// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package systemd bridges realm lifecycle operations to the host
// service manager.
//
// The bridge shells out to systemctl for unit start/stop/query and to
// machinectl for in-container actions (skeleton copies, bind mounts,
// interactive shells). Both command paths are injectable so the
// manager's tests run without a host systemd.
package systemd
