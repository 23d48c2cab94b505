// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// warden is the operator CLI for the realm orchestration daemon. It
// lists realms, switches the current realm, starts and stops realms,
// and runs commands inside them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
