// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. Fatal is the one
// legitimate raw-stderr pattern in the codebase: error reporting before
// the structured logger exists (flag parsing, config loading).
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 2. Use it in
// main() for errors from run() where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(2)
}
