// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError carries a process exit code out of a command handler
// without an extra error message. The maintenance run uses it: a
// non-zero exit (restore failure, interrupt) is a reported outcome,
// not an error to print twice.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode lets main distinguish a handled non-zero exit from an
// unexpected error.
func (e *ExitError) ExitCode() int {
	return e.Code
}
