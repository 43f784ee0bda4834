// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsck runs a repair-authorized consistency check against a
// backing device and interprets the tool's exit status. Exit codes are
// not portable across filesystem families (e2fsck and xfs_repair
// disagree about almost every value), so the mapping is table-driven
// per family. Codes absent from a family's table are treated as
// critical: guessing finer semantics for combined bit-flag codes has
// historically corrupted more data than it saved.
package fsck

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Kind categorizes a check result.
type Kind int

const (
	// Clean means no errors were found.
	Clean Kind = iota

	// Repaired means errors were found and corrected.
	Repaired

	// RebootRecommended means errors were corrected but the tool
	// advises a reboot before trusting the filesystem.
	RebootRecommended

	// Critical means the check failed, left errors behind, or returned
	// a code outside the family's table. The run must not remount.
	Critical
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Repaired:
		return "repaired"
	case RebootRecommended:
		return "reboot-recommended"
	case Critical:
		return "critical-failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the interpreted result of one check run.
type Outcome struct {
	// Kind is the result category.
	Kind Kind

	// Code is the raw tool exit status, preserved for the audit
	// record (most useful when Kind is Critical).
	Code int
}

// Fatal reports whether the outcome aborts the run.
func (o Outcome) Fatal() bool { return o.Kind == Critical }

// invocation describes how one filesystem family is checked.
type invocation struct {
	// command builds the argv for a repair-authorized check.
	command func(device string) []string

	// codes maps tool exit statuses to outcome kinds. Absent codes
	// are Critical.
	codes map[int]Kind
}

// fsckConventionCodes is the exit-status convention shared by the
// fsck(8) front end and the ext-family e2fsck: bit 0 = errors
// corrected, bit 1 = reboot required. Only the unambiguous values are
// mapped; combined or higher bits fall through to Critical.
var fsckConventionCodes = map[int]Kind{
	0: Clean,
	1: Repaired,
	2: RebootRecommended,
}

// families maps filesystem types to their check invocation. Types not
// listed use the generic fsck front end with the common convention.
var families = map[string]invocation{
	"ext2": {
		command: func(device string) []string { return []string{"e2fsck", "-f", "-y", device} },
		codes:   fsckConventionCodes,
	},
	"ext3": {
		command: func(device string) []string { return []string{"e2fsck", "-f", "-y", device} },
		codes:   fsckConventionCodes,
	},
	"ext4": {
		command: func(device string) []string { return []string{"e2fsck", "-f", "-y", device} },
		codes:   fsckConventionCodes,
	},
	"xfs": {
		// xfs_repair has no "check only" exit distinction: 0 covers
		// both clean and repaired, so the conservative reading is
		// Repaired. Everything else (1 = repair failed, 2 = dirty log)
		// is critical for an unattended run.
		command: func(device string) []string { return []string{"xfs_repair", device} },
		codes: map[int]Kind{
			0: Repaired,
		},
	},
	"vfat": {
		command: func(device string) []string { return []string{"fsck.fat", "-a", device} },
		codes: map[int]Kind{
			0: Clean,
			1: Repaired,
		},
	},
}

// genericInvocation checks any unlisted type via the fsck front end.
func genericInvocation(fstype string) invocation {
	return invocation{
		command: func(device string) []string {
			return []string{"fsck", "-y", "-t", fstype, device}
		},
		codes: fsckConventionCodes,
	}
}

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// Run executes name with args, honoring ctx cancellation.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Checker runs filesystem checks.
type Checker struct {
	runner Runner

	// timeout bounds one check run. Zero means unbounded: a repair on
	// a large filesystem can legitimately run for hours, so the bound
	// is opt-in.
	timeout time.Duration
}

// NewChecker returns a Checker that shells out to the family's repair
// tool. timeout bounds each check; zero means no bound.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{runner: ExecRunner{}, timeout: timeout}
}

// NewCheckerWithRunner returns a Checker using the given Runner.
// Intended for tests.
func NewCheckerWithRunner(runner Runner, timeout time.Duration) *Checker {
	return &Checker{runner: runner, timeout: timeout}
}

// Check runs a repair-authorized consistency check against device and
// interprets the exit status through the family table for fstype.
// The returned error is non-nil only when the tool could not be run at
// all; in that case the outcome is Critical with code -1.
func (c *Checker) Check(ctx context.Context, device, fstype string) (Outcome, error) {
	inv, ok := families[fstype]
	if !ok {
		inv = genericInvocation(fstype)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	argv := inv.command(device)
	output, err := c.runner.Run(ctx, argv[0], argv[1:]...)

	code := 0
	if err != nil {
		var coder interface{ ExitCode() int }
		if !errors.As(err, &coder) {
			return Outcome{Kind: Critical, Code: -1},
				fmt.Errorf("%s %s: %w (output: %s)",
					argv[0], device, err, strings.TrimSpace(string(output)))
		}
		code = coder.ExitCode()
	}

	kind, mapped := inv.codes[code]
	if !mapped {
		kind = Critical
	}
	return Outcome{Kind: kind, Code: code}, nil
}
