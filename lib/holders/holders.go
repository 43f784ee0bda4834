// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package holders identifies and terminates processes that keep the
// target mount point busy. It is invoked only after an unmount attempt
// has already failed: enumeration is best-effort, signaling is
// race-tolerant (a PID that exits between enumeration and signaling is
// skipped, not an error), and the caller owns the unmount retry.
package holders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mountward/mountward/lib/clock"
)

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

// Signaler sends signals to processes by PID. The production
// implementation is the kill(2) syscall; tests record calls.
type Signaler interface {
	Signal(pid int, sig unix.Signal) error
}

// KillSignaler signals processes via unix.Kill.
type KillSignaler struct{}

// Signal sends sig to pid.
func (KillSignaler) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Resolver terminates the processes holding a mount point open.
type Resolver struct {
	runner   Runner
	signaler Signaler
	clk      clock.Clock
	logger   *slog.Logger

	// grace is how long terminated holders get to release their file
	// handles before the caller retries the unmount.
	grace time.Duration
}

// NewResolver returns a production Resolver.
func NewResolver(logger *slog.Logger, grace time.Duration) *Resolver {
	return &Resolver{
		runner:   ExecRunner{},
		signaler: KillSignaler{},
		clk:      clock.Real(),
		logger:   logger,
		grace:    grace,
	}
}

// NewResolverWithDeps returns a Resolver with injected dependencies.
// Intended for tests.
func NewResolverWithDeps(runner Runner, signaler Signaler, clk clock.Clock, logger *slog.Logger, grace time.Duration) *Resolver {
	return &Resolver{
		runner:   runner,
		signaler: signaler,
		clk:      clk,
		logger:   logger,
		grace:    grace,
	}
}

// ListHolders enumerates the PIDs of processes holding references
// under path. An empty list with no error means the mount is (now)
// free. Enumeration failure returns an error; the caller logs it and
// proceeds, because a failed enumeration must not abort the release
// escalation.
func (r *Resolver) ListHolders(ctx context.Context, path string) ([]int, error) {
	output, err := r.runner.Run(ctx, "fuser", "-m", path)
	if err != nil {
		// fuser exits non-zero when no process holds the path.
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			return nil, nil
		}
		return nil, fmt.Errorf("fuser -m %s: %w", path, err)
	}
	return parseFuserPIDs(string(output)), nil
}

// parseFuserPIDs extracts PIDs from fuser output. fuser prints the
// path to stderr and PIDs to stdout, each possibly suffixed with an
// access-type letter ("1234c"); combined output is parsed leniently,
// keeping only tokens with a numeric prefix.
func parseFuserPIDs(output string) []int {
	var pids []int
	for _, token := range strings.Fields(output) {
		digits := token
		for i, r := range token {
			if r < '0' || r > '9' {
				digits = token[:i]
				break
			}
		}
		if digits == "" {
			continue
		}
		pid, err := strconv.Atoi(digits)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// TerminateHolders enumerates holders of path, sends each one a
// graceful termination signal, and waits the grace interval. PIDs that
// no longer exist when signaled are skipped: holder processes race
// with us, and a holder that already exited is a success, not an
// error. Returns the number of processes signaled.
func (r *Resolver) TerminateHolders(ctx context.Context, path string) int {
	pids, err := r.ListHolders(ctx, path)
	if err != nil {
		// Best-effort: a failed enumeration is logged, and the caller
		// proceeds straight to the unmount retry.
		r.logger.Warn("holder enumeration failed", "path", path, "error", err)
		return 0
	}
	if len(pids) == 0 {
		r.logger.Info("no holder processes found", "path", path)
		return 0
	}

	signaled := 0
	for _, pid := range pids {
		// Existence probe immediately before signaling: the PID may
		// have exited (or been recycled) since enumeration.
		if err := r.signaler.Signal(pid, 0); err != nil {
			r.logger.Info("holder already gone", "pid", pid)
			continue
		}
		if err := r.signaler.Signal(pid, unix.SIGTERM); err != nil {
			r.logger.Warn("signaling holder failed", "pid", pid, "error", err)
			continue
		}
		r.logger.Info("terminated holder process", "pid", pid, "path", path)
		signaled++
	}

	if signaled > 0 {
		r.logger.Info("waiting for holders to release file handles",
			"grace", r.grace, "signaled", signaled)
		r.clk.Sleep(r.grace)
	}
	return signaled
}
