// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package systemd wraps the service-manager operations a maintenance
// run needs: querying unit enablement and activity, stopping and
// starting units with bounded waits, forced kills, and clearing failed
// state. Every external invocation goes through a Runner so tests can
// substitute a fake.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout reports that a stop or start request did not complete
// within its window. Callers use it to decide escalation: the stopper
// follows a timed-out stop with a forced kill, the restorer follows a
// timed-out start with a reset-failed and one retry.
var ErrTimeout = errors.New("systemd: operation timed out")

// Runner executes an external command and returns its combined output.
// The production implementation shells out; tests record invocations
// and script results.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// Run executes name with args, honoring ctx cancellation.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager performs unit operations via systemctl.
type Manager struct {
	runner Runner
}

// NewManager returns a Manager that shells out to systemctl.
func NewManager() *Manager {
	return &Manager{runner: ExecRunner{}}
}

// NewManagerWithRunner returns a Manager using the given Runner.
// Intended for tests.
func NewManagerWithRunner(runner Runner) *Manager {
	return &Manager{runner: runner}
}

// IsEnabled reports whether the unit is configured to start at boot.
// A non-zero systemctl exit means "not enabled" (disabled, masked,
// static, or unknown unit) and is not an error; only a failure to run
// systemctl at all is.
func (m *Manager) IsEnabled(ctx context.Context, unit string) (bool, error) {
	return m.queryFlag(ctx, unit, "is-enabled")
}

// IsActive reports whether the unit is currently running.
func (m *Manager) IsActive(ctx context.Context, unit string) (bool, error) {
	return m.queryFlag(ctx, unit, "is-active")
}

func (m *Manager) queryFlag(ctx context.Context, unit, verb string) (bool, error) {
	output, err := m.runner.Run(ctx, "systemctl", verb, "--quiet", unit)
	if err == nil {
		return true, nil
	}
	// A non-zero exit (exec.ExitError or any error carrying an exit
	// code) is a definitive "no" from systemctl, not a query failure.
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return false, nil
	}
	return false, fmt.Errorf("systemctl %s %s: %w (output: %s)",
		verb, unit, err, strings.TrimSpace(string(output)))
}

// Stop requests a graceful stop of the unit, waiting at most timeout.
// Returns ErrTimeout if the window elapses before systemctl returns.
func (m *Manager) Stop(ctx context.Context, unit string, timeout time.Duration) error {
	return m.timedVerb(ctx, unit, "stop", timeout)
}

// Start requests a start of the unit, waiting at most timeout.
// Returns ErrTimeout if the window elapses before systemctl returns.
func (m *Manager) Start(ctx context.Context, unit string, timeout time.Duration) error {
	return m.timedVerb(ctx, unit, "start", timeout)
}

func (m *Manager) timedVerb(ctx context.Context, unit, verb string, timeout time.Duration) error {
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := m.runner.Run(bounded, "systemctl", verb, unit)
	if err == nil {
		return nil
	}
	if bounded.Err() == context.DeadlineExceeded {
		return fmt.Errorf("systemctl %s %s after %v: %w", verb, unit, timeout, ErrTimeout)
	}
	return fmt.Errorf("systemctl %s %s: %w (output: %s)",
		verb, unit, err, strings.TrimSpace(string(output)))
}

// Kill sends SIGKILL to every process of the unit. Used as the
// escalation after a graceful stop times out.
func (m *Manager) Kill(ctx context.Context, unit string) error {
	output, err := m.runner.Run(ctx, "systemctl", "kill", "-s", "SIGKILL", unit)
	if err != nil {
		return fmt.Errorf("systemctl kill %s: %w (output: %s)",
			unit, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ResetFailed clears the unit's failed-state marker so a retry of
// Start is not rejected by start-limit accounting.
func (m *Manager) ResetFailed(ctx context.Context, unit string) error {
	output, err := m.runner.Run(ctx, "systemctl", "reset-failed", unit)
	if err != nil {
		return fmt.Errorf("systemctl reset-failed %s: %w (output: %s)",
			unit, err, strings.TrimSpace(string(output)))
	}
	return nil
}
