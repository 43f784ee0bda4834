// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package maintain is the orchestration core of a maintenance run: it
// snapshots service states, quiesces services in reverse configured
// order, releases and repairs the target mount, remounts it, and
// restores every service the snapshot recorded as active. The recovery
// controller guarantees restoration runs exactly once on every exit
// path: normal completion, fatal error, or external interrupt.
package maintain

import (
	"context"
	"time"

	"github.com/mountward/mountward/lib/fsck"
	"github.com/mountward/mountward/lib/mount"
)

// ServiceManager is the service-control surface the run consumes.
// Implemented by lib/systemd; faked in tests.
type ServiceManager interface {
	// IsEnabled reports whether the unit starts at boot.
	IsEnabled(ctx context.Context, unit string) (bool, error)

	// IsActive reports whether the unit is currently running.
	IsActive(ctx context.Context, unit string) (bool, error)

	// Stop gracefully stops the unit, waiting at most timeout.
	// Returns an error wrapping systemd.ErrTimeout when the window
	// elapses.
	Stop(ctx context.Context, unit string, timeout time.Duration) error

	// Start starts the unit, waiting at most timeout.
	Start(ctx context.Context, unit string, timeout time.Duration) error

	// Kill force-terminates the unit's processes.
	Kill(ctx context.Context, unit string) error

	// ResetFailed clears the unit's failed-state marker before a
	// start retry.
	ResetFailed(ctx context.Context, unit string) error
}

// MountControl is the mount-table surface the run consumes.
// Implemented by lib/mount.
type MountControl interface {
	// Inspect resolves the path's mount entry; zero descriptor when
	// the path is not a mount point.
	Inspect(ctx context.Context, path string) (mount.Descriptor, error)

	// Unmount releases the path normally.
	Unmount(ctx context.Context, path string) error

	// UnmountLazy detaches the path lazily (last-resort escalation).
	UnmountLazy(ctx context.Context, path string) error

	// Mount attaches device at path.
	Mount(ctx context.Context, device, fstype, options, path string) error

	// MountFallback mounts the tmpfs substitute at path.
	MountFallback(ctx context.Context, path string, spec mount.FallbackSpec) error

	// Verify confirms path is currently mounted.
	Verify(ctx context.Context, path string) error
}

// Checker runs the repair-authorized filesystem check. Implemented by
// lib/fsck.
type Checker interface {
	Check(ctx context.Context, device, fstype string) (fsck.Outcome, error)
}

// HolderResolver terminates processes keeping the mount busy.
// Implemented by lib/holders. Returns the number of processes
// signaled; enumeration and signaling failures are handled (logged)
// internally because they must not abort the release escalation.
type HolderResolver interface {
	TerminateHolders(ctx context.Context, path string) int
}
