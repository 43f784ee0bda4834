// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package maintain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mountward/mountward/lib/clock"
	"github.com/mountward/mountward/lib/config"
	"github.com/mountward/mountward/lib/fsck"
	"github.com/mountward/mountward/lib/journal"
	"github.com/mountward/mountward/lib/mount"
)

// Phase is the recovery controller's state. The happy path is
// idle, snapshotting, stopping, repairing, restoring, done;
// an interrupt or fatal error in stopping or repairing jumps straight
// to restoring.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSnapshotting
	PhaseStopping
	PhaseRepairing
	PhaseRestoring
	PhaseDone
)

// String returns the phase name for logging.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSnapshotting:
		return "snapshotting"
	case PhaseStopping:
		return "stopping"
	case PhaseRepairing:
		return "repairing"
	case PhaseRestoring:
		return "restoring"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Process exit codes. Interrupt takes precedence over a fatal error,
// which takes precedence over restore failures: the earliest-classified
// abnormal condition describes the run.
const (
	// ExitSuccess: run completed and every critical service restored.
	// Covers the degraded (tmpfs fallback) outcome, which is reported
	// in the summary but is not a failure.
	ExitSuccess = 0

	// ExitRestoreFailed: run completed but one or more critical
	// services did not reach active state.
	ExitRestoreFailed = 1

	// ExitFatal: the repair or remount failed irrecoverably.
	ExitFatal = 2

	// ExitInterrupted: an external interrupt aborted the run.
	ExitInterrupted = 3
)

// errInterrupted is the internal sentinel carried from an interrupt
// checkpoint to the recovery path.
var errInterrupted = errors.New("maintenance run interrupted")

// Params is the per-run configuration of the controller.
type Params struct {
	// RunID tags the journal and log lines.
	RunID string

	// MountPoint is the target path.
	MountPoint string

	// Services is the configured service list, dependency order first.
	Services []config.Service

	// StopTimeout bounds each graceful stop.
	StopTimeout time.Duration

	// StartTimeout bounds each start. Larger than StopTimeout: an
	// abandoned start is riskier than an abandoned stop.
	StartTimeout time.Duration

	// SettleDelay is the pause between a start request and its
	// verification.
	SettleDelay time.Duration

	// Fallback is the tmpfs substitute policy.
	Fallback mount.FallbackSpec

	// JournalPath is where the crash journal is written. Empty
	// disables the journal.
	JournalPath string
}

// Deps are the external collaborators of the controller.
type Deps struct {
	Services ServiceManager
	Mounts   MountControl
	Checker  Checker
	Holders  HolderResolver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Controller drives one maintenance run. It is single-use: create,
// Run once, discard.
type Controller struct {
	params Params
	deps   Deps

	// interrupt is observed at checkpoints between operations; it is
	// never acted on asynchronously, so in-flight bounded calls finish
	// or time out normally.
	interrupt <-chan struct{}

	phase       Phase
	interrupted bool
	fatalErr    error
	degraded    bool
	rebootAdvised bool

	// criticalFailures counts critical services that did not reach
	// active state during restoration. Zero until the restoring
	// phase; read once to pick the terminal exit path.
	criticalFailures int

	// restoreRan guards the single entry into the restoring phase.
	restoreRan bool
}

// New returns a Controller for one run. interrupt is closed (or sent
// to) when the operator asks the run to abort; pass nil when no
// interrupt source exists (tests).
func New(params Params, deps Deps, interrupt <-chan struct{}) *Controller {
	return &Controller{
		params:    params,
		deps:      deps,
		interrupt: interrupt,
		phase:     PhaseIdle,
	}
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() Phase { return c.phase }

// Degraded reports whether the run fell back to the tmpfs substitute.
func (c *Controller) Degraded() bool { return c.degraded }

// RebootAdvised reports whether the filesystem check recommended a
// reboot.
func (c *Controller) RebootAdvised() bool { return c.rebootAdvised }

// CriticalFailures returns the number of critical services that failed
// to restore.
func (c *Controller) CriticalFailures() int { return c.criticalFailures }

// Run executes the full maintenance cycle and returns the process exit
// code. Whatever happens after the snapshot is taken, fatal error,
// interrupt, or normal completion, the restorer runs exactly once
// before Run returns.
func (c *Controller) Run(ctx context.Context) int {
	logger := c.deps.Logger

	c.setPhase(PhaseSnapshotting)
	snapshot := TakeSnapshot(ctx, c.deps.Services, c.params.Services, c.deps.Clock.Now(), logger)
	logger.Info("service snapshot captured",
		"services", len(c.params.Services), "active", snapshot.ActiveCount())

	if err := c.repair(ctx, snapshot); err != nil {
		if errors.Is(err, errInterrupted) {
			c.interrupted = true
			logger.Warn("interrupt received, skipping remaining repair steps",
				"phase", c.phase)
		} else {
			c.fatalErr = err
			logger.Error("fatal error, proceeding to service restoration",
				"phase", c.phase, "error", err)
		}
	}

	c.restore(ctx, snapshot)

	c.setPhase(PhaseDone)
	return c.exitCode()
}

// repair runs the quiesce/check/remount cycle. It returns
// errInterrupted when an interrupt checkpoint fired, any other error
// for a fatal condition, and nil on success (including the no-repair
// classifications, which skip straight back to the caller's
// restoration).
func (c *Controller) repair(ctx context.Context, snapshot *Snapshot) error {
	logger := c.deps.Logger
	path := c.params.MountPoint

	descriptor, err := c.deps.Mounts.Inspect(ctx, path)
	if err != nil {
		return fmt.Errorf("inspecting mount %s: %w", path, err)
	}
	class := descriptor.Classify()
	logger.Info("mount classified",
		"path", path, "class", class.String(),
		"device", descriptor.Device, "fstype", descriptor.FSType,
		"size_bytes", descriptor.SizeBytes)

	if class != mount.ClassDiskBacked {
		logger.Info("no repair needed for this classification, proceeding to restoration",
			"class", class.String())
		return nil
	}

	if c.interruptedAtCheckpoint() {
		return errInterrupted
	}

	// The journal makes an interrupted run diagnosable even when the
	// process dies outright; a write failure degrades that safety net
	// but does not justify aborting the repair.
	if c.params.JournalPath != "" {
		state := snapshot.JournalState(c.params.RunID, path)
		if err := journal.Write(c.params.JournalPath, state); err != nil {
			logger.Warn("crash journal not written", "path", c.params.JournalPath, "error", err)
		}
	}

	c.setPhase(PhaseStopping)
	c.stopServices(ctx, snapshot)

	if c.interruptedAtCheckpoint() {
		return errInterrupted
	}

	if err := c.releaseMount(ctx); err != nil {
		return err
	}

	if c.interruptedAtCheckpoint() {
		return errInterrupted
	}

	c.setPhase(PhaseRepairing)
	outcome, err := c.deps.Checker.Check(ctx, descriptor.Device, descriptor.FSType)
	if err != nil {
		return fmt.Errorf("filesystem check did not run: %w", err)
	}
	logger.Info("filesystem check finished",
		"device", descriptor.Device, "outcome", outcome.Kind.String(), "code", outcome.Code)

	switch outcome.Kind {
	case fsck.Clean, fsck.Repaired:
		// Proceed to remount.
	case fsck.RebootRecommended:
		c.rebootAdvised = true
		logger.Warn("filesystem repaired but a reboot is recommended before trusting it",
			"device", descriptor.Device, "code", outcome.Code)
	default:
		return fmt.Errorf("filesystem check on %s failed critically (exit code %d)",
			descriptor.Device, outcome.Code)
	}

	if c.interruptedAtCheckpoint() {
		return errInterrupted
	}

	return c.remount(ctx, descriptor)
}

// releaseMount unmounts the target, escalating through holder
// termination, a normal retry, and a lazy unmount. Failure of the full
// escalation is fatal: a filesystem check on a device still in use is
// unsafe.
func (c *Controller) releaseMount(ctx context.Context) error {
	logger := c.deps.Logger
	path := c.params.MountPoint

	err := c.deps.Mounts.Unmount(ctx, path)
	if err == nil {
		logger.Info("mount released", "path", path)
		return nil
	}
	logger.Warn("unmount failed, resolving holder processes", "path", path, "error", err)

	signaled := c.deps.Holders.TerminateHolders(ctx, path)
	logger.Info("holder resolution finished", "path", path, "signaled", signaled)

	err = c.deps.Mounts.Unmount(ctx, path)
	if err == nil {
		logger.Info("mount released after holder termination", "path", path)
		return nil
	}
	logger.Warn("unmount retry failed, escalating to lazy unmount", "path", path, "error", err)

	if err := c.deps.Mounts.UnmountLazy(ctx, path); err != nil {
		return fmt.Errorf("mount %s could not be released after full escalation: %w", path, err)
	}
	logger.Warn("mount detached lazily", "path", path)
	return nil
}

// remount restores the original filesystem, falling back to the tmpfs
// substitute. Only a failure of both is fatal.
func (c *Controller) remount(ctx context.Context, descriptor mount.Descriptor) error {
	logger := c.deps.Logger
	path := c.params.MountPoint

	options := mount.BuildOptions(descriptor)
	err := c.deps.Mounts.Mount(ctx, descriptor.Device, descriptor.FSType, options, path)
	if err != nil {
		logger.Error("remount of original filesystem failed, mounting tmpfs fallback",
			"device", descriptor.Device, "error", err)
		if fallbackErr := c.deps.Mounts.MountFallback(ctx, path, c.params.Fallback); fallbackErr != nil {
			return fmt.Errorf("neither original nor fallback mount succeeded on %s: %w", path, fallbackErr)
		}
		c.degraded = true
		logger.Warn("tmpfs fallback mounted; original filesystem NOT restored",
			"path", path, "options", c.params.Fallback.Options())
	} else {
		logger.Info("original filesystem remounted", "path", path, "options", options)
	}

	if err := c.deps.Mounts.Verify(ctx, path); err != nil {
		return fmt.Errorf("mount verification failed: %w", err)
	}
	return nil
}

// restore runs the restoring phase exactly once, no matter how many
// abort conditions fired on the way here.
func (c *Controller) restore(ctx context.Context, snapshot *Snapshot) {
	if c.restoreRan {
		return
	}
	c.restoreRan = true

	c.setPhase(PhaseRestoring)
	c.restoreServices(ctx, snapshot)

	if c.params.JournalPath != "" {
		if err := journal.Clear(c.params.JournalPath); err != nil {
			c.deps.Logger.Warn("crash journal not cleared",
				"path", c.params.JournalPath, "error", err)
		}
	}
}

// exitCode derives the terminal exit code from the run's recorded
// conditions.
func (c *Controller) exitCode() int {
	switch {
	case c.interrupted:
		return ExitInterrupted
	case c.fatalErr != nil:
		return ExitFatal
	case c.criticalFailures > 0:
		return ExitRestoreFailed
	default:
		return ExitSuccess
	}
}

// interruptedAtCheckpoint performs a non-blocking observation of the
// interrupt channel. Interrupts are only honored here, between
// operations, so a bounded in-flight call always finishes or times out
// normally.
func (c *Controller) interruptedAtCheckpoint() bool {
	if c.interrupted {
		return true
	}
	select {
	case <-c.interrupt:
		c.interrupted = true
	default:
	}
	return c.interrupted
}

func (c *Controller) setPhase(phase Phase) {
	c.deps.Logger.Debug("phase transition", "from", c.phase.String(), "to", phase.String())
	c.phase = phase
}
