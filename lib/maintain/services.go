// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package maintain

import (
	"context"
	"errors"

	"github.com/mountward/mountward/lib/systemd"
)

// stopServices quiesces every recorded-active service in reverse
// configured order: declaration order approximates dependency order,
// so dependents (declared last) stop before their dependencies. A stop
// failure is a warning, never fatal: one stubborn service must not
// block repairing the mount for the rest. It also does not remove the
// service from the snapshot's restoration obligation.
func (c *Controller) stopServices(ctx context.Context, snapshot *Snapshot) {
	logger := c.deps.Logger
	services := snapshot.Services()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.State != StateActive {
			logger.Debug("skipping stop, service was not active", "unit", svc.Name, "state", svc.State)
			continue
		}

		err := c.deps.Services.Stop(ctx, svc.Name, c.params.StopTimeout)
		if err == nil {
			logger.Info("service stopped", "unit", svc.Name)
			continue
		}

		if errors.Is(err, systemd.ErrTimeout) {
			logger.Warn("graceful stop timed out, escalating to forced kill",
				"unit", svc.Name, "timeout", c.params.StopTimeout)
			if killErr := c.deps.Services.Kill(ctx, svc.Name); killErr != nil {
				logger.Warn("forced kill failed", "unit", svc.Name, "error", killErr)
			}
			continue
		}

		logger.Warn("service stop failed", "unit", svc.Name, "error", err)
	}
}

// restoreServices starts every recorded-active service in forward
// configured order (the mirror of the stop order), with one retry
// after a reset-failed, then verifies live activity after the settle
// delay. A critical service that still is not active counts against
// the run's exit status; a non-critical one only logs.
func (c *Controller) restoreServices(ctx context.Context, snapshot *Snapshot) {
	logger := c.deps.Logger

	for _, svc := range snapshot.Services() {
		if svc.State != StateActive {
			logger.Debug("skipping start, service was not active", "unit", svc.Name, "state", svc.State)
			continue
		}

		c.startWithRetry(ctx, svc.Name)

		c.deps.Clock.Sleep(c.params.SettleDelay)

		active, err := c.deps.Services.IsActive(ctx, svc.Name)
		if err != nil {
			logger.Warn("post-start verification query failed", "unit", svc.Name, "error", err)
			active = false
		}
		if active {
			logger.Info("service restored", "unit", svc.Name)
			continue
		}

		if svc.Critical {
			c.criticalFailures++
			logger.Error("CRITICAL service failed to restore", "unit", svc.Name)
		} else {
			logger.Warn("service failed to restore", "unit", svc.Name)
		}
	}
}

// startWithRetry issues a start, and on any failure clears the unit's
// failed-state marker and retries exactly once. Start gets a larger
// budget and one more attempt than stop because abandoning a start is
// the worse outcome: a never-restarted critical service is a
// production incident.
func (c *Controller) startWithRetry(ctx context.Context, unit string) {
	logger := c.deps.Logger

	err := c.deps.Services.Start(ctx, unit, c.params.StartTimeout)
	if err == nil {
		return
	}
	logger.Warn("service start failed, clearing failed state and retrying",
		"unit", unit, "error", err)

	if resetErr := c.deps.Services.ResetFailed(ctx, unit); resetErr != nil {
		logger.Warn("reset-failed before retry failed", "unit", unit, "error", resetErr)
	}

	if err := c.deps.Services.Start(ctx, unit, c.params.StartTimeout); err != nil {
		logger.Warn("service start retry failed", "unit", unit, "error", err)
	}
}
