// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package maintain

import (
	"context"
	"log/slog"
	"time"

	"github.com/mountward/mountward/lib/config"
	"github.com/mountward/mountward/lib/journal"
)

// ServiceState is a service's recorded state at snapshot time. It is
// computed once per run and never recomputed: the snapshot is the
// authoritative record of what must be restored, and live status is
// only consulted for post-start verification, never to decide whether
// to act.
type ServiceState int

const (
	// StateDisabled: not running and not configured to start at boot,
	// or its state could not be determined. Never act on a service
	// that was not positively confirmed.
	StateDisabled ServiceState = iota

	// StateInactive: configured to start at boot but not currently
	// running. Left alone by both the stopper and the restorer.
	StateInactive

	// StateActive: running at snapshot time. Stopped by the stopper
	// and unconditionally owed a start attempt by the restorer.
	StateActive
)

// String returns the state name for logging and the journal.
func (s ServiceState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ServiceStatus is one service's snapshot entry.
type ServiceStatus struct {
	// Name is the service-manager unit name.
	Name string

	// Critical marks services whose restore failure downgrades the
	// run's exit status.
	Critical bool

	// State is the recorded state.
	State ServiceState
}

// Snapshot is the immutable record of service states captured before
// any stop action, in configured order. It is written once and read
// everywhere: no phase may mutate it.
type Snapshot struct {
	services []ServiceStatus
	takenAt  time.Time
}

// Services returns the snapshot entries in configured order. The
// returned slice is a copy; callers cannot alter the snapshot.
func (s *Snapshot) Services() []ServiceStatus {
	out := make([]ServiceStatus, len(s.services))
	copy(out, s.services)
	return out
}

// TakenAt returns when the snapshot was captured.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// ActiveCount returns how many entries were recorded active.
func (s *Snapshot) ActiveCount() int {
	count := 0
	for _, svc := range s.services {
		if svc.State == StateActive {
			count++
		}
	}
	return count
}

// JournalState renders the snapshot as a crash-journal state.
func (s *Snapshot) JournalState(runID, mountPoint string) journal.State {
	entries := make([]journal.ServiceEntry, len(s.services))
	for i, svc := range s.services {
		entries[i] = journal.ServiceEntry{
			Name:     svc.Name,
			State:    svc.State.String(),
			Critical: svc.Critical,
		}
	}
	return journal.State{
		RunID:      runID,
		MountPoint: mountPoint,
		TakenAt:    s.takenAt,
		Services:   entries,
	}
}

// TakeSnapshot queries each configured service's enablement and
// activity and records the results in configured order. An error
// querying an individual service is reported but not fatal: that entry
// defaults to disabled, so the run will neither stop nor restart a
// service it could not positively confirm.
func TakeSnapshot(ctx context.Context, mgr ServiceManager, services []config.Service, now time.Time, logger *slog.Logger) *Snapshot {
	snap := &Snapshot{
		services: make([]ServiceStatus, 0, len(services)),
		takenAt:  now,
	}

	for _, svc := range services {
		status := ServiceStatus{Name: svc.Name, Critical: svc.Critical, State: StateDisabled}

		active, err := mgr.IsActive(ctx, svc.Name)
		if err != nil {
			logger.Warn("activity query failed, recording service as disabled",
				"unit", svc.Name, "error", err)
			snap.services = append(snap.services, status)
			continue
		}
		if active {
			status.State = StateActive
			snap.services = append(snap.services, status)
			logger.Info("service state recorded", "unit", svc.Name, "state", status.State)
			continue
		}

		enabled, err := mgr.IsEnabled(ctx, svc.Name)
		if err != nil {
			logger.Warn("enablement query failed, recording service as disabled",
				"unit", svc.Name, "error", err)
			snap.services = append(snap.services, status)
			continue
		}
		if enabled {
			status.State = StateInactive
		}
		snap.services = append(snap.services, status)
		logger.Info("service state recorded", "unit", svc.Name, "state", status.State)
	}

	return snap
}
