// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal persists the run's service snapshot to disk before
// any service is stopped. If the process dies mid-run (power loss,
// SIGKILL, anything the in-process recovery path cannot catch), the
// next invocation finds the journal and can tell the operator exactly
// which services the dead run may have left stopped.
//
// The journal is written atomically (temporary file, fsync, rename) so
// readers never see a partial state, and encoded as deterministic CBOR
// so the same snapshot always produces identical bytes.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// ServiceEntry is one service's recorded state in the journal.
type ServiceEntry struct {
	// Name is the service-manager unit name.
	Name string `cbor:"name"`

	// State is the recorded state string ("active", "inactive",
	// "disabled").
	State string `cbor:"state"`

	// Critical mirrors the configuration's critical flag so a reader
	// of a stale journal knows which stopped services matter most.
	Critical bool `cbor:"critical"`
}

// State is the persisted run snapshot.
type State struct {
	// RunID identifies the run that wrote the journal; it matches the
	// run_id column of the audit record.
	RunID string `cbor:"run_id"`

	// MountPoint is the target path of the run.
	MountPoint string `cbor:"mount_point"`

	// TakenAt is when the snapshot was captured.
	TakenAt time.Time `cbor:"taken_at"`

	// Services are the snapshot entries in configured order.
	Services []ServiceEntry `cbor:"services"`
}

// StoppedServices returns the names of services the journal recorded
// as active, the ones a dead run may have left stopped.
func (s State) StoppedServices() []string {
	var names []string
	for _, entry := range s.Services {
		if entry.State == "active" {
			names = append(names, entry.Name)
		}
	}
	return names
}

// Write atomically writes the journal file. The data is written to a
// temporary file in the same directory, fsynced, and renamed into
// place; the parent directory is synced so the rename survives power
// loss. Mode 0600; the parent directory must exist.
func Write(path string, state State) error {
	data, err := encMode.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary journal file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary journal file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary journal file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary journal file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming journal file into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}

// Read reads and decodes a journal file. When the file does not exist,
// the returned error wraps os.ErrNotExist (testable with errors.Is).
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := decMode.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing journal file %s: %w", path, err)
	}
	return state, nil
}

// Check reads a journal file and verifies it is recent enough to be
// relevant. Returns the state and true when the file exists and
// TakenAt is within maxAge of now. A missing or stale file returns
// false with no error; any other failure (permissions, corrupt data)
// is returned so the caller can distinguish "no journal" from
// "journal exists but unreadable".
func Check(path string, now time.Time, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if now.Sub(state.TakenAt) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes the journal file. Idempotent: returns nil when the
// file does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing journal file: %w", err)
	}
	return nil
}
