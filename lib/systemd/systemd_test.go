// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// exitError is a scripted non-zero exit, mirroring exec.ExitError's
// ExitCode method.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

// fakeRunner records invocations and replays scripted results keyed by
// the systemctl verb.
type fakeRunner struct {
	calls   []string
	results map[string]error
	block   map[string]bool // verbs that block until ctx expires
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	verb := args[0]
	if f.block[verb] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, f.results[verb]
}

func TestIsActive(t *testing.T) {
	tests := []struct {
		name       string
		result     error
		wantActive bool
		wantErr    bool
	}{
		{name: "active", result: nil, wantActive: true},
		{name: "inactive", result: exitError{code: 3}, wantActive: false},
		{name: "query failure", result: errors.New("systemctl: not found"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string]error{"is-active": tt.result}}
			mgr := NewManagerWithRunner(runner)

			active, err := mgr.IsActive(context.Background(), "smbd.service")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("IsActive: %v", err)
			}
			if active != tt.wantActive {
				t.Errorf("active = %v, want %v", active, tt.wantActive)
			}
		})
	}
}

func TestIsEnabledTreatsNonZeroAsDisabled(t *testing.T) {
	runner := &fakeRunner{results: map[string]error{"is-enabled": exitError{code: 1}}}
	mgr := NewManagerWithRunner(runner)

	enabled, err := mgr.IsEnabled(context.Background(), "smbd.service")
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if enabled {
		t.Error("masked unit reported as enabled")
	}
}

func TestStopTimeout(t *testing.T) {
	runner := &fakeRunner{block: map[string]bool{"stop": true}}
	mgr := NewManagerWithRunner(runner)

	err := mgr.Stop(context.Background(), "smbd.service", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStopFailurePreservesOutputContext(t *testing.T) {
	runner := &fakeRunner{results: map[string]error{"stop": errors.New("boom")}}
	mgr := NewManagerWithRunner(runner)

	err := mgr.Stop(context.Background(), "smbd.service", time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("plain failure misclassified as timeout")
	}
	if !strings.Contains(err.Error(), "smbd.service") {
		t.Errorf("error %q does not name the unit", err)
	}
}

func TestKillAndResetFailedCommandShape(t *testing.T) {
	runner := &fakeRunner{}
	mgr := NewManagerWithRunner(runner)
	ctx := context.Background()

	if err := mgr.Kill(ctx, "smbd.service"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := mgr.ResetFailed(ctx, "smbd.service"); err != nil {
		t.Fatalf("ResetFailed: %v", err)
	}

	want := []string{
		"systemctl kill -s SIGKILL smbd.service",
		"systemctl reset-failed smbd.service",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, runner.calls[i], want[i])
		}
	}
}
