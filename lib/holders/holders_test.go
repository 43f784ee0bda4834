// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package holders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mountward/mountward/lib/clock"
)

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

type fakeRunner struct {
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(f.output), f.err
}

// fakeSignaler records signals and lets tests declare dead PIDs.
type fakeSignaler struct {
	dead    map[int]bool
	signals []string
}

func (f *fakeSignaler) Signal(pid int, sig unix.Signal) error {
	if f.dead[pid] {
		return unix.ESRCH
	}
	f.signals = append(f.signals, fmt.Sprintf("%d:%d", pid, sig))
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseFuserPIDs(t *testing.T) {
	tests := []struct {
		output string
		want   []int
	}{
		{"/srv/shared: 1234c 5678m 910\n", []int{1234, 5678, 910}},
		{"1234 5678", []int{1234, 5678}},
		{"", nil},
		{"/srv/shared:\n", nil},
	}
	for _, tt := range tests {
		if got := parseFuserPIDs(tt.output); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseFuserPIDs(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestListHoldersNoneIsNotAnError(t *testing.T) {
	resolver := NewResolverWithDeps(
		&fakeRunner{err: exitError{code: 1}}, &fakeSignaler{}, clock.NewFake(),
		discard(), time.Second)

	pids, err := resolver.ListHolders(context.Background(), "/srv/shared")
	if err != nil {
		t.Fatalf("ListHolders: %v", err)
	}
	if len(pids) != 0 {
		t.Errorf("pids = %v, want none", pids)
	}
}

func TestTerminateHoldersSkipsDeadPIDs(t *testing.T) {
	signaler := &fakeSignaler{dead: map[int]bool{5678: true}}
	fake := clock.NewFake()
	resolver := NewResolverWithDeps(
		&fakeRunner{output: "1234c 5678c 910c"}, signaler, fake,
		discard(), 5*time.Second)

	signaled := resolver.TerminateHolders(context.Background(), "/srv/shared")
	if signaled != 2 {
		t.Errorf("signaled = %d, want 2", signaled)
	}

	// Each live PID gets an existence probe (signal 0) then SIGTERM.
	want := []string{"1234:0", "1234:15", "910:0", "910:15"}
	if !reflect.DeepEqual(signaler.signals, want) {
		t.Errorf("signals = %v, want %v", signaler.signals, want)
	}

	// The grace interval was waited exactly once.
	sleeps := fake.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want one 5s grace wait", sleeps)
	}
}

func TestTerminateHoldersEnumerationFailureIsNonFatal(t *testing.T) {
	fake := clock.NewFake()
	resolver := NewResolverWithDeps(
		&fakeRunner{err: errors.New("fuser: not installed")}, &fakeSignaler{}, fake,
		discard(), time.Second)

	signaled := resolver.TerminateHolders(context.Background(), "/srv/shared")
	if signaled != 0 {
		t.Errorf("signaled = %d, want 0", signaled)
	}
	if len(fake.Sleeps()) != 0 {
		t.Error("grace interval waited with nothing signaled")
	}
}

func TestTerminateHoldersNoHoldersSkipsGrace(t *testing.T) {
	fake := clock.NewFake()
	resolver := NewResolverWithDeps(
		&fakeRunner{output: ""}, &fakeSignaler{}, fake, discard(), time.Second)

	if signaled := resolver.TerminateHolders(context.Background(), "/srv/shared"); signaled != 0 {
		t.Errorf("signaled = %d, want 0", signaled)
	}
	if len(fake.Sleeps()) != 0 {
		t.Error("grace interval waited with no holders")
	}
}
