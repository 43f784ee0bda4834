// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

// fakeRunner replays a scripted (output, error) per command name and
// records every invocation.
type fakeRunner struct {
	calls  []string
	output map[string]string
	errs   map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return []byte(f.output[name]), f.errs[name]
}

func TestInspectParsesFindmntOutput(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{
		"findmnt": "/dev/sdb1 ext4 rw,nosuid,relatime,data=ordered\n",
	}}
	mounter := NewMounterWithRunner(runner)

	desc, err := mounter.Inspect(context.Background(), "/srv/shared")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if desc.Device != "/dev/sdb1" {
		t.Errorf("device = %q, want /dev/sdb1", desc.Device)
	}
	if desc.FSType != "ext4" {
		t.Errorf("fstype = %q, want ext4", desc.FSType)
	}
	if !desc.HasOption("nosuid") {
		t.Error("nosuid option not detected")
	}
}

func TestInspectNotAMountPoint(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"findmnt": exitError{code: 1}}}
	mounter := NewMounterWithRunner(runner)

	desc, err := mounter.Inspect(context.Background(), "/srv/shared")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if desc.Device != "" {
		t.Errorf("device = %q, want empty for non-mount", desc.Device)
	}
	if desc.Classify() != ClassNotMounted {
		t.Errorf("classify = %v, want not-mounted", desc.Classify())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		desc Descriptor
		want Class
	}{
		{Descriptor{}, ClassNotMounted},
		{Descriptor{Device: "tmpfs", FSType: "tmpfs"}, ClassMemoryBacked},
		{Descriptor{Device: "ramfs", FSType: "ramfs"}, ClassMemoryBacked},
		{Descriptor{Device: "/dev/sdb1", FSType: "ext4"}, ClassDiskBacked},
		{Descriptor{Device: "/dev/sda2", FSType: "xfs"}, ClassDiskBacked},
	}
	for _, tt := range tests {
		if got := tt.desc.Classify(); got != tt.want {
			t.Errorf("Classify(%+v) = %v, want %v", tt.desc, got, tt.want)
		}
		// Classification is idempotent: a second call on the same
		// descriptor yields the same class.
		if got := tt.desc.Classify(); got != tt.want {
			t.Errorf("second Classify(%+v) = %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestBuildOptions(t *testing.T) {
	tests := []struct {
		name     string
		original Descriptor
		want     string
	}{
		{
			name:     "ext4 plain",
			original: Descriptor{FSType: "ext4", Options: "rw,relatime"},
			want:     "rw,relatime,errors=remount-ro",
		},
		{
			name:     "ext4 carries safety flags",
			original: Descriptor{FSType: "ext4", Options: "rw,nosuid,nodev,noexec,data=ordered"},
			want:     "rw,relatime,errors=remount-ro,noexec,nosuid,nodev",
		},
		{
			name:     "xfs",
			original: Descriptor{FSType: "xfs", Options: "rw,attr2,inode64"},
			want:     "rw,relatime,inode64",
		},
		{
			name:     "unrecognized family gets no performance options",
			original: Descriptor{FSType: "btrfs", Options: "rw,nosuid"},
			want:     "rw,relatime,nosuid",
		},
		{
			name: "performance options from original are not carried",
			original: Descriptor{
				FSType:  "ext4",
				Options: "rw,noatime,data=writeback,commit=300",
			},
			want: "rw,relatime,errors=remount-ro",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildOptions(tt.original); got != tt.want {
				t.Errorf("BuildOptions = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasOptionExactMatch(t *testing.T) {
	desc := Descriptor{Options: "rw,nodevmap,mode=1777"}
	if desc.HasOption("nodev") {
		t.Error("nodev matched prefix of nodevmap")
	}
	if !desc.HasOption("mode") {
		t.Error("valued option mode=1777 not matched by bare key")
	}
}

func TestMountCommandShapes(t *testing.T) {
	runner := &fakeRunner{}
	mounter := NewMounterWithRunner(runner)
	ctx := context.Background()

	if err := mounter.Unmount(ctx, "/srv/shared"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if err := mounter.UnmountLazy(ctx, "/srv/shared"); err != nil {
		t.Fatalf("UnmountLazy: %v", err)
	}
	if err := mounter.Mount(ctx, "/dev/sdb1", "ext4", "rw,relatime", "/srv/shared"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	spec := FallbackSpec{Size: "512M", Inodes: 65536, Mode: "1777"}
	if err := mounter.MountFallback(ctx, "/srv/shared", spec); err != nil {
		t.Fatalf("MountFallback: %v", err)
	}

	want := []string{
		"umount /srv/shared",
		"umount -l /srv/shared",
		"mount -t ext4 -o rw,relatime /dev/sdb1 /srv/shared",
		"mount -t tmpfs -o size=512M,nr_inodes=65536,mode=1777 tmpfs /srv/shared",
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
