// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount inspects and manipulates the target mount point. The
// inspector resolves the live mount table entry into an immutable
// Descriptor; the mounter releases and restores the mount, falling
// back to a tmpfs substitute when the original filesystem cannot be
// brought back. All external tools (findmnt, mount, umount) run
// through a Runner so tests can script them.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Class is the repair classification of the target path.
type Class int

const (
	// ClassNotMounted means the path is not a separate mount; there is
	// no backing device to check.
	ClassNotMounted Class = iota

	// ClassMemoryBacked means the mount is a memory-backed
	// pseudo-filesystem with no persistent device; a consistency check
	// is meaningless.
	ClassMemoryBacked

	// ClassDiskBacked means the mount has a persistent backing device
	// and needs the full release/check/remount cycle.
	ClassDiskBacked
)

// String returns the classification name for logging.
func (c Class) String() string {
	switch c {
	case ClassNotMounted:
		return "not-mounted"
	case ClassMemoryBacked:
		return "memory-backed"
	case ClassDiskBacked:
		return "disk-backed"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// memoryBackedTypes are filesystem types whose storage is volatile
// memory. No backing device, nothing to fsck.
var memoryBackedTypes = map[string]bool{
	"tmpfs":    true,
	"ramfs":    true,
	"devtmpfs": true,
}

// Descriptor captures one mount table entry at inspection time. It is
// a snapshot: the moment the mount is released or altered it is stale,
// and later decisions must come from the check and remount results,
// never from re-reading the descriptor against live state.
type Descriptor struct {
	// Device is the backing device (e.g. /dev/sdb1). Empty when the
	// target is not a separate mount.
	Device string

	// FSType is the filesystem type as reported by the mount table.
	FSType string

	// Options is the active mount option string.
	Options string

	// SizeBytes is the filesystem size, best-effort (0 if statfs
	// failed).
	SizeBytes uint64
}

// Classify returns the repair classification. It is a pure function of
// the descriptor: the same descriptor always classifies the same way.
func (d Descriptor) Classify() Class {
	if d.Device == "" {
		return ClassNotMounted
	}
	if memoryBackedTypes[d.FSType] {
		return ClassMemoryBacked
	}
	return ClassDiskBacked
}

// HasOption reports whether the descriptor's option string contains
// the exact option (not a prefix match: "nodev" does not match
// "nodevmap").
func (d Descriptor) HasOption(option string) bool {
	for _, existing := range strings.Split(d.Options, ",") {
		// Options may carry values ("mode=1777"); compare the bare key.
		if existing == option || strings.HasPrefix(existing, option+"=") {
			return true
		}
	}
	return false
}

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

// FallbackSpec is the fixed conservative policy for the tmpfs
// substitute mount.
type FallbackSpec struct {
	// Size is the tmpfs size limit (e.g. "512M").
	Size string

	// Inodes is the tmpfs inode limit.
	Inodes int

	// Mode is the octal permission string for the mount root.
	Mode string
}

// Options renders the spec as a mount option string.
func (f FallbackSpec) Options() string {
	return fmt.Sprintf("size=%s,nr_inodes=%d,mode=%s", f.Size, f.Inodes, f.Mode)
}

// Mounter performs mount table operations on one target path.
type Mounter struct {
	runner Runner
}

// NewMounter returns a Mounter that shells out to the mount tools.
func NewMounter() *Mounter {
	return &Mounter{runner: ExecRunner{}}
}

// NewMounterWithRunner returns a Mounter using the given Runner.
// Intended for tests.
func NewMounterWithRunner(runner Runner) *Mounter {
	return &Mounter{runner: runner}
}

// Inspect resolves the target path's mount table entry in a single
// live query. A path that is not itself a mount point yields a zero
// Descriptor (no device) and no error.
func (m *Mounter) Inspect(ctx context.Context, path string) (Descriptor, error) {
	output, err := m.runner.Run(ctx, "findmnt", "-rno", "SOURCE,FSTYPE,OPTIONS", path)
	if err != nil {
		// findmnt exits non-zero when the path is not a mount point.
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			return Descriptor{}, nil
		}
		return Descriptor{}, fmt.Errorf("findmnt %s: %w", path, err)
	}

	fields := strings.Fields(strings.TrimSpace(string(output)))
	if len(fields) < 3 {
		return Descriptor{}, fmt.Errorf("findmnt %s: unparseable output %q", path, string(output))
	}

	desc := Descriptor{
		Device:  fields[0],
		FSType:  fields[1],
		Options: fields[2],
	}

	// Size is advisory only; a statfs failure does not fail inspection.
	var stat unix.Statfs_t
	if statErr := unix.Statfs(path, &stat); statErr == nil {
		desc.SizeBytes = stat.Blocks * uint64(stat.Bsize)
	}

	return desc, nil
}

// Unmount releases the target path normally.
func (m *Mounter) Unmount(ctx context.Context, path string) error {
	output, err := m.runner.Run(ctx, "umount", path)
	if err != nil {
		return fmt.Errorf("umount %s: %w (output: %s)",
			path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// UnmountLazy detaches the target path with a lazy unmount. This is
// the last-resort escalation after holders have been terminated and a
// normal retry still failed: the mount is detached from the tree
// immediately and cleaned up when the final reference drops.
func (m *Mounter) UnmountLazy(ctx context.Context, path string) error {
	output, err := m.runner.Run(ctx, "umount", "-l", path)
	if err != nil {
		return fmt.Errorf("umount -l %s: %w (output: %s)",
			path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Mount attaches device at path with the given filesystem type and
// option string.
func (m *Mounter) Mount(ctx context.Context, device, fstype, options, path string) error {
	output, err := m.runner.Run(ctx, "mount", "-t", fstype, "-o", options, device, path)
	if err != nil {
		return fmt.Errorf("mount %s on %s: %w (output: %s)",
			device, path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// MountFallback mounts a tmpfs substitute at path with the fixed
// conservative fallback policy. Used when the original filesystem
// cannot be restored: a usable mount point takes priority over it
// being the original filesystem.
func (m *Mounter) MountFallback(ctx context.Context, path string, spec FallbackSpec) error {
	output, err := m.runner.Run(ctx, "mount", "-t", "tmpfs", "-o", spec.Options(), "tmpfs", path)
	if err != nil {
		return fmt.Errorf("fallback tmpfs mount on %s: %w (output: %s)",
			path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Verify confirms that path is currently a mount point. Used after a
// remount; a verification failure is fatal to the run.
func (m *Mounter) Verify(ctx context.Context, path string) error {
	desc, err := m.Inspect(ctx, path)
	if err != nil {
		return fmt.Errorf("verifying mount %s: %w", path, err)
	}
	if desc.Device == "" {
		return fmt.Errorf("verifying mount %s: not mounted", path)
	}
	return nil
}

// baseOptions is the default option set every remount starts from.
const baseOptions = "rw,relatime"

// familyOptions are performance options applied only for recognized
// filesystem families. Unrecognized types get the base set plus
// carried safety flags and nothing else.
var familyOptions = map[string]string{
	"ext2": "errors=remount-ro",
	"ext3": "errors=remount-ro",
	"ext4": "errors=remount-ro",
	"xfs":  "inode64",
}

// safetyFlags are security-relevant options that must be carried over
// from the original mount regardless of filesystem type. Dropping
// noexec/nosuid/nodev on remount would silently widen what the shared
// mount permits.
var safetyFlags = []string{"noexec", "nosuid", "nodev"}

// BuildOptions constructs the remount option string from the base
// defaults, filesystem-family performance options, and the safety
// flags observed on the original mount.
func BuildOptions(original Descriptor) string {
	options := []string{baseOptions}

	if familyOpts, ok := familyOptions[original.FSType]; ok {
		options = append(options, familyOpts)
	}

	for _, flag := range safetyFlags {
		if original.HasOption(flag) {
			options = append(options, flag)
		}
	}

	return strings.Join(options, ",")
}
