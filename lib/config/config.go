// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for mountward.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag passed to the command, or
//   - the MOUNTWARD_CONFIG environment variable
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides: the
// file named is the whole truth about which services a maintenance run
// will touch.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a maintenance run.
type Config struct {
	// MountPoint is the path whose backing filesystem is checked and
	// remounted. Required.
	MountPoint string `yaml:"mount_point"`

	// Services lists the managed services in dependency-declaration
	// order: dependencies first, dependents last. Stops run in reverse
	// of this order, starts run forward. Required, at least one entry.
	Services []Service `yaml:"services"`

	// Timeouts bounds every external wait in the run.
	Timeouts Timeouts `yaml:"timeouts"`

	// Fallback configures the tmpfs substitute mount used when the
	// original filesystem cannot be remounted.
	Fallback Fallback `yaml:"fallback"`

	// Audit configures the persisted audit record.
	Audit Audit `yaml:"audit"`

	// JournalPath is where the crash journal (the snapshot of service
	// states taken before quiescing) is written.
	JournalPath string `yaml:"journal_path"`
}

// Service is one managed service entry.
type Service struct {
	// Name is the service-manager unit name (e.g. "smbd.service").
	Name string `yaml:"name"`

	// Critical marks services whose failure to restore downgrades the
	// run's exit status. Non-critical restore failures only log.
	Critical bool `yaml:"critical"`
}

// Timeouts bounds the run's external waits. Stop and Start are
// deliberately asymmetric: abandoning a start is riskier than
// abandoning a stop, so starts get the larger budget.
type Timeouts struct {
	// Stop is the graceful-stop window per service before escalating
	// to a forced kill.
	Stop Duration `yaml:"stop"`

	// Start is the start window per service. Larger than Stop because
	// service startup is typically slower than shutdown.
	Start Duration `yaml:"start"`

	// Settle is the pause after a start request before verifying the
	// service actually reached active state.
	Settle Duration `yaml:"settle"`

	// HolderGrace is how long terminated holder processes are given to
	// release their file handles before the unmount is retried.
	HolderGrace Duration `yaml:"holder_grace"`

	// Check bounds the filesystem check itself. Zero means no bound.
	Check Duration `yaml:"check"`
}

// Fallback configures the memory-backed substitute mount.
type Fallback struct {
	// Size is the tmpfs size (e.g. "512M").
	Size string `yaml:"size"`

	// Inodes is the tmpfs inode limit.
	Inodes int `yaml:"inodes"`

	// Mode is the octal permission string for the mount root.
	Mode string `yaml:"mode"`
}

// Audit configures the persisted audit record.
type Audit struct {
	// Path is the SQLite database file holding audit records.
	Path string `yaml:"path"`

	// Retention is how long audit records are kept. Records older than
	// this are pruned at the start of each run.
	Retention Duration `yaml:"retention"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration. These defaults are a base
// merged under the config file, not a substitute for it: MountPoint
// and Services have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Timeouts: Timeouts{
			Stop:        Duration(30 * time.Second),
			Start:       Duration(90 * time.Second),
			Settle:      Duration(2 * time.Second),
			HolderGrace: Duration(5 * time.Second),
			Check:       Duration(0),
		},
		Fallback: Fallback{
			Size:   "512M",
			Inodes: 65536,
			Mode:   "1777",
		},
		Audit: Audit{
			Path:      "/var/lib/mountward/audit.db",
			Retention: Duration(30 * 24 * time.Hour),
		},
		JournalPath: "/var/lib/mountward/journal.cbor",
	}
}

// Load loads configuration from the MOUNTWARD_CONFIG environment
// variable. Fails if it is not set; there is no search path.
func Load() (*Config, error) {
	path := os.Getenv("MOUNTWARD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("MOUNTWARD_CONFIG environment variable not set; " +
			"set it to the path of your mountward.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over Default() and validating the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for the errors a run cannot
// recover from: a missing mount point, an empty or duplicated service
// list, or non-positive timeout windows.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	if c.Timeouts.Stop.Std() <= 0 {
		return fmt.Errorf("timeouts.stop must be positive")
	}
	if c.Timeouts.Start.Std() <= 0 {
		return fmt.Errorf("timeouts.start must be positive")
	}
	if c.Timeouts.Start.Std() < c.Timeouts.Stop.Std() {
		return fmt.Errorf("timeouts.start (%v) must not be shorter than timeouts.stop (%v): "+
			"abandoning a start is riskier than abandoning a stop",
			c.Timeouts.Start.Std(), c.Timeouts.Stop.Std())
	}
	if c.Audit.Retention.Std() <= 0 {
		return fmt.Errorf("audit.retention must be positive")
	}
	return nil
}
