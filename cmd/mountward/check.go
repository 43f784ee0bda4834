// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mountward/mountward/cmd/mountward/cli"
	"github.com/mountward/mountward/lib/audit"
	"github.com/mountward/mountward/lib/clock"
	"github.com/mountward/mountward/lib/config"
	"github.com/mountward/mountward/lib/fsck"
	"github.com/mountward/mountward/lib/holders"
	"github.com/mountward/mountward/lib/journal"
	"github.com/mountward/mountward/lib/maintain"
	"github.com/mountward/mountward/lib/mount"
	"github.com/mountward/mountward/lib/systemd"
)

// staleJournalAge bounds how old a leftover crash journal may be and
// still be reported at startup.
const staleJournalAge = 7 * 24 * time.Hour

func checkCommand() *cli.Command {
	var (
		configPath string
		yes        bool
		verbose    bool
	)
	return &cli.Command{
		Name:    "check",
		Summary: "Run one maintenance cycle on the configured mount point",
		Description: `Run one maintenance cycle: snapshot dependent services, stop them,
unmount and check the filesystem, remount it, and restore every
service that was running.

Exit codes: 0 success (including the tmpfs-fallback degraded outcome),
1 one or more critical services failed to restore, 2 fatal repair
error, 3 interrupted.`,
		Usage: "mountward check [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $MOUNTWARD_CONFIG)")
			flagSet.BoolVar(&yes, "yes", false, "skip the confirmation prompt")
			flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Interactive run, prompting before services are touched",
				Command:     "mountward check --config /etc/mountward.yaml",
			},
			{
				Description: "Unattended run (cron, maintenance window automation)",
				Command:     "MOUNTWARD_CONFIG=/etc/mountward.yaml mountward check --yes",
			},
		},
		Run: func(args []string) error {
			return runCheck(configPath, yes, verbose)
		},
	}
}

func runCheck(configPath string, yes, verbose bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	runID := audit.NewRunID(time.Now())
	logger := cli.NewLogger(verbose)

	// The audit record is a safety net, not a precondition: a failing
	// audit database must not block the maintenance run.
	recorder, err := audit.Open(cfg.Audit.Path, runID)
	if err != nil {
		logger.Warn("audit record unavailable, continuing without it",
			"path", cfg.Audit.Path, "error", err)
	} else {
		defer recorder.Close()
		logger = slog.New(audit.NewHandler(logger.Handler(), recorder))
		cutoff := time.Now().Add(-cfg.Audit.Retention.Std())
		if pruned, err := recorder.Prune(cutoff); err != nil {
			logger.Warn("audit pruning failed", "error", err)
		} else if pruned > 0 {
			logger.Info("audit records pruned", "count", pruned, "cutoff", cutoff)
		}
	}
	logger = logger.With("run_id", runID)

	reportLeftoverJournal(cfg.JournalPath, logger)

	if !yes {
		if err := confirmRun(cfg); err != nil {
			return err
		}
	}

	// Interrupts are observed at checkpoints between operations, so
	// the first Ctrl-C begins an orderly wind-down instead of killing
	// the process mid-repair.
	interrupt := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-signals
		logger.Warn("interrupt requested, finishing current operation", "signal", sig.String())
		close(interrupt)
		signal.Stop(signals)
	}()

	controller := maintain.New(maintain.Params{
		RunID:        runID,
		MountPoint:   cfg.MountPoint,
		Services:     cfg.Services,
		StopTimeout:  cfg.Timeouts.Stop.Std(),
		StartTimeout: cfg.Timeouts.Start.Std(),
		SettleDelay:  cfg.Timeouts.Settle.Std(),
		Fallback: mount.FallbackSpec{
			Size:   cfg.Fallback.Size,
			Inodes: cfg.Fallback.Inodes,
			Mode:   cfg.Fallback.Mode,
		},
		JournalPath: cfg.JournalPath,
	}, maintain.Deps{
		Services: systemd.NewManager(),
		Mounts:   mount.NewMounter(),
		Checker:  fsck.NewChecker(cfg.Timeouts.Check.Std()),
		Holders:  holders.NewResolver(logger, cfg.Timeouts.HolderGrace.Std()),
		Clock:    clock.Real(),
		Logger:   logger,
	}, interrupt)

	code := controller.Run(context.Background())

	logger.Info("maintenance run finished",
		"exit_code", code,
		"phase", controller.Phase().String(),
		"degraded", controller.Degraded(),
		"reboot_advised", controller.RebootAdvised(),
		"critical_failures", controller.CriticalFailures())

	printSummary(os.Stdout, cfg, controller, code)

	if code != maintain.ExitSuccess {
		return &cli.ExitError{Code: code}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// reportLeftoverJournal surfaces a crash journal left by a previous
// run that died before restoring its services.
func reportLeftoverJournal(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	state, present, err := journal.Check(path, time.Now(), staleJournalAge)
	if err != nil {
		logger.Warn("crash journal unreadable", "path", path, "error", err)
		return
	}
	if !present {
		return
	}
	logger.Warn("previous run left a crash journal; its services may still be stopped",
		"previous_run", state.RunID,
		"taken_at", state.TakenAt,
		"mount_point", state.MountPoint,
		"stopped_services", state.StoppedServices())
}

// confirmRun asks the operator before any service is touched. A
// non-interactive stdin cannot answer, so unattended runs must pass
// --yes explicitly.
func confirmRun(cfg *config.Config) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal; pass --yes for unattended runs")
	}

	names := make([]string, len(cfg.Services))
	for i, service := range cfg.Services {
		names[i] = service.Name
	}
	fmt.Fprintf(os.Stderr, "About to stop %s and check %s.\nContinue? [y/N] ",
		strings.Join(names, ", "), cfg.MountPoint)

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("aborted by operator")
}

func printSummary(w *os.File, cfg *config.Config, controller *maintain.Controller, code int) {
	switch {
	case code == maintain.ExitInterrupted:
		fmt.Fprintf(w, "interrupted: maintenance of %s aborted, services restored\n", cfg.MountPoint)
	case code == maintain.ExitFatal:
		fmt.Fprintf(w, "failed: %s could not be repaired, services restored\n", cfg.MountPoint)
	case code == maintain.ExitRestoreFailed:
		fmt.Fprintf(w, "restore failure: %d critical service(s) did not come back\n",
			controller.CriticalFailures())
	case controller.Degraded():
		fmt.Fprintf(w, "degraded: %s is running on a tmpfs fallback, data not restored\n", cfg.MountPoint)
	default:
		fmt.Fprintf(w, "ok: %s checked and remounted, services restored\n", cfg.MountPoint)
	}
	if controller.RebootAdvised() {
		fmt.Fprintf(w, "note: the filesystem check recommends a reboot\n")
	}
	fmt.Fprintf(w, "audit record: %s\n", cfg.Audit.Path)
}
