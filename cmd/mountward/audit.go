// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/mountward/mountward/cmd/mountward/cli"
	"github.com/mountward/mountward/lib/audit"
)

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Inspect or prune the persisted audit record",
		Subcommands: []*cli.Command{
			auditListCommand(),
			auditPruneCommand(),
		},
	}
}

func auditListCommand() *cli.Command {
	var (
		configPath string
		limit      int
	)
	return &cli.Command{
		Name:    "list",
		Summary: "Show the most recent audit records",
		Usage:   "mountward audit list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $MOUNTWARD_CONFIG)")
			flagSet.IntVar(&limit, "limit", 100, "maximum records to show")
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			recorder, err := audit.Open(cfg.Audit.Path, "")
			if err != nil {
				return fmt.Errorf("opening audit record: %w", err)
			}
			defer recorder.Close()

			records, err := recorder.Recent(limit)
			if err != nil {
				return fmt.Errorf("reading audit records: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tRUN\tLEVEL\tMESSAGE\tATTRS")
			for _, record := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					record.At.Format(time.RFC3339),
					record.RunID, record.Level, record.Message, record.Attrs)
			}
			return tw.Flush()
		},
	}
}

func auditPruneCommand() *cli.Command {
	var (
		configPath string
		olderThan  time.Duration
	)
	return &cli.Command{
		Name:    "prune",
		Summary: "Delete audit records older than the retention window",
		Usage:   "mountward audit prune [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $MOUNTWARD_CONFIG)")
			flagSet.DurationVar(&olderThan, "older-than", 0,
				"override the configured retention window")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Drop everything older than two weeks",
				Command:     "mountward audit prune --older-than 336h",
			},
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = cfg.Audit.Retention.Std()
			}
			recorder, err := audit.Open(cfg.Audit.Path, "")
			if err != nil {
				return fmt.Errorf("opening audit record: %w", err)
			}
			defer recorder.Close()

			pruned, err := recorder.Prune(time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("pruning audit records: %w", err)
			}
			fmt.Printf("pruned %d record(s) older than %s\n", pruned, olderThan)
			return nil
		},
	}
}
