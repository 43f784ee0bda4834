// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// The mountward command quiesces the services using a shared mount
// point, checks and remounts its filesystem, and restores the services
// to their pre-run state.
package main

import (
	"fmt"
	"os"

	"github.com/mountward/mountward/cmd/mountward/cli"
	"github.com/mountward/mountward/lib/process"
	"github.com/mountward/mountward/lib/version"
)

func main() {
	if err := run(); err != nil {
		// The check command reports its outcome through an exit code
		// after logging its own summary. Don't print a redundant
		// "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 1 && args[0] == "--version" {
		fmt.Printf("mountward %s\n", version.Full())
		return nil
	}
	return rootCommand().Execute(args)
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "mountward",
		Description: `Mountward: filesystem mount maintenance with guaranteed service
restoration.

A maintenance run snapshots the services that depend on the configured
mount point, stops them in reverse dependency order, unmounts and
checks the filesystem, remounts it (falling back to tmpfs when the
original cannot be restored), and restarts every service that was
running. Restoration runs even when the repair fails or is
interrupted.`,
		Subcommands: []*cli.Command{
			checkCommand(),
			auditCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("mountward %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Run one maintenance cycle without prompting",
				Command:     "mountward check --config /etc/mountward.yaml --yes",
			},
			{
				Description: "Show recent audit records",
				Command:     "mountward audit list --limit 50",
			},
		},
	}
}
