// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesToSubcommand(t *testing.T) {
	var called string
	root := &Command{
		Name: "mountward",
		Subcommands: []*Command{
			{Name: "version", Run: func(args []string) error { called = "version"; return nil }},
			{Name: "check", Run: func(args []string) error { called = "check"; return nil }},
		},
	}

	if err := root.Execute([]string{"check"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "check" {
		t.Errorf("dispatched to %q, want %q", called, "check")
	}
}

func TestExecuteNestedSubcommandsPassArgs(t *testing.T) {
	var got []string
	root := &Command{
		Name: "mountward",
		Subcommands: []*Command{
			{
				Name: "audit",
				Subcommands: []*Command{
					{Name: "list", Run: func(args []string) error { got = args; return nil }},
				},
			},
		},
	}

	if err := root.Execute([]string{"audit", "list", "extra"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(got) != 1 || got[0] != "extra" {
		t.Errorf("positional args = %v, want [extra]", got)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var yes bool
	command := &Command{
		Name: "check",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flagSet.BoolVar(&yes, "yes", false, "skip confirmation")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	if err := command.Execute([]string{"--yes"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !yes {
		t.Error("flag --yes not parsed")
	}
}

func TestExecuteUnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "mountward",
		Subcommands: []*Command{
			{Name: "check", Run: func(args []string) error { return nil }},
		},
	}

	err := root.Execute([]string{"chek"})
	if err == nil {
		t.Fatal("Execute() succeeded for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "check"`) {
		t.Errorf("error lacks suggestion: %v", err)
	}
}

func TestExecuteUnknownFlagError(t *testing.T) {
	command := &Command{
		Name: "check",
		Flags: func() *pflag.FlagSet {
			return pflag.NewFlagSet("check", pflag.ContinueOnError)
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--bogus"})
	if err == nil {
		t.Fatal("Execute() accepted unknown flag")
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error lacks help pointer: %v", err)
	}
}

func TestExecutePropagatesExitError(t *testing.T) {
	command := &Command{
		Name: "check",
		Run:  func(args []string) error { return &ExitError{Code: 3} },
	}

	err := command.Execute(nil)
	var coder interface{ ExitCode() int }
	if !errors.As(err, &coder) || coder.ExitCode() != 3 {
		t.Fatalf("Execute() error = %v, want ExitError code 3", err)
	}
}

func TestPrintHelpListsSubcommandsAndExamples(t *testing.T) {
	root := &Command{
		Name:    "mountward",
		Summary: "filesystem mount maintenance",
		Examples: []Example{
			{Description: "run maintenance on the configured mount", Command: "mountward check --yes"},
		},
		Subcommands: []*Command{
			{Name: "check", Summary: "run one maintenance cycle"},
			{Name: "audit", Summary: "inspect the audit record"},
		},
	}

	var buf bytes.Buffer
	root.PrintHelp(&buf)
	help := buf.String()

	for _, want := range []string{"check", "run one maintenance cycle", "audit", "mountward check --yes"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q:\n%s", want, help)
		}
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "check", 5},
		{"check", "check", 0},
		{"chek", "check", 1},
		{"prune", "list", 5},
	}
	for _, c := range cases {
		if got := editDistance(c.a, c.b); got != c.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
