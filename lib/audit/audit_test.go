// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	// A file in the test temp dir rather than ":memory:" so the WAL
	// pragma path is exercised.
	rec, err := Open(filepath.Join(t.TempDir(), "audit.db"), "run-test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestInsertAndRecent(t *testing.T) {
	rec := openTestRecorder(t)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i, msg := range []string{"first", "second", "third"} {
		if err := rec.Insert(base.Add(time.Duration(i)*time.Second), "INFO", msg, "{}"); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := rec.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Message != "third" || records[1].Message != "second" {
		t.Errorf("records out of order: %q, %q", records[0].Message, records[1].Message)
	}
	if records[0].RunID != "run-test" {
		t.Errorf("run_id = %q, want run-test", records[0].RunID)
	}
	if !records[0].At.Equal(base.Add(2 * time.Second)) {
		t.Errorf("at = %v, want %v", records[0].At, base.Add(2*time.Second))
	}
}

func TestPrune(t *testing.T) {
	rec := openTestRecorder(t)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	old := base.Add(-40 * 24 * time.Hour)
	if err := rec.Insert(old, "INFO", "ancient", "{}"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := rec.Insert(base, "INFO", "recent", "{}"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pruned, err := rec.Prune(base.Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	records, err := rec.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].Message != "recent" {
		t.Errorf("surviving records = %+v, want only 'recent'", records)
	}
}

func TestHandlerTeesToRecorderAndInner(t *testing.T) {
	rec := openTestRecorder(t)

	var console strings.Builder
	inner := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(NewHandler(inner, rec))

	logger.Info("stopping service", "unit", "smbd.service")
	logger.Warn("stop timed out", "unit", "smbd.service")

	// The console handler saw both lines.
	out := console.String()
	if !strings.Contains(out, "stopping service") || !strings.Contains(out, "stop timed out") {
		t.Errorf("console output missing lines: %q", out)
	}

	// So did the audit record.
	records, err := rec.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d audit records, want 2", len(records))
	}
	if records[0].Level != "WARN" {
		t.Errorf("newest record level = %q, want WARN", records[0].Level)
	}
	if !strings.Contains(records[0].Attrs, "smbd.service") {
		t.Errorf("attrs %q missing unit name", records[0].Attrs)
	}
}

func TestHandlerRespectsInnerLevel(t *testing.T) {
	rec := openTestRecorder(t)

	var console strings.Builder
	inner := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(NewHandler(inner, rec))

	logger.Debug("noise")

	records, err := rec.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("debug record persisted despite info-level console: %+v", records)
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	rec := openTestRecorder(t)

	inner := slog.NewTextHandler(&strings.Builder{}, nil)
	logger := slog.New(NewHandler(inner, rec)).With("run", "run-test")

	logger.Info("hello")

	records, err := rec.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || !strings.Contains(records[0].Attrs, "run-test") {
		t.Errorf("with-attrs not persisted: %+v", records)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2026, 8, 26, 15, 30, 0, 0, time.UTC))
	if id != "run-20260826-153000" {
		t.Errorf("NewRunID = %q", id)
	}
}
