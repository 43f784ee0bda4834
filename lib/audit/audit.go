// Copyright 2026 The Mountward Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit persists every narrative log line of a maintenance run
// to a SQLite database for post-hoc review. The recorder owns the
// database; the Handler tees slog records into it while forwarding
// them unchanged to the console handler, so the console and the audit
// record can never disagree about what was reported.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY,
	run_id TEXT NOT NULL,
	at INTEGER NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS audit_records_at ON audit_records (at);
CREATE INDEX IF NOT EXISTS audit_records_run ON audit_records (run_id);
`

// Record is one persisted audit line.
type Record struct {
	// ID is the database row ID.
	ID int64

	// RunID identifies the maintenance run that wrote the record.
	RunID string

	// At is when the record was written.
	At time.Time

	// Level is the slog level name.
	Level string

	// Message is the log message.
	Message string

	// Attrs is the JSON-encoded attribute map.
	Attrs string
}

// Recorder writes and queries audit records. A maintenance run is
// single-threaded, so the recorder holds one connection; it is not
// safe for concurrent use.
type Recorder struct {
	conn  *sqlite.Conn
	runID string
}

// Open opens (creating if needed) the audit database at path and
// prepares the schema. runID tags every record this recorder writes.
// Use ":memory:" in tests.
func Open(path, runID string) (*Recorder, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: preparing schema: %w", err)
	}

	return &Recorder{conn: conn, runID: runID}, nil
}

// Close releases the database connection.
func (r *Recorder) Close() error {
	return r.conn.Close()
}

// RunID returns the run identifier this recorder tags records with.
func (r *Recorder) RunID() string { return r.runID }

// Insert writes one audit record.
func (r *Recorder) Insert(at time.Time, level, message, attrs string) error {
	err := sqlitex.Execute(r.conn,
		"INSERT INTO audit_records (run_id, at, level, message, attrs) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{r.runID, at.UnixMilli(), level, message, attrs},
		})
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Prune deletes records older than the cutoff and returns how many
// were removed. Called at the start of every run so old records are
// eventually pruned without a separate housekeeping daemon.
func (r *Recorder) Prune(cutoff time.Time) (int, error) {
	err := sqlitex.Execute(r.conn,
		"DELETE FROM audit_records WHERE at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return r.conn.Changes(), nil
}

// Recent returns up to limit records, newest first.
func (r *Recorder) Recent(limit int) ([]Record, error) {
	var records []Record
	err := sqlitex.Execute(r.conn,
		"SELECT id, run_id, at, level, message, attrs FROM audit_records ORDER BY at DESC, id DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, Record{
					ID:      stmt.ColumnInt64(0),
					RunID:   stmt.ColumnText(1),
					At:      time.UnixMilli(stmt.ColumnInt64(2)),
					Level:   stmt.ColumnText(3),
					Message: stmt.ColumnText(4),
					Attrs:   stmt.ColumnText(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: listing records: %w", err)
	}
	return records, nil
}

// Handler is a slog.Handler that persists every record through a
// Recorder and forwards it to an inner handler. Level filtering is
// delegated to the inner handler so the audit record matches the
// console exactly.
type Handler struct {
	inner    slog.Handler
	recorder *Recorder
	attrs    []slog.Attr
	group    string
}

// NewHandler tees records through recorder into inner.
func NewHandler(inner slog.Handler, recorder *Recorder) *Handler {
	return &Handler{inner: inner, recorder: recorder}
}

// Enabled defers to the inner handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle persists the record and forwards it. A persistence failure is
// reported once on stderr rather than failing the log call: losing one
// audit row must not break the run's own narrative output.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]any)
	for _, attr := range h.attrs {
		h.addAttr(attrs, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.addAttr(attrs, attr)
		return true
	})

	encoded, err := json.Marshal(attrs)
	if err != nil {
		encoded = []byte("{}")
	}

	if err := h.recorder.Insert(record.Time, record.Level.String(), record.Message, string(encoded)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit record not persisted: %v\n", err)
	}

	return h.inner.Handle(ctx, record)
}

func (h *Handler) addAttr(into map[string]any, attr slog.Attr) {
	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	into[key] = attr.Value.String()
}

// WithAttrs returns a derived handler carrying the additional attrs.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *h
	derived.inner = h.inner.WithAttrs(attrs)
	derived.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &derived
}

// WithGroup returns a derived handler with a group prefix.
func (h *Handler) WithGroup(name string) slog.Handler {
	derived := *h
	derived.inner = h.inner.WithGroup(name)
	if derived.group == "" {
		derived.group = name
	} else {
		derived.group = derived.group + "." + name
	}
	return &derived
}

// NewRunID returns a timestamped run identifier like
// "run-20260826-153000". Uniqueness beyond one-second resolution is
// not needed: runs are sequential on one host.
func NewRunID(now time.Time) string {
	return "run-" + now.UTC().Format("20060102-150405")
}
