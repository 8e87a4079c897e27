// Package ledger persists delivery state of evidence artifacts and driver
// events in sqlite so pending work survives a restart.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/sink"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Delivery states
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed" // encode failed, nothing to deliver
)

// Fixed width so TEXT comparison in ORDER BY is chronological. Values are
// always written in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the sqlite-backed delivery log.
type Ledger struct {
	db  *sql.DB
	log *logger.Module
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and applies migrations.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// single writer; keeps per-connection pragmas in effect
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	l := &Ledger{db: db, log: logger.For("Ledger"), now: time.Now}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{l.log}
	// m is not closed: that would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct {
	m *logger.Module
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.m.Debug("[migrate] "+format, v...)
}

func (l migrateLogger) Verbose() bool {
	return false
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ArtifactRecord is the persisted metadata needed to retry an upload.
type ArtifactRecord struct {
	Path       string
	Camera     string
	CameraType string
	Format     string
	Start      time.Time
	End        time.Time
	Status     string
	Attempts   int
	LastError  string
}

// RecordArtifact registers a clip as pending. Re-recording an existing path
// keeps its state.
func (l *Ledger) RecordArtifact(ctx context.Context, a ArtifactRecord) error {
	now := l.now().UTC().Format(timeLayout)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO artifacts (path, camera, camera_type, format, start_time, end_time, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		a.Path, a.Camera, a.CameraType, a.Format,
		a.Start.UTC().Format(timeLayout), a.End.UTC().Format(timeLayout),
		StatusPending, now, now)
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.Path, err)
	}
	return nil
}

// MarkArtifactDelivered marks a clip as uploaded.
func (l *Ledger) MarkArtifactDelivered(ctx context.Context, path string) error {
	return l.setArtifact(ctx, path, StatusDelivered, "", false)
}

// MarkArtifactAttempt records a failed upload attempt; the clip stays pending.
func (l *Ledger) MarkArtifactAttempt(ctx context.Context, path string, cause error) error {
	return l.setArtifact(ctx, path, StatusPending, errString(cause), true)
}

// MarkArtifactFailed records that the clip could not be produced.
func (l *Ledger) MarkArtifactFailed(ctx context.Context, path string, cause error) error {
	return l.setArtifact(ctx, path, StatusFailed, errString(cause), false)
}

func (l *Ledger) setArtifact(ctx context.Context, path, status, lastErr string, attempt bool) error {
	inc := 0
	if attempt {
		inc = 1
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE artifacts
		SET status = ?, attempts = attempts + ?, last_error = NULLIF(?, ''), updated_at = ?
		WHERE path = ?`,
		status, inc, lastErr, l.now().UTC().Format(timeLayout), path)
	if err != nil {
		return fmt.Errorf("update artifact %s: %w", path, err)
	}
	return nil
}

// Artifact returns the record of one clip.
func (l *Ledger) Artifact(ctx context.Context, path string) (ArtifactRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT path, camera, camera_type, format, start_time, end_time, status, attempts, COALESCE(last_error, '')
		FROM artifacts WHERE path = ?`, path)
	return scanArtifact(row)
}

// PendingArtifacts lists clips not yet delivered, oldest segment first.
func (l *Ledger) PendingArtifacts(ctx context.Context) ([]ArtifactRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT path, camera, camera_type, format, start_time, end_time, status, attempts, COALESCE(last_error, '')
		FROM artifacts WHERE status = ? ORDER BY start_time, path`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (ArtifactRecord, error) {
	var a ArtifactRecord
	var start, end string
	if err := s.Scan(&a.Path, &a.Camera, &a.CameraType, &a.Format, &start, &end, &a.Status, &a.Attempts, &a.LastError); err != nil {
		return ArtifactRecord{}, fmt.Errorf("scan artifact: %w", err)
	}
	var err error
	if a.Start, err = time.Parse(timeLayout, start); err != nil {
		return ArtifactRecord{}, fmt.Errorf("parse start_time %q: %w", start, err)
	}
	if a.End, err = time.Parse(timeLayout, end); err != nil {
		return ArtifactRecord{}, fmt.Errorf("parse end_time %q: %w", end, err)
	}
	return a, nil
}

// EventRecord is a persisted driver event.
type EventRecord struct {
	Camera    string
	Class     string
	Event     sink.DriverEvent
	Status    string
	Attempts  int
	LastError string
}

// RecordEvent stores an event as pending, keyed by its global ID.
func (l *Ledger) RecordEvent(ctx context.Context, camera, class string, ev sink.DriverEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := l.now().UTC().Format(timeLayout)
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (global_event_id, camera, class, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(global_event_id) DO NOTHING`,
		ev.GlobalEventID, camera, class, string(payload), StatusPending, now, now)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.GlobalEventID, err)
	}
	return nil
}

// MarkEventDelivered marks an event as posted.
func (l *Ledger) MarkEventDelivered(ctx context.Context, id string) error {
	return l.setEvent(ctx, id, StatusDelivered, "", false)
}

// MarkEventAttempt records a failed post; the event stays pending.
func (l *Ledger) MarkEventAttempt(ctx context.Context, id string, cause error) error {
	return l.setEvent(ctx, id, StatusPending, errString(cause), true)
}

func (l *Ledger) setEvent(ctx context.Context, id, status, lastErr string, attempt bool) error {
	inc := 0
	if attempt {
		inc = 1
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, attempts = attempts + ?, last_error = NULLIF(?, ''), updated_at = ?
		WHERE global_event_id = ?`,
		status, inc, lastErr, l.now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	return nil
}

// PendingEvents lists events not yet delivered, oldest first.
func (l *Ledger) PendingEvents(ctx context.Context) ([]EventRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT camera, class, payload, status, attempts, COALESCE(last_error, '')
		FROM events WHERE status = ? ORDER BY created_at, global_event_id`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload string
		if err := rows.Scan(&r.Camera, &r.Class, &payload, &r.Status, &r.Attempts, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Event); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of artifacts and events per status.
func (l *Ledger) Counts(ctx context.Context) (map[string]int, map[string]int, error) {
	count := func(table string) (map[string]int, error) {
		rows, err := l.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make(map[string]int)
		for rows.Next() {
			var s string
			var n int
			if err := rows.Scan(&s, &n); err != nil {
				return nil, err
			}
			out[s] = n
		}
		return out, rows.Err()
	}
	arts, err := count("artifacts")
	if err != nil {
		return nil, nil, fmt.Errorf("count artifacts: %w", err)
	}
	evs, err := count("events")
	if err != nil {
		return nil, nil, fmt.Errorf("count events: %w", err)
	}
	return arts, evs, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
