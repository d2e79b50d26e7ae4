package ports

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// JournalEntry is one recorded reservation lifecycle event.
type JournalEntry struct {
	ID      int
	Port    int
	Service string
	Event   string // "reserve", "confirm", "release", "expire"
	State   State
	PID     int
	At      time.Time
}

// Journal is a durable, append-only record of allocation events. It exists for
// diagnostics across launcher restarts; the in-memory reservation table stays
// authoritative.
type Journal struct {
	db *sql.DB
}

// OpenJournal creates or opens the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS port_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		port INTEGER NOT NULL,
		service TEXT NOT NULL,
		event TEXT NOT NULL,
		state TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_port ON port_events(port);
	CREATE INDEX IF NOT EXISTS idx_service ON port_events(service);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Record appends one event for the reservation.
func (j *Journal) Record(r *Reservation, event string) error {
	at := time.Now().UTC().Format(time.RFC3339)
	_, err := j.db.Exec(`
		INSERT INTO port_events (port, service, event, state, pid, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Port, r.Service, event, string(r.State), r.PID, at)
	if err != nil {
		return fmt.Errorf("failed to record port event: %w", err)
	}
	return nil
}

// Recent returns the latest n events, newest first.
func (j *Journal) Recent(n int) ([]JournalEntry, error) {
	rows, err := j.db.Query(`
		SELECT id, port, service, event, state, pid, at
		FROM port_events
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// History returns every event recorded for a port, oldest first.
func (j *Journal) History(port int) ([]JournalEntry, error) {
	rows, err := j.db.Query(`
		SELECT id, port, service, event, state, pid, at
		FROM port_events
		WHERE port = ?
		ORDER BY id ASC
	`, port)
	if err != nil {
		return nil, fmt.Errorf("failed to query port history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]JournalEntry, error) {
	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var state, at string

		err := rows.Scan(&e.ID, &e.Port, &e.Service, &e.Event, &state, &e.PID, &at)
		if err != nil {
			return nil, err
		}

		e.State = State(state)
		e.At, _ = time.Parse(time.RFC3339, at)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
