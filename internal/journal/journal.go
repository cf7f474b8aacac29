// Package journal records bridge diagnostics in a local SQLite file. It is
// strictly best-effort: journal failures never affect bridge operation.
package journal

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver
)

// Event kinds recorded by the bridge.
const (
	KindConnection = "connection"
	KindPairing    = "pairing"
	KindCommand    = "command"
	KindSync       = "sync"
)

// Event is one journal row.
type Event struct {
	ID         int64
	RecordedAt time.Time
	Kind       string
	Detail     string
}

// Journal is a local diagnostics log backed by SQLite.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the journal database and its schema.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent readers while the bridge writes
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{
		db:  db,
		log: log.With().Str("component", "journal").Logger(),
	}, nil
}

// Record appends an event. Errors are logged and swallowed.
func (j *Journal) Record(kind, detail string) {
	if j == nil {
		return
	}
	_, err := j.db.Exec(
		`INSERT INTO events (recorded_at, kind, detail) VALUES (?, ?, ?)`,
		time.Now().UTC(), kind, detail,
	)
	if err != nil {
		j.log.Debug().Err(err).Str("kind", kind).Msg("failed to record journal event")
	}
}

// Recent returns up to n most recent events, newest first.
func (j *Journal) Recent(n int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(
		`SELECT id, recorded_at, kind, detail FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RecordedAt, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window.
func (j *Journal) Prune(olderThan time.Duration) {
	if j == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	if _, err := j.db.Exec(`DELETE FROM events WHERE recorded_at < ?`, cutoff); err != nil {
		j.log.Debug().Err(err).Msg("failed to prune journal")
	}
}

// Close closes the underlying database. Safe on a nil journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
