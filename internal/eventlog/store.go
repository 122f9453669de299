package eventlog

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// TimeLayout is the wall-clock format stored in the log. Timestamps are
// written and read in the host's local zone; downstream consumers (the config
// UI, Loxone templates) expect local wall-clock strings, not UTC.
const TimeLayout = "2006-01-02 15:04:05"

// Entry is one recognition event as persisted.
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Image     string    `json:"image,omitempty"`
}

// Store is the SQLite-backed event log.
type Store struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ts TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
}

// Open opens (creating if needed) the event log database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	// Single writer; WAL keeps readers unblocked during appends.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("event log pragma %q: %w", p, err)
		}
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("event log migration: %w", err)
		}
	}

	log.Printf("[EventLog] database ready at %s", path)
	return &Store{db: db}, nil
}

// Append writes one event. The image argument is the evidence file name
// relative to the image directory, or empty when no image was saved.
func (s *Store) Append(name string, ts time.Time, image string) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: ts,
		Image:     image,
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, name, ts, image) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, ts.In(time.Local).Format(TimeLayout), e.Image,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

// Record implements the dispatcher's recorder contract.
func (s *Store) Record(name string, ts time.Time, imagePath string) error {
	_, err := s.Append(name, ts, imagePath)
	return err
}

// List returns up to limit entries at or after since, newest first. A zero
// since returns the most recent entries regardless of age. limit <= 0 means
// no cap.
func (s *Store) List(since time.Time, limit int) ([]Entry, error) {
	q := `SELECT id, name, ts, image FROM events`
	args := []any{}
	if !since.IsZero() {
		q += ` WHERE ts >= ?`
		args = append(args, since.In(time.Local).Format(TimeLayout))
	}
	q += ` ORDER BY rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.Name, &ts, &e.Image); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp, err = time.ParseInLocation(TimeLayout, ts, time.Local)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
