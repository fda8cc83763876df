// Package history implements the HistoryStore: an append-only record of
// terminated job instances and the persisted disabled-pattern registry,
// backed by a single embedded relational file (spec.md §6, §4.9).
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the persisted final snapshot of a terminated JobInstance.
type Record struct {
	InstanceID   string
	JobID        string
	Command      string
	CreatedAt    time.Time
	TerminatedAt time.Time
	State        string
	ExitCode     *int
	Error        string
	Tail         string
}

// DisabledRecord is one persisted disable pattern.
type DisabledRecord struct {
	Pattern string
	Kind    string // "exact" or "regex"
	At      time.Time
	By      string
}

// Query filters History lookups.
type Query struct {
	JobID          string
	Since, Until   time.Time
	FailureOnly    bool
}

// Store is a HistoryStore backed by a modernc.org/sqlite file.
type Store struct {
	db *sql.DB
}

const schemaVersion = 1

// Open opens (creating if necessary) the history database at path and
// forward-migrates its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS history (
			instance_id  TEXT PRIMARY KEY,
			job_id       TEXT NOT NULL,
			command      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			terminated_at TEXT NOT NULL,
			state        TEXT NOT NULL,
			exit_code    INTEGER,
			error        TEXT,
			tail         TEXT
		);
		CREATE TABLE IF NOT EXISTS disabled (
			pattern TEXT PRIMARY KEY,
			kind    TEXT NOT NULL,
			at      TEXT NOT NULL,
			by      TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// RecordHistory appends a terminal snapshot. Per spec.md §7, this is
// at-most-once: a write failure is returned to the caller (who logs it and
// drops the record) rather than retried.
func (s *Store) RecordHistory(r Record) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO history (instance_id, job_id, command, created_at, terminated_at, state, exit_code, error, tail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.InstanceID, r.JobID, r.Command,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.TerminatedAt.UTC().Format(time.RFC3339Nano),
		r.State, r.ExitCode, r.Error, r.Tail,
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// Query returns history records matching q, ordered by terminated_at.
func (s *Store) Query(q Query) ([]Record, error) {
	var where []string
	var args []interface{}

	if q.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, q.JobID)
	}
	if !q.Since.IsZero() {
		where = append(where, "terminated_at >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		where = append(where, "terminated_at <= ?")
		args = append(args, q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.FailureOnly {
		where = append(where, "state IN ('INTERRUPTED', 'FAILED')")
	}

	stmt := `SELECT instance_id, job_id, command, created_at, terminated_at, state, exit_code, error, tail FROM history`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY terminated_at ASC"

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var createdAt, terminatedAt string
		if err := rows.Scan(&r.InstanceID, &r.JobID, &r.Command, &createdAt, &terminatedAt, &r.State, &r.ExitCode, &r.Error, &r.Tail); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.TerminatedAt, _ = time.Parse(time.RFC3339Nano, terminatedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Disable inserts or replaces the given disabled patterns.
func (s *Store) Disable(records []DisabledRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin disable tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO disabled (pattern, kind, at, by) VALUES (?, ?, ?, ?)`,
			r.Pattern, r.Kind, r.At.UTC().Format(time.RFC3339Nano), r.By,
		); err != nil {
			return fmt.Errorf("insert disabled pattern %q: %w", r.Pattern, err)
		}
	}
	return tx.Commit()
}

// Enable removes the given disabled patterns.
func (s *Store) Enable(patterns []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enable tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range patterns {
		if _, err := tx.Exec(`DELETE FROM disabled WHERE pattern = ?`, p); err != nil {
			return fmt.Errorf("delete disabled pattern %q: %w", p, err)
		}
	}
	return tx.Commit()
}

// ListDisabled returns every persisted DisabledRecord.
func (s *Store) ListDisabled() ([]DisabledRecord, error) {
	rows, err := s.db.Query(`SELECT pattern, kind, at, by FROM disabled ORDER BY at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query disabled: %w", err)
	}
	defer rows.Close()

	var out []DisabledRecord
	for rows.Next() {
		var r DisabledRecord
		var at string
		if err := rows.Scan(&r.Pattern, &r.Kind, &at, &r.By); err != nil {
			return nil, fmt.Errorf("scan disabled row: %w", err)
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disabled rows: %w", err)
	}
	return out, nil
}
