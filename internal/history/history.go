// Package history is the write-only job audit trail supplemented onto the
// job execution engine (the source's session store persists live session
// state; this persists a completed Job's outcome after the fact, purely
// for operator visibility — nothing in the engine reads it back).
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// isBusyLock reports whether err indicates SQLite database lock
// (SQLITE_BUSY). Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Record is one completed Job's audit entry.
type Record struct {
	JobID     string    `json:"job_id"`
	Language  string    `json:"language"`
	Version   string    `json:"version"`
	ClientKey string    `json:"client_key"`
	Succeeded bool      `json:"succeeded"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed append+list surface. Unlike the source's
// session store, nothing in this engine updates or deletes a row once
// written.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS job_history (
	job_id     TEXT PRIMARY KEY,
	language   TEXT NOT NULL,
	version    TEXT NOT NULL,
	client_key TEXT NOT NULL,
	succeeded  INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_created_at ON job_history(created_at);
CREATE INDEX IF NOT EXISTS idx_job_history_client_key ON job_history(client_key);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent
// reads; history writes are serialized by SQLite regardless.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// perf pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens (creating if absent) the history database at dbPath.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: running migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts one completed Job's record.
func (s *Store) Append(r Record) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO job_history (job_id, language, version, client_key, succeeded, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.JobID, r.Language, r.Version, r.ClientKey, r.Succeeded, r.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("history: inserting record: %w", err)
	}
	return nil
}

// Record is the fire-and-forget entry point the transport adapter calls
// once a Job's execution has returned (SPEC_FULL.md §8.x): a history write must
// never fail the response it is reporting on, so any error is logged and
// swallowed here rather than returned.
func (s *Store) Record(jobID, language, version, clientKey string, succeeded bool) {
	if err := s.Append(Record{
		JobID:     jobID,
		Language:  language,
		Version:   version,
		ClientKey: clientKey,
		Succeeded: succeeded,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("history: append failed", "job_id", jobID, "error", err)
	}
}

// List returns the most recent limit records, newest first. limit <= 0
// means no bound.
func (s *Store) List(limit int) ([]Record, error) {
	query := `SELECT job_id, language, version, client_key, succeeded, created_at
	          FROM job_history ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: listing records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.JobID, &r.Language, &r.Version, &r.ClientKey, &r.Succeeded, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scanning record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating records: %w", err)
	}
	return out, nil
}
