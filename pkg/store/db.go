// Package store provides SQLite-backed persistence for the leasebot
// pipeline: the inbound work queue with claim leases, dispatch-state
// compare-and-set, conversations and workflow guards, availability slots,
// showing appointments, and the append-only audit log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"leasebot/pkg/logx"
)

// Store wraps the database handle. SQLite runs with a single writer
// connection; check-then-insert sequences inside a transaction are atomic,
// which is how the overlap and claim guards get their exclusion semantics.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at dbPath and ensures the
// schema is at the current version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:     db,
		logger: logx.NewLogger("store"),
		now:    time.Now,
	}, nil
}

// Close closes the database handle. Called during shutdown after the
// worker's in-flight cycle completes.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// SetClock overrides the store clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Timestamps are stored as fixed-width UTC strings so lexicographic SQL
// ordering matches chronological ordering.
const tsLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json document: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(raw string) (MessageMetadata, error) {
	var meta MessageMetadata
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, fmt.Errorf("failed to parse message metadata: %w", err)
	}
	return meta, nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
