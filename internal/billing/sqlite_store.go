package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS llm_calls (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		function_name TEXT NOT NULL,
		call_stack    TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		duration_ms   REAL NOT NULL,
		timestamp     REAL NOT NULL,
		session_id    TEXT
	)
`

// Older logs predate the revision column; the error for an existing column is ignored.
const sqliteAddRevision = `ALTER TABLE llm_calls ADD COLUMN git_commit TEXT`

// Concurrent writers each open their own connection; the busy timeout lets SQLite
// serialize them instead of failing with SQLITE_BUSY.
const sqlitePragmas = "?_pragma=busy_timeout(5000)"

// SQLiteStore is the default durable log: a single SQLite file.
type SQLiteStore struct {
	path   string
	logger *slog.Logger
}

func NewSQLiteStore(path string, opts ...Option) *SQLiteStore {
	o := buildOptions(opts)
	return &SQLiteStore{path: path, logger: o.logger}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) open() (*sql.DB, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", s.path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set pragma: %w", err)
	}
	return s.migrate(ctx, db)
}

func (s *SQLiteStore) migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create %s: %w", Table, err)
	}
	_, _ = db.ExecContext(ctx, sqliteAddRevision)
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec usage.Record) error {
	r, err := toRow(rec)
	if err != nil {
		return err
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := s.migrate(ctx, db); err != nil {
		return err
	}

	query := `
		INSERT INTO llm_calls (function_name, call_stack, model, provider, input_tokens, output_tokens,
			cost_usd, duration_ms, timestamp, session_id, git_commit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		r.Function, r.CallStack, r.Model, r.Provider, r.InputTokens, r.OutputTokens,
		r.CostUSD, r.DurationMs, r.Timestamp, r.SessionID, r.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]usage.Record, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("usage log %s: %w", s.path, err)
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := s.migrate(ctx, db); err != nil {
		return nil, err
	}

	query := `
		SELECT function_name, call_stack, model, provider, input_tokens, output_tokens,
			cost_usd, duration_ms, timestamp, session_id, git_commit
		FROM llm_calls
		ORDER BY timestamp, id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage log: %w", err)
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var (
			r                 row
			session, revision sql.NullString
		)
		err := rows.Scan(
			&r.Function, &r.CallStack, &r.Model, &r.Provider, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.DurationMs, &r.Timestamp, &session, &revision,
		)
		if err != nil {
			s.logger.Debug("skipping unreadable usage row", "error", err)
			continue
		}
		if session.Valid {
			r.SessionID = &session.String
		}
		if revision.Valid {
			r.Revision = &revision.String
		}
		rec, err := r.record()
		if err != nil {
			s.logger.Debug("skipping corrupt usage row", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage log: %w", err)
	}
	return records, nil
}

// IsContention reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED) that outlasted the busy timeout.
func IsContention(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
