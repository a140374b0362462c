package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Conn is a single Postgres connection; *pgx.Conn satisfies it.
type Conn interface {
	DB
	Close(ctx context.Context) error
}

// Dialer opens one connection.
type Dialer func(ctx context.Context, dsn string) (Conn, error)

func pgxDial(ctx context.Context, dsn string) (Conn, error) {
	return pgx.Connect(ctx, dsn)
}

// PostgresStore keeps the durable log in a Postgres table with the same columns as the
// SQLite log.
type PostgresStore struct {
	dsn    string
	dial   Dialer
	logger *slog.Logger
}

func NewPostgresStore(dsn string, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{dsn: dsn, dial: pgxDial, logger: o.logger}
}

// NewPostgresStoreWithDialer is NewPostgresStore with a custom way of opening connections.
func NewPostgresStoreWithDialer(dsn string, dial Dialer, opts ...Option) *PostgresStore {
	s := NewPostgresStore(dsn, opts...)
	s.dial = dial
	return s
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS llm_calls (
		id            BIGSERIAL PRIMARY KEY,
		function_name TEXT NOT NULL,
		call_stack    TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		cost_usd      DOUBLE PRECISION NOT NULL,
		duration_ms   DOUBLE PRECISION NOT NULL,
		timestamp     DOUBLE PRECISION NOT NULL,
		session_id    TEXT
	);
	ALTER TABLE llm_calls ADD COLUMN IF NOT EXISTS git_commit TEXT
`

func (s *PostgresStore) withConn(ctx context.Context, fn func(DB) error) error {
	conn, err := s.dial(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return fn(conn)
}

func (s *PostgresStore) Init(ctx context.Context) error {
	return s.withConn(ctx, func(db DB) error {
		if _, err := db.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("failed to create %s: %w", Table, err)
		}
		return nil
	})
}

func (s *PostgresStore) Append(ctx context.Context, rec usage.Record) error {
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(db DB) error {
		query := `
			INSERT INTO llm_calls (function_name, call_stack, model, provider, input_tokens, output_tokens,
				cost_usd, duration_ms, timestamp, session_id, git_commit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`
		_, err := db.Exec(ctx, query,
			r.Function, r.CallStack, r.Model, r.Provider, r.InputTokens, r.OutputTokens,
			r.CostUSD, r.DurationMs, r.Timestamp, r.SessionID, r.Revision,
		)
		if err != nil {
			return fmt.Errorf("failed to log usage: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Load(ctx context.Context) ([]usage.Record, error) {
	var records []usage.Record
	err := s.withConn(ctx, func(db DB) error {
		query := `
			SELECT function_name, call_stack, model, provider, input_tokens, output_tokens,
				cost_usd, duration_ms, timestamp, session_id, git_commit
			FROM llm_calls
			ORDER BY timestamp, id
		`
		rows, err := db.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query usage log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r row
			err := rows.Scan(
				&r.Function, &r.CallStack, &r.Model, &r.Provider, &r.InputTokens, &r.OutputTokens,
				&r.CostUSD, &r.DurationMs, &r.Timestamp, &r.SessionID, &r.Revision,
			)
			if err != nil {
				s.logger.Debug("skipping unreadable usage row", "error", err)
				continue
			}
			rec, err := r.record()
			if err != nil {
				s.logger.Debug("skipping corrupt usage row", "error", err)
				continue
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating usage log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
