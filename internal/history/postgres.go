package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the speech_sessions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS speech_sessions (
    id                 TEXT PRIMARY KEY,
    engine             TEXT NOT NULL DEFAULT '',
    language           TEXT NOT NULL,
    max_results        INTEGER NOT NULL,
    partial_results    BOOLEAN NOT NULL DEFAULT false,
    continuous         BOOLEAN NOT NULL DEFAULT false,
    silence_timeout_ms BIGINT NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ NOT NULL,
    stopped_at         TIMESTAMPTZ NOT NULL,
    stop_reason        TEXT NOT NULL DEFAULT '',
    restarts           INTEGER NOT NULL DEFAULT 0,
    errors             INTEGER NOT NULL DEFAULT 0,
    matches            JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_speech_sessions_started ON speech_sessions(started_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Matches are
// stored as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	stoppedAt := r.StoppedAt
	if stoppedAt.IsZero() {
		stoppedAt = r.StartedAt
	}
	matches := r.Matches
	if matches == nil {
		matches = []string{}
	}
	matchesJSON, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("history: marshal matches: %w", err)
	}

	const query = `
		INSERT INTO speech_sessions (
			id, engine, language, max_results, partial_results, continuous,
			silence_timeout_ms, started_at, stopped_at, stop_reason,
			restarts, errors, matches
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			engine = EXCLUDED.engine,
			stopped_at = EXCLUDED.stopped_at,
			stop_reason = EXCLUDED.stop_reason,
			restarts = EXCLUDED.restarts,
			errors = EXCLUDED.errors,
			matches = EXCLUDED.matches`

	_, err = s.db.Exec(ctx, query,
		r.ID, r.Engine, r.Language, r.MaxResults, r.PartialResults, r.Continuous,
		r.SilenceTimeout.Milliseconds(), r.StartedAt, stoppedAt, r.StopReason,
		r.Restarts, r.Errors, matchesJSON,
	)
	if err != nil {
		return fmt.Errorf("history: save %q: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, engine, language, max_results, partial_results, continuous,
	       silence_timeout_ms, started_at, stopped_at, stop_reason,
	       restarts, errors, matches
	FROM speech_sessions`

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var timeoutMS int64
	var matchesJSON []byte
	if err := row.Scan(
		&r.ID, &r.Engine, &r.Language, &r.MaxResults, &r.PartialResults, &r.Continuous,
		&timeoutMS, &r.StartedAt, &r.StoppedAt, &r.StopReason,
		&r.Restarts, &r.Errors, &matchesJSON,
	); err != nil {
		return nil, err
	}
	r.SilenceTimeout = time.Duration(timeoutMS) * time.Millisecond
	if len(matchesJSON) > 0 {
		if err := json.Unmarshal(matchesJSON, &r.Matches); err != nil {
			return nil, fmt.Errorf("history: unmarshal matches: %w", err)
		}
	}
	return &r, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get %q: %w", id, err)
	}
	return r, nil
}

// Recent implements [Store]. A non-positive limit returns every record.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := selectColumns + ` ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history: recent: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("history: ping: %w", err)
	}
	return nil
}
