package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/config"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool for the audit trail.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- validated config value
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = int32(cfg.MinConns) // #nosec G115 -- validated config value
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            UUID PRIMARY KEY,
	prompt        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	succeeded     BOOLEAN NOT NULL DEFAULT FALSE,
	final_answer  TEXT NOT NULL DEFAULT '',
	iterations    INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	clean_code    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	request_ip    TEXT NOT NULL DEFAULT '',
	api_key_hash  TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS attempts (
	run_id       UUID NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	idx          INTEGER NOT NULL,
	class        TEXT NOT NULL,
	exit_code    INTEGER NOT NULL,
	code         TEXT NOT NULL,
	code_hash    TEXT NOT NULL,
	stdout       TEXT NOT NULL,
	stderr       TEXT NOT NULL,
	temperature  DOUBLE PRECISION NOT NULL,
	duration_ms  BIGINT NOT NULL,
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS executions (
	id               UUID PRIMARY KEY,
	language         TEXT NOT NULL,
	code_hash        TEXT NOT NULL,
	exit_code        INTEGER NOT NULL,
	stdout           TEXT NOT NULL,
	stderr           TEXT NOT NULL,
	backend          TEXT NOT NULL,
	duration_ms      BIGINT NOT NULL,
	cpu_time_ms      BIGINT NOT NULL,
	memory_peak_mb   BIGINT NOT NULL,
	security_events  INTEGER NOT NULL,
	status           TEXT NOT NULL,
	request_ip       TEXT NOT NULL,
	api_key_hash     TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the audit tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRun stores a run and its attempts in one transaction.
func (db *DB) LogRun(ctx context.Context, run *Run) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (id, prompt, outcome, succeeded, final_answer, iterations,
				max_attempts, clean_code, error, request_ip, api_key_hash, duration_ms,
				created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			run.ID, run.Prompt, run.Outcome, run.Succeeded, run.FinalAnswer, run.Iterations,
			run.MaxAttempts, run.CleanCode, run.Error, run.RequestIP, run.APIKeyHash, run.DurationMS,
			run.CreatedAt, run.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, a := range run.Attempts {
			batch.Queue(`
				INSERT INTO attempts (run_id, idx, class, exit_code, code, code_hash,
					stdout, stderr, temperature, duration_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (run_id, idx) DO NOTHING`,
				run.ID, a.Index, a.Class, a.ExitCode, a.Code, a.CodeHash,
				a.Stdout, a.Stderr, a.Temperature, a.DurationMS,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting attempts: %w", err)
		}
		return nil
	})
}

// LogExecution inserts a direct execution record.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO executions (id, language, code_hash, exit_code, stdout, stderr, backend,
			duration_ms, cpu_time_ms, memory_peak_mb, security_events, status,
			request_ip, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.Language, exec.CodeHash, exec.ExitCode,
		exec.Stdout, exec.Stderr, exec.Backend,
		exec.DurationMS, exec.CPUTimeMS, exec.MemoryPeakMB,
		exec.SecurityEvents, exec.Status,
		exec.RequestIP, exec.APIKeyHash, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

const runColumns = `id, prompt, outcome, succeeded, final_answer, iterations, max_attempts,
	clean_code, error, request_ip, duration_ms, created_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.Prompt, &r.Outcome, &r.Succeeded, &r.FinalAnswer, &r.Iterations, &r.MaxAttempts,
		&r.CleanCode, &r.Error, &r.RequestIP, &r.DurationMS, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun returns a run with its attempts in index order.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT run_id, idx, class, exit_code, code, code_hash, stdout, stderr, temperature, duration_ms
		FROM attempts WHERE run_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("querying attempts of %s: %w", id, err)
	}
	attempts, err := pgx.CollectRows(rows, pgx.RowToStructByName[Attempt])
	if err != nil {
		return nil, fmt.Errorf("scanning attempts of %s: %w", id, err)
	}
	run.Attempts = attempts
	return run, nil
}

// ListRuns returns runs newest first, without attempts.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE ($1::text = '' OR outcome = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		filter.Outcome, filter.Since, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	results := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, *run)
	}
	return results, rows.Err()
}
