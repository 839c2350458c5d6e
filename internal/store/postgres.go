package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership of
// the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const definitionsTable = "spacerat.model_definitions"

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS spacerat;

CREATE TABLE IF NOT EXISTS spacerat.runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind        TEXT NOT NULL,
	target      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	row_count   BIGINT NOT NULL DEFAULT 0,
	error       TEXT,
	metadata    JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_kind_target ON spacerat.runs(kind, target, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON spacerat.runs(status);

CREATE TABLE IF NOT EXISTS spacerat.model_definitions (
	kind     TEXT NOT NULL,
	id       TEXT NOT NULL,
	body     TEXT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, kind, target string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spacerat.runs (id, kind, target, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, kind, target, string(StatusRunning), s.now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert run %s %s", kind, target)
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, rows int64, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal metadata")
		}
		metaJSON = b
	}
	return s.finish(ctx,
		`UPDATE spacerat.runs SET status = $1, row_count = $2, metadata = $3, finished_at = $4 WHERE id = $5`,
		id, string(StatusComplete), rows, metaJSON, s.now().UTC(), id,
	)
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, msg string) error {
	return s.finish(ctx,
		`UPDATE spacerat.runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`,
		id, string(StatusFailed), msg, s.now().UTC(), id,
	)
}

func (s *PostgresStore) finish(ctx context.Context, sql, id string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

const runColumns = `id, kind, target, status, row_count, error, metadata, started_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM spacerat.runs WHERE id = $1`, id)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM spacerat.runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Target != "" {
		query += fmt.Sprintf(` AND target = $%d`, argIdx)
		args = append(args, filter.Target)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LastSuccess(ctx context.Context, kind, target string) (*Run, error) {
	runs, err := s.ListRuns(ctx, RunFilter{Kind: kind, Target: target, Status: StatusComplete, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var (
		r        Run
		errMsg   *string
		metaJSON []byte
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Target, &r.Status, &r.Rows, &errMsg, &metaJSON, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	return &r, nil
}

// SaveDefinitions upserts a snapshot of every definition in reg.
func (s *PostgresStore) SaveDefinitions(ctx context.Context, reg *model.Registry) (int64, error) {
	rows, err := definitionRows(reg)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	for i := range rows {
		rows[i] = append(rows[i], now)
	}
	n, err := db.WriteSnapshot(ctx, s.pool, db.Snapshot{
		Table:   definitionsTable,
		Columns: []string{"kind", "id", "body", "saved_at"},
		Key:     []string{"kind", "id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: save definitions")
}

func (s *PostgresStore) ListDefinitions(ctx context.Context, kind string) ([]Definition, error) {
	query := `SELECT kind, id, body, saved_at FROM spacerat.model_definitions`
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list definitions")
	}
	defs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Definition])
	return defs, eris.Wrap(err, "postgres: scan definitions")
}
