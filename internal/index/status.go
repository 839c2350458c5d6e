package index

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spacerat/internal/db"
)

// TableStatus describes the materialized table of one geography.
type TableStatus struct {
	Geography string `json:"geography"`
	Table     string `json:"table"`
	Built     bool   `json:"built"`
	RowCount  int64  `json:"row_count"`
}

// Prepare installs the extensions the engine depends on and creates the
// target schema. It is safe to run repeatedly.
func Prepare(ctx context.Context, pool db.Pool, schema string) error {
	for _, ext := range []string{"postgis", "pg_trgm"} {
		if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+ext); err != nil {
			return eris.Wrapf(err, "index: create extension %s", ext)
		}
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.Quote(schema)); err != nil {
		return eris.Wrapf(err, "index: create schema %s", schema)
	}
	return nil
}

// Status reports which geographies have a materialized table and their
// approximate row counts, in hierarchy order.
func (b *Builder) Status(ctx context.Context) ([]TableStatus, error) {
	const q = `
		SELECT c.relname, GREATEST(c.reltuples, 0)::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'
	`
	rows, err := b.pool.Query(ctx, q, b.schema)
	if err != nil {
		return nil, eris.Wrap(err, "index: list tables")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, eris.Wrap(err, "index: scan table row")
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "index: iterate table rows")
	}

	ids, err := b.targets(nil)
	if err != nil {
		return nil, err
	}
	out := make([]TableStatus, 0, len(ids))
	for _, id := range ids {
		g, _ := b.reg.Geography(id)
		n, built := counts[g.Table]
		out = append(out, TableStatus{
			Geography: g.ID,
			Table:     db.Qualify(b.schema, g.Table),
			Built:     built,
			RowCount:  n,
		})
	}
	return out, nil
}
