package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Snapshot describes rows written to a keyed table, such as the model
// definition snapshot or a map's saved style. Rows whose Key columns match
// an existing row replace its other columns.
type Snapshot struct {
	Table   string // schema-qualified, e.g. "spacerat.model_definitions"
	Columns []string
	Key     []string
}

// values are the non-key columns a matching row takes from the snapshot.
func (s Snapshot) values() []string {
	key := make(map[string]bool, len(s.Key))
	for _, k := range s.Key {
		key[k] = true
	}
	var out []string
	for _, c := range s.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// WriteSnapshot copies rows into a staging table and merges them into
// s.Table in one transaction. It returns the number of rows written.
func WriteSnapshot(ctx context.Context, pool Pool, s Snapshot, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(s.Columns) == 0 {
		return 0, eris.Errorf("db: snapshot %s: no columns", s.Table)
	}
	if len(s.Key) == 0 {
		return 0, eris.Errorf("db: snapshot %s: no key columns", s.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: snapshot %s: begin", s.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{"_stage_" + strings.ReplaceAll(s.Table, ".", "_")}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), sanitizeTable(s.Table))); err != nil {
		return 0, eris.Wrapf(err, "db: snapshot %s: create staging table", s.Table)
	}
	if _, err := tx.CopyFrom(ctx, stage, s.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: snapshot %s: copy rows", s.Table)
	}

	cols := quoteAndJoin(s.Columns)
	onConflict := "DO NOTHING"
	if vals := s.values(); len(vals) > 0 {
		set := make([]string, len(vals))
		for i, c := range vals {
			id := pgx.Identifier{c}.Sanitize()
			set[i] = id + " = EXCLUDED." + id
		}
		onConflict = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(s.Table), cols, cols, stage.Sanitize(), quoteAndJoin(s.Key), onConflict))
	if err != nil {
		return 0, eris.Wrapf(err, "db: snapshot %s: merge", s.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: snapshot %s: commit", s.Table)
	}
	return tag.RowsAffected(), nil
}
