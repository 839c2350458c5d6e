package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Index describes a secondary index on a materialized table.
type Index struct {
	Suffix string // name part: <table>__<suffix>__idx
	Using  string // access method ("GIST", "GIN"); empty for btree
	Expr   string // indexed column list or expression, already quoted
	Unique bool
}

// Column is one column of a fixed-schema materialized table.
type Column struct {
	Name string
	Type string
}

// maxIdent is the PostgreSQL identifier limit (NAMEDATALEN - 1).
const maxIdent = 63

// ShortName returns name unchanged when it fits in an identifier, otherwise
// a truncated prefix plus a stable hash of the full name. Postgres would
// silently truncate, which breaks the rename step of a swap.
func ShortName(name string) string {
	if len(name) <= maxIdent {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(name)) //nolint:errcheck
	return fmt.Sprintf("%s_%08x", name[:maxIdent-9], h.Sum32())
}

// BuildName returns the name of the staging table a rebuild writes into.
func BuildName(table string) string {
	return ShortName(table + "__build")
}

// IndexName returns the index name used for table and suffix.
func IndexName(table, suffix string) string {
	return ShortName(fmt.Sprintf("%s__%s__idx", table, suffix))
}

// EnsureSchema creates schema if it does not exist.
func EnsureSchema(ctx context.Context, tx pgx.Tx, schema string) error {
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+Quote(schema)); err != nil {
		return eris.Wrapf(err, "db: ensure schema %s", schema)
	}
	return nil
}

// CreateBuildTableAs materializes query into the staging table for table.
// The query must not carry bind parameters (utility statements cannot).
func CreateBuildTableAs(ctx context.Context, tx pgx.Tx, schema, table, query string) (int64, error) {
	build := Qualify(schema, BuildName(table))
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+build); err != nil {
		return 0, eris.Wrapf(err, "db: drop stale build table for %s", table)
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", build, query))
	if err != nil {
		return 0, eris.Wrapf(err, "db: create build table for %s", table)
	}
	return tag.RowsAffected(), nil
}

// CreateBuildTable creates an empty staging table for table with the given
// columns. Callers fill it with INSERT ... SELECT, which accepts parameters.
func CreateBuildTable(ctx context.Context, tx pgx.Tx, schema, table string, cols []Column) error {
	build := Qualify(schema, BuildName(table))
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+build); err != nil {
		return eris.Wrapf(err, "db: drop stale build table for %s", table)
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = Quote(c.Name) + " " + c.Type
	}
	sql := fmt.Sprintf("CREATE TABLE %s (%s)", build, strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "db: create build table for %s", table)
	}
	return nil
}

// CreateIndexes creates the given indexes on the staging table for table.
func CreateIndexes(ctx context.Context, tx pgx.Tx, schema, table string, indexes []Index) error {
	build := BuildName(table)
	for _, idx := range indexes {
		if _, err := tx.Exec(ctx, indexSQL(schema, build, idx)); err != nil {
			return eris.Wrapf(err, "db: create index %s on %s", idx.Suffix, table)
		}
	}
	return nil
}

func indexSQL(schema, table string, idx Index) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(Quote(IndexName(table, idx.Suffix)))
	b.WriteString(" ON ")
	b.WriteString(Qualify(schema, table))
	if idx.Using != "" {
		b.WriteString(" USING ")
		b.WriteString(idx.Using)
	}
	b.WriteString(" (")
	b.WriteString(idx.Expr)
	b.WriteString(")")
	return b.String()
}

// Swap replaces table with its staging table and renames the staging
// indexes to their final names. Run inside the transaction that built the
// staging table: readers keep seeing the old table until commit.
func Swap(ctx context.Context, tx pgx.Tx, schema, table string, indexes []Index) error {
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+Qualify(schema, table)); err != nil {
		return eris.Wrapf(err, "db: drop previous %s", table)
	}
	rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", Qualify(schema, BuildName(table)), Quote(table))
	if _, err := tx.Exec(ctx, rename); err != nil {
		return eris.Wrapf(err, "db: swap in %s", table)
	}
	build := BuildName(table)
	for _, idx := range indexes {
		sql := fmt.Sprintf("ALTER INDEX %s RENAME TO %s",
			Qualify(schema, IndexName(build, idx.Suffix)), Quote(IndexName(table, idx.Suffix)))
		if _, err := tx.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "db: rename index %s on %s", idx.Suffix, table)
		}
	}
	return nil
}

// GrantSelect grants read access on table to role. An empty role is a no-op.
func GrantSelect(ctx context.Context, tx pgx.Tx, schema, table, role string) error {
	if role == "" {
		return nil
	}
	sql := fmt.Sprintf("GRANT SELECT ON %s TO %s", Qualify(schema, table), Quote(role))
	if _, err := tx.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "db: grant select on %s", table)
	}
	return nil
}

// RowQuerier is satisfied by Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableExists reports whether schema.table exists.
func TableExists(ctx context.Context, q RowQuerier, schema, table string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", Qualify(schema, table)).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "db: check table %s.%s", schema, table)
	}
	return exists, nil
}
