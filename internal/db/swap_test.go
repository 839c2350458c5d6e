package db

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndIndexNames(t *testing.T) {
	assert.Equal(t, "county__build", BuildName("county"))
	assert.Equal(t, "county__geom__idx", IndexName("county", "geom"))
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "short", ShortName("short"))

	long := strings.Repeat("map__property_assessments__", 4)
	got := ShortName(long)
	assert.Len(t, got, 63)
	assert.Equal(t, got, ShortName(long))
	assert.NotEqual(t, got, ShortName(long+"x"))
	assert.True(t, strings.HasPrefix(got, long[:54]))
}

func TestIndexSQL(t *testing.T) {
	tests := []struct {
		name string
		idx  Index
		want string
	}{
		{
			name: "btree",
			idx:  Index{Suffix: "region", Expr: `"region_id"`},
			want: `CREATE INDEX "t__region__idx" ON "geo"."t" ("region_id")`,
		},
		{
			name: "unique",
			idx:  Index{Suffix: "pk", Expr: `"id"`, Unique: true},
			want: `CREATE UNIQUE INDEX "t__pk__idx" ON "geo"."t" ("id")`,
		},
		{
			name: "gist",
			idx:  Index{Suffix: "geom", Using: "GIST", Expr: `"geom"`},
			want: `CREATE INDEX "t__geom__idx" ON "geo"."t" USING GIST ("geom")`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, indexSQL("geo", "t", tt.idx))
		})
	}
}

func TestBuildAndSwap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	indexes := []Index{{Suffix: "geom", Using: "GIST", Expr: `"geom"`}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "geo"`)).
		WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "geo"."county__build"`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "geo"."county__build" AS SELECT 1`)).
		WillReturnResult(pgxmock.NewResult("SELECT", 3))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX "county__build__geom__idx" ON "geo"."county__build" USING GIST ("geom")`)).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "geo"."county"`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "geo"."county__build" RENAME TO "county"`)).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER INDEX "geo"."county__build__geom__idx" RENAME TO "county__geom__idx"`)).
		WillReturnResult(pgxmock.NewResult("ALTER INDEX", 0))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, tx, "geo"))
	n, err := CreateBuildTableAs(ctx, tx, "geo", "county", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, CreateIndexes(ctx, tx, "geo", "county", indexes))
	require.NoError(t, Swap(ctx, tx, "geo", "county", indexes))
	require.NoError(t, tx.Commit(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBuildTable_Columns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "geo"."link__build"`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "geo"."link__build" ("parent_id" text, "child_id" text NOT NULL)`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	err = CreateBuildTable(ctx, tx, "geo", "link", []Column{
		{Name: "parent_id", Type: "text"},
		{Name: "child_id", Type: "text NOT NULL"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSwap_RenameFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(`ALTER TABLE`).WillReturnError(errors.New("relation does not exist"))

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	err = Swap(ctx, tx, "geo", "county", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swap in county")
}

func TestGrantSelect(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`GRANT SELECT ON "geo"."county" TO "reader"`)).
		WillReturnResult(pgxmock.NewResult("GRANT", 0))

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, GrantSelect(ctx, tx, "geo", "county", ""))
	require.NoError(t, GrantSelect(ctx, tx, "geo", "county", "reader"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT to_regclass`).
		WithArgs(`"geo"."county"`).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := TableExists(context.Background(), mock, "geo", "county")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewBuildError(t *testing.T) {
	assert.Nil(t, NewBuildError("index", "county", nil))

	cause := errors.New("boom")
	err := NewBuildError("index", "county", cause)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "index", be.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "index county: boom", err.Error())
}
