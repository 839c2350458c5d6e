package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spacerat/internal/model/modeltest"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// tick returns a clock that advances one second per call.
func tick(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(time.Second)
		return t
	}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	st.now = tick(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	id, err := st.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "index", r.Kind)
	assert.Equal(t, "county", r.Target)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Nil(t, r.FinishedAt)

	require.NoError(t, st.CompleteRun(ctx, id, 67, map[string]any{"table": "county"}))

	r, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, r.Status)
	assert.Equal(t, int64(67), r.Rows)
	assert.Equal(t, "county", r.Metadata["table"])
	require.NotNil(t, r.FinishedAt)
	assert.Equal(t, time.Second, r.Duration())
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.StartRun(ctx, "link", "county/parcel")
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, id, "relation does not exist"))

	r, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "relation does not exist", r.Error)
	assert.Nil(t, r.Metadata)
}

func TestSQLite_UnknownRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found: missing")

	err = st.CompleteRun(ctx, "missing", 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")

	err = st.FailRun(ctx, "missing", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	st.now = tick(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := st.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, first, 10, nil))

	second, err := st.StartRun(ctx, "index", "parcel")
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, second, "boom"))

	third, err := st.StartRun(ctx, "populate", "map__sales__county")
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third, all[0].ID)
	assert.Equal(t, first, all[2].ID)

	idx, err := st.ListRuns(ctx, RunFilter{Kind: "index"})
	require.NoError(t, err)
	assert.Len(t, idx, 2)

	failed, err := st.ListRuns(ctx, RunFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, second, failed[0].ID)

	limited, err := st.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_LastSuccess(t *testing.T) {
	st := newTestSQLiteStore(t)
	st.now = tick(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	none, err := st.LastSuccess(ctx, "index", "county")
	require.NoError(t, err)
	assert.Nil(t, none)

	old, err := st.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, old, 5, nil))

	recent, err := st.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, recent, 6, nil))

	failed, err := st.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, failed, "boom"))

	last, err := st.LastSuccess(ctx, "index", "county")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, recent, last.ID)
	assert.Equal(t, int64(6), last.Rows)
}

func TestSQLite_Definitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	reg := modeltest.Registry(t)

	n, err := st.SaveDefinitions(ctx, reg)
	require.NoError(t, err)
	want := int64(len(reg.Geographies()) + len(reg.Sources()) + len(reg.Questions()) + len(reg.Maps()))
	assert.Equal(t, want, n)

	// Saving again replaces rather than duplicates.
	_, err = st.SaveDefinitions(ctx, reg)
	require.NoError(t, err)

	all, err := st.ListDefinitions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, int(want))

	geos, err := st.ListDefinitions(ctx, "geography")
	require.NoError(t, err)
	require.Len(t, geos, len(reg.Geographies()))
	assert.Equal(t, "county", geos[0].ID)
	assert.Contains(t, geos[0].Body, "id_field: fips")
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	id, err := s.StartRun(ctx, "index", "county")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
