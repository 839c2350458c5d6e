package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/model/modeltest"
	"github.com/sells-group/spacerat/internal/runner"
)

var (
	_ runner.Ledger = (*PostgresStore)(nil)
	_ runner.Ledger = (*SQLiteStore)(nil)
	_ Store         = (*PostgresStore)(nil)
	_ Store         = (*SQLiteStore)(nil)
)

func TestRunDuration(t *testing.T) {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	r := Run{StartedAt: start}
	assert.Zero(t, r.Duration())

	end := start.Add(90 * time.Second)
	r.FinishedAt = &end
	assert.Equal(t, 90*time.Second, r.Duration())
}

func TestRunFilterLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, RunFilter{}.limit())
	assert.Equal(t, 5, RunFilter{Limit: 5}.limit())
}

func TestDefinitionRows(t *testing.T) {
	reg := modeltest.Registry(t)

	rows, err := definitionRows(reg)
	require.NoError(t, err)

	want := len(reg.Geographies()) + len(reg.Sources()) + len(reg.Questions()) + len(reg.Maps())
	require.Len(t, rows, want)

	assert.Equal(t, "geography", rows[0][0])
	assert.Equal(t, reg.Geographies()[0].ID, rows[0][1])

	var g model.Geography
	require.NoError(t, yaml.Unmarshal([]byte(rows[0][2].(string)), &g))
	assert.Equal(t, reg.Geographies()[0].Table, g.Table)
	assert.Equal(t, reg.Geographies()[0].Query, g.Query)

	last := rows[len(rows)-1]
	assert.Equal(t, "map", last[0])
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "mysql"`)
}
