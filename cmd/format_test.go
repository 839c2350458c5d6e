package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/index"
	"github.com/sells-group/spacerat/internal/link"
	"github.com/sells-group/spacerat/internal/maps"
	"github.com/sells-group/spacerat/internal/model/modeltest"
	"github.com/sells-group/spacerat/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []store.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Kind:       "index",
			Target:     "county",
			Status:     store.StatusComplete,
			Rows:       67,
			StartedAt:  now,
			FinishedAt: &done,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Kind:      "populate",
			Target:    "map__assessments__neighborhood__residential",
			Status:    store.StatusRunning,
			StartedAt: now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "TARGET")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2026-06-15 10:30")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "map__assessments__neighborh...")
	assert.Contains(t, output, "running")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatBuildPlan_All(t *testing.T) {
	reg := modeltest.Registry(t)

	var buf bytes.Buffer
	require.NoError(t, formatBuildPlan(&buf, reg, nil, true))

	out := buf.String()
	county := strings.Index(out, "index  county")
	parcel := strings.Index(out, "index  parcel")
	require.NotEqual(t, -1, county)
	require.NotEqual(t, -1, parcel)
	assert.Less(t, county, parcel)
	assert.Contains(t, out, link.TableName("neighborhood", "parcel"))
	assert.Contains(t, out, "--confirm")
}

func TestFormatBuildPlan_Selected(t *testing.T) {
	reg := modeltest.Registry(t)

	var buf bytes.Buffer
	require.NoError(t, formatBuildPlan(&buf, reg, []string{"neighborhood"}, false))

	out := buf.String()
	assert.Contains(t, out, "neighborhood")
	assert.NotContains(t, out, "index  county")
	assert.NotContains(t, out, "link")
}

func TestFormatBuildPlan_UnknownGeography(t *testing.T) {
	reg := modeltest.Registry(t)

	var buf bytes.Buffer
	err := formatBuildPlan(&buf, reg, []string{"tract"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tract")
}

func TestFormatBuildAndLinkResults(t *testing.T) {
	var buf bytes.Buffer
	formatBuildResults(&buf, []*index.BuildResult{
		{Geography: "county", Table: "spacerat.county", Rows: 1, Duration: 1500 * time.Millisecond},
	})
	formatLinkResults(&buf, []*link.Result{
		{Parent: "county", Child: "parcel", Rows: 10, Unmatched: []string{"x", "y"}, Duration: time.Second},
	})

	out := buf.String()
	assert.Contains(t, out, "spacerat.county")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "UNMATCHED")
	assert.Regexp(t, `county\s+parcel\s+10\s+2`, out)
}

func TestFormatBuildResults_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatBuildResults(&buf, nil)
	formatLinkResults(&buf, nil)
	formatMapResults(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestFormatGeoStatus(t *testing.T) {
	done := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatGeoStatus(&buf, []index.TableStatus{
		{Geography: "county", Table: "county", Built: true, RowCount: 67},
		{Geography: "parcel", Table: "parcel"},
	}, map[string]*store.Run{
		"county": {Status: store.StatusComplete, FinishedAt: &done},
	})

	out := buf.String()
	assert.Regexp(t, `county\s+county\s+yes\s+67\s+2026-09-01 08:00`, out)
	assert.Regexp(t, `parcel\s+parcel\s+no\s+0\s+-`, out)
}

func TestMapRequests_Variants(t *testing.T) {
	reg := modeltest.Registry(t)

	reqs, err := mapRequests(reg, "assessment_map")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "", reqs[0].Variant)
	assert.Equal(t, []string{"fair-market-value", "land-use"}, reqs[0].Include)
	assert.Equal(t, "residential", reqs[1].Variant)
	assert.Equal(t, []string{"fair-market-value", "land-use", "homestead"}, reqs[1].Include)

	_, err = mapRequests(reg, "nope")
	assert.Error(t, err)
}

func TestFormatPopulatePlan(t *testing.T) {
	reg := modeltest.Registry(t)
	reqs, err := mapRequests(reg, "assessment_map")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, formatPopulatePlan(&buf, reg, reqs))

	out := buf.String()
	assert.Contains(t, out, maps.TableName("assessments", "county", ""))
	assert.Contains(t, out, maps.TableName("assessments", "neighborhood", "residential"))
	assert.Contains(t, out, "fair-market-value,land-use")
}

func TestFormatPopulatePlan_DefaultGrain(t *testing.T) {
	reg := modeltest.Registry(t)
	src, ok := reg.Source("sales")
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, formatPopulatePlan(&buf, reg, []maps.PopulateRequest{{Source: "sales"}}))
	assert.Contains(t, buf.String(), maps.TableName("sales", src.SpatialResolution, ""))
}

func TestFormatMapResults(t *testing.T) {
	var buf bytes.Buffer
	formatMapResults(&buf, []*maps.MapResult{{
		Source:    "assessments",
		Variant:   "residential",
		Questions: []string{"fair-market-value", "homestead"},
		Tables:    []*maps.TableResult{{Geography: "county", Table: "map__assessments__county__residential", Rows: 4}},
	}})
	assert.Regexp(t, `map__assessments__county__residential\s+county\s+residential\s+2\s+4`, buf.String())
}

func TestAnswerRequest_Flags(t *testing.T) {
	require.NoError(t, answerCmd.ParseFlags([]string{
		"--time", "2024-01-01/2024-12-31",
		"--variant", "central",
		"--filter", "owner:SMITH",
		"--geometry",
	}))
	t.Cleanup(func() {
		for _, name := range []string{"time", "variant", "geometry"} {
			f := answerCmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
		answerCmd.Flags().Lookup("filter").Changed = false
	})

	req, err := answerRequest(answerCmd, []string{"fair-market-value, homestead", "county.42003"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fair-market-value", "homestead"}, req.Questions)
	assert.Equal(t, answer.Scope{Geography: "county", Region: "42003"}, req.Scope)
	assert.Equal(t, answer.TimeRange, req.Time.Kind)
	assert.Equal(t, "central", req.Variant)
	assert.True(t, req.Geometry)
	assert.Equal(t, map[string][]any{"owner": {"SMITH"}}, req.Filters)
}

func TestFormatQueries(t *testing.T) {
	var buf bytes.Buffer
	formatQueries(&buf, []answer.Query{
		{Source: "sales", Geography: "county", Grain: "parcel", Questions: []string{"sale-price"}, SQL: "\nSELECT 1\n", Args: []any{"x"}},
		{Source: "assessments", Geography: "county", Grain: "parcel", Questions: []string{"homestead"}, SQL: "SELECT 2"},
	})
	out := buf.String()
	assert.Contains(t, out, "-- source sales at county (grain parcel): sale-price\nSELECT 1\n-- args: [x]")
	assert.Contains(t, out, "\n\n-- source assessments")
}
