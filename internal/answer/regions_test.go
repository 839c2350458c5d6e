package answer

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/spacerat/internal/geometry"
)

func TestSearchRegions(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(`(?s)SELECT "hood_id"::text, name, similarity\(name, \$1\) AS score\s+FROM "spacerat"\."neighborhood"\s+WHERE name % \$1 OR strpos\(lower\(name\), lower\(\$1\)\) > 0`).
		WithArgs("shady", DefaultSearchLimit).
		WillReturnRows(pgxmock.NewRows([]string{"hood_id", "name", "score"}).
			AddRow("71", "Shadyside", 0.5).
			AddRow("72", "Shady Side South", 0.31))

	out, err := e.SearchRegions(context.Background(), "neighborhood", "shady", 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Region{Geography: "neighborhood", ID: "71", Name: "Shadyside", Score: 0.5}, out[0])
	assert.Equal(t, "72", out[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRegions_WildcardsAreLiteral(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(`strpos\(lower\(name\), lower\(\$1\)\) > 0`).
		WithArgs("100%_", 5).
		WillReturnRows(pgxmock.NewRows([]string{"hood_id", "name", "score"}))

	out, err := e.SearchRegions(context.Background(), "neighborhood", "100%_", 5)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRegions_UnknownGeography(t *testing.T) {
	e, _ := newMockEngine(t)
	_, err := e.SearchRegions(context.Background(), "ward", "x", 5)
	assert.True(t, IsCompilationError(err))
}

func TestRegion(t *testing.T) {
	e, mock := newMockEngine(t)

	poly, err := geometry.Encode(geom.NewPolygonFlat(geom.XY, []float64{0, 0, 1, 0, 1, 1, 0, 0}, []int{8}))
	require.NoError(t, err)
	pt, err := geometry.Encode(geom.NewPointFlat(geom.XY, []float64{0.6, 0.3}))
	require.NoError(t, err)

	sql := regexp.QuoteMeta(`SELECT "fips"::text, name, ST_AsEWKB(geom), ST_AsEWKB(centroid) FROM "spacerat"."county" WHERE "fips"::text = $1`)
	mock.ExpectQuery(sql).WithArgs("42003").
		WillReturnRows(pgxmock.NewRows([]string{"fips", "name", "geom", "centroid"}).AddRow("42003", "Allegheny County", poly, pt))
	mock.ExpectQuery(sql).WithArgs("00000").
		WillReturnError(pgx.ErrNoRows)

	r, err := e.Region(context.Background(), "county", "42003")
	require.NoError(t, err)
	assert.Equal(t, "Allegheny County", r.Name)
	assert.Contains(t, string(r.Geometry), `"Polygon"`)
	assert.JSONEq(t, `{"type":"Point","coordinates":[0.6,0.3]}`, string(r.Centroid))

	_, err = e.Region(context.Background(), "county", "00000")
	var qce *QueryCompilationError
	require.True(t, errors.As(err, &qce))
	assert.Equal(t, "region", qce.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitions(t *testing.T) {
	e, _ := newMockEngine(t)

	g, err := e.Geography("parcel")
	require.NoError(t, err)
	assert.Equal(t, "parcel_id", g.IDField)

	q, err := e.Question("sale-date")
	require.NoError(t, err)
	assert.Equal(t, "sales", q.Source)

	_, err = e.Question("nope")
	assert.True(t, IsCompilationError(err))
}

func TestQueryCompilationError_NotFound(t *testing.T) {
	cases := []struct {
		err  *QueryCompilationError
		want bool
	}{
		{&QueryCompilationError{Kind: "geography", ID: "state", Msg: "unknown geography"}, true},
		{&QueryCompilationError{Kind: "question", ID: "x", Msg: "unknown question"}, true},
		{&QueryCompilationError{Kind: "region", ID: "99999", Msg: "no such region in county"}, true},
		{&QueryCompilationError{Kind: "question", ID: "x", Msg: `unknown source "gone"`}, false},
		{&QueryCompilationError{Kind: "filter", ID: "owner", Msg: "not a filter of parcel"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.NotFound(), tc.err.Error())
	}
}
