package model

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spacerat/internal/predicate"
)

func geo(id string, subs ...string) Geography {
	return Geography{
		ID:             id,
		Table:          id,
		IDField:        "id",
		Query:          "SELECT 1",
		Subgeographies: subs,
	}
}

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	out := make([]string, len(ve.Problems))
	for i, p := range ve.Problems {
		out[i] = p.String()
	}
	return out
}

func TestRegisterGeography_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("county")))
	err := r.RegisterGeography(geo("county"))
	assert.Equal(t, []string{"geography county: duplicate id"}, problemsOf(t, err))
}

func TestRegister_DefaultName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("school_district")))
	g, ok := r.Geography("school_district")
	require.True(t, ok)
	assert.Equal(t, "School District", g.Name)
}

func TestValidate_UnresolvedSubgeography(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("county", "tract")))
	assert.Contains(t, problemsOf(t, r.Validate()), `geography county: subgeography "tract" is not registered`)
}

func TestValidate_Cycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("a", "b")))
	require.NoError(t, r.RegisterGeography(geo("b", "c")))
	require.NoError(t, r.RegisterGeography(geo("c", "a")))

	err := r.Validate()
	assert.Contains(t, problemsOf(t, err), "geography a: hierarchy cycle: a -> b -> c -> a")

	_, err = r.Hierarchy()
	require.Error(t, err)
}

func TestValidate_SelfReference(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("a", "a")))
	assert.Contains(t, problemsOf(t, r.Validate()), "geography a: lists itself as a subgeography")
}

func TestValidate_PredicateColumns(t *testing.T) {
	g := geo("parcel")
	g.Columns = []string{"class"}
	g.TrigramIndexes = []string{"owner_name"}
	g.Variants = map[string]predicate.Expr{
		"residential": {Column: "class", Op: predicate.OpEq, Value: "R"},
		"big":         {Column: "acres", Op: predicate.OpGt, Value: 10},
		"param":       {Column: "class", Op: predicate.OpEq, Param: 1},
	}
	g.Filters = map[string]predicate.Expr{
		"gap": {All: []predicate.Expr{
			{Column: "class", Op: predicate.OpEq, Param: 1},
			{Column: "name", Op: predicate.OpILike, Param: 3},
		}},
	}
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(g))

	got := problemsOf(t, r.Validate())
	assert.ElementsMatch(t, []string{
		`geography parcel: trigram index references undeclared column "owner_name"`,
		`geography parcel: variant "big" references undeclared column "acres"`,
		`geography parcel: variant "param" must not take parameters`,
		`geography parcel: filter "gap" parameters must be numbered 1..N without gaps`,
	}, got)
}

func TestValidate_Identifiers(t *testing.T) {
	g := geo("parcel")
	g.Table = "parcel; DROP TABLE x"
	g.Columns = []string{"ok", "bad col", "name"}
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(g))

	got := problemsOf(t, r.Validate())
	assert.ElementsMatch(t, []string{
		`geography parcel: table "parcel; DROP TABLE x" is not a valid identifier`,
		`geography parcel: column "bad col" is not a valid identifier`,
		`geography parcel: column "name" duplicates a standard column`,
	}, got)
}

func TestValidate_SourcesAndQuestions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("parcel")))
	require.NoError(t, r.RegisterSource(Source{
		ID: "sales", Table: "assessor.sales", SpatialResolution: "parcel",
		RegionSelect: "parid", TimeSelect: "saledate", TemporalResolution: "fortnight",
	}))
	require.NoError(t, r.RegisterSource(Source{
		ID: "permits", Table: "a.b.c", SpatialResolution: "block", RegionSelect: "id",
	}))
	require.NoError(t, r.RegisterQuestion(Question{ID: "price", Datatype: "ratio", Source: "sales", ValueSelect: "price"}))
	require.NoError(t, r.RegisterQuestion(Question{ID: "sale-count", Datatype: Continuous, Source: "nope", ValueSelect: "1"}))
	require.NoError(t, r.RegisterQuestion(Question{ID: "sale_count", Datatype: Continuous, Source: "sales", ValueSelect: "1"}))

	got := problemsOf(t, r.Validate())
	assert.ElementsMatch(t, []string{
		`source sales: temporal_resolution "fortnight" is not one of day, week, month, quarter, year, decade`,
		`source permits: table "a.b.c" is not a valid table reference`,
		`source permits: spatial_resolution "block" is not a registered geography`,
		`question price: datatype "ratio" is not one of continuous, categorical, boolean, date`,
		`question sale-count: source "nope" is not registered`,
		`question sale_count: field name "sale_count" collides with question "sale-count"`,
	}, got)
}

func TestValidate_PointSources(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("parcel")))
	require.NoError(t, r.RegisterSource(Source{
		ID: "permits", Table: "pli.permits", SpatialResolution: PointResolution, GeomSelect: "geom",
	}))
	require.NoError(t, r.RegisterSource(Source{
		ID: "crashes", Table: "penndot.crashes", SpatialResolution: PointResolution,
	}))
	require.NoError(t, r.RegisterSource(Source{
		ID: "sales", Table: "assessor.sales", SpatialResolution: "parcel", RegionSelect: "parid", GeomSelect: "geom",
	}))

	got := problemsOf(t, r.Validate())
	assert.ElementsMatch(t, []string{
		`source crashes: geom_select is empty for a point source`,
		`source sales: geom_select is only used with spatial_resolution "point"`,
	}, got)

	permits, ok := r.Source("permits")
	require.True(t, ok)
	parcel, _ := r.Geography("parcel")
	assert.True(t, permits.Point())
	assert.True(t, permits.Aggregates(parcel))
}

func TestHierarchy_Order(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGeography(geo("parcel")))
	require.NoError(t, r.RegisterGeography(geo("neighborhood", "parcel")))
	require.NoError(t, r.RegisterGeography(geo("county", "neighborhood", "parcel")))
	require.NoError(t, r.Validate())

	h, err := r.Hierarchy()
	require.NoError(t, err)
	assert.Equal(t, []string{"county", "neighborhood", "parcel"}, h.Order)
	assert.Equal(t, []Edge{
		{Parent: "county", Child: "neighborhood"},
		{Parent: "county", Child: "parcel"},
		{Parent: "neighborhood", Child: "parcel"},
	}, h.Edges)
	assert.Equal(t, []string{"neighborhood", "county"}, h.Parents("parcel"))
	assert.Equal(t, []string{"county"}, h.Roots())
	assert.Len(t, h.EdgesTouching("neighborhood"), 2)
}

func TestSourceQuestions_Sorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterQuestion(Question{ID: "b", Source: "s"}))
	require.NoError(t, r.RegisterQuestion(Question{ID: "a", Source: "s"}))
	require.NoError(t, r.RegisterQuestion(Question{ID: "c", Source: "t"}))

	qs := r.SourceQuestions("s")
	require.Len(t, qs, 2)
	assert.Equal(t, "a", qs[0].ID)
	assert.Equal(t, "b", qs[1].ID)
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"fair-market-value":  "fair_market_value",
		"Año de Construcción": "ano_de_construccion",
		"--pop  2020--":      "pop_2020",
		"already_ok":         "already_ok",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestSlug_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	results := make([][]string, 16)
	for g := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				results[g] = append(results[g], Slug("Fair Market Value Café"))
			}
		}()
	}
	wg.Wait()

	for _, rs := range results {
		for _, got := range rs {
			require.Equal(t, "fair_market_value_cafe", got)
		}
	}
}

func TestDatatypeStats(t *testing.T) {
	assert.Len(t, Continuous.Stats(), 10)
	assert.Equal(t, []string{"mode", "n"}, Categorical.Stats())
	assert.Nil(t, Datatype("x").Stats())
	assert.False(t, Datatype("x").Valid())
}
