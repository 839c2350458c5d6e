package model_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/model/modeltest"
)

func TestLoadFS_Fixture(t *testing.T) {
	r := modeltest.Registry(t)

	parcel, ok := r.Geography("parcel")
	require.True(t, ok)
	assert.Equal(t, "parcel_id", parcel.IDField)
	assert.Equal(t, []string{"commercial", "other", "residential"}, parcel.VariantNames())
	assert.Equal(t, 2, parcel.Filters["owner_or_address"].Arity())

	q, ok := r.Question("fair-market-value")
	require.True(t, ok)
	assert.Equal(t, model.Continuous, q.Datatype)
	assert.Equal(t, "fair_market_value__median", q.Key("median"))

	assert.Len(t, r.SourceQuestions("assessments"), 3)

	m, ok := r.Map("assessment_map")
	require.True(t, ok)
	assert.Equal(t, "residential", m.Variants[0].Variant)

	h, err := r.Hierarchy()
	require.NoError(t, err)
	assert.Equal(t, []string{"county", "neighborhood", "parcel"}, h.Order)
}

func TestLoadFS_CollectsDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"geographies/a.yaml": {Data: []byte("id: g\ntable: g\nid_field: id\nquery: SELECT 1\n")},
		"geographies/b.yaml": {Data: []byte("---\nid: g\ntable: g\nid_field: id\nquery: SELECT 1\n---\nid: h\ntable: h\nid_field: id\nquery: SELECT 1\nsubgeographies: [zzz]\n")},
	}
	_, err := model.LoadFS(fsys)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Problems, 2)
	assert.Contains(t, err.Error(), "geography g: duplicate id")
	assert.Contains(t, err.Error(), `geography h: subgeography "zzz" is not registered`)
}

func TestLoadFS_ParseError(t *testing.T) {
	fsys := fstest.MapFS{
		"questions/q.yaml": {Data: []byte("id: [unclosed\n")},
	}
	_, err := model.LoadFS(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "questions/q.yaml")
}

func TestLoadFS_Empty(t *testing.T) {
	r, err := model.LoadFS(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, r.Geographies())
}

func TestDump_RoundTrip(t *testing.T) {
	r := modeltest.Registry(t)
	dir := t.TempDir()
	require.NoError(t, model.Dump(r, dir))

	_, err := os.Stat(filepath.Join(dir, "geographies", "parcel.yaml"))
	require.NoError(t, err)

	again, err := model.LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, again.Geographies(), len(r.Geographies()))
	assert.Len(t, again.Questions(), len(r.Questions()))

	orig, _ := r.Geography("parcel")
	back, _ := again.Geography("parcel")
	assert.Equal(t, orig.Variants, back.Variants)
	assert.Equal(t, orig.Filters, back.Filters)
	assert.Equal(t, orig.Query, back.Query)
}
