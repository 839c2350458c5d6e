// Package model holds the declarative definitions the engine compiles:
// geographies, sources, questions and map configurations, plus the Registry
// that validates them and exposes the geography hierarchy.
package model

import (
	"slices"

	"github.com/sells-group/spacerat/internal/predicate"
)

// Standard column names every materialized geography carries besides its
// id field.
const (
	ColumnName     = "name"
	ColumnGeom     = "geom"
	ColumnCentroid = "centroid"
)

// Geography is one level of the region hierarchy.
type Geography struct {
	ID             string                    `yaml:"id" json:"id"`
	Name           string                    `yaml:"name" json:"name"`
	Description    string                    `yaml:"description,omitempty" json:"description,omitempty"`
	Table          string                    `yaml:"table" json:"table"`
	IDField        string                    `yaml:"id_field" json:"id_field"`
	Query          string                    `yaml:"query" json:"-"`
	Columns        []string                  `yaml:"columns,omitempty" json:"columns,omitempty"`
	Subgeographies []string                  `yaml:"subgeographies,omitempty" json:"subgeographies,omitempty"`
	Variants       map[string]predicate.Expr `yaml:"variants,omitempty" json:"variants,omitempty"`
	Filters        map[string]predicate.Expr `yaml:"filters,omitempty" json:"filters,omitempty"`
	TrigramIndexes []string                  `yaml:"trigram_indexes,omitempty" json:"trigram_indexes,omitempty"`
}

// StandardColumns returns the columns every region row must carry.
func (g *Geography) StandardColumns() []string {
	return []string{g.IDField, ColumnName, ColumnGeom, ColumnCentroid}
}

// AllColumns returns the standard columns followed by the declared ones.
func (g *Geography) AllColumns() []string {
	return append(g.StandardColumns(), g.Columns...)
}

// HasColumn reports whether col is part of the materialized schema.
func (g *Geography) HasColumn(col string) bool {
	return slices.Contains(g.AllColumns(), col)
}

// HasSubgeography reports whether id is a direct child of g.
func (g *Geography) HasSubgeography(id string) bool {
	return slices.Contains(g.Subgeographies, id)
}

// Variant returns the named variant predicate.
func (g *Geography) Variant(name string) (predicate.Expr, bool) {
	v, ok := g.Variants[name]
	return v, ok
}

// Filter returns the named filter predicate.
func (g *Geography) Filter(name string) (predicate.Expr, bool) {
	f, ok := g.Filters[name]
	return f, ok
}

// VariantNames returns variant names in sorted order.
func (g *Geography) VariantNames() []string {
	return sortedKeys(g.Variants)
}

// FilterNames returns filter names in sorted order.
func (g *Geography) FilterNames() []string {
	return sortedKeys(g.Filters)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
