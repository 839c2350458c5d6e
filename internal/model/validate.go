package model

import (
	"slices"
	"strings"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/predicate"
)

// maxFieldName leaves room for the longest statistic suffix
// ("__third_quartile") inside a 63-byte identifier.
const maxFieldName = 47

// Validate checks every definition and the hierarchy. All problems are
// collected into a single ValidationError.
func (r *Registry) Validate() error {
	var ps problems
	for _, id := range r.geoOrder {
		r.validateGeography(r.geographies[id], &ps)
	}
	h := r.buildHierarchy(&ps)
	for _, id := range r.sourceOrder {
		r.validateSource(r.sources[id], &ps)
	}
	fields := map[string]string{}
	for _, id := range r.questionOrder {
		r.validateQuestion(r.questions[id], fields, &ps)
	}
	for _, id := range r.mapOrder {
		r.validateMap(r.maps[id], &ps)
	}
	if err := ps.err(); err != nil {
		return err
	}
	r.hierarchy = h
	return nil
}

func (r *Registry) validateGeography(g *Geography, ps *problems) {
	const kind = "geography"
	if !db.ValidIdent(g.ID) {
		ps.add(kind, g.ID, "id is not a valid identifier")
	}
	if g.ID == PointResolution {
		ps.add(kind, g.ID, "id %q is reserved for point sources", PointResolution)
	}
	if !db.ValidIdent(g.Table) {
		ps.add(kind, g.ID, "table %q is not a valid identifier", g.Table)
	}
	if !db.ValidIdent(g.IDField) {
		ps.add(kind, g.ID, "id_field %q is not a valid identifier", g.IDField)
	}
	if strings.TrimSpace(g.Query) == "" {
		ps.add(kind, g.ID, "query is empty")
	}
	std := g.StandardColumns()
	seen := map[string]bool{}
	for _, c := range g.Columns {
		switch {
		case !db.ValidIdent(c):
			ps.add(kind, g.ID, "column %q is not a valid identifier", c)
		case slices.Contains(std, c):
			ps.add(kind, g.ID, "column %q duplicates a standard column", c)
		case seen[c]:
			ps.add(kind, g.ID, "column %q declared twice", c)
		}
		seen[c] = true
	}
	for _, c := range g.TrigramIndexes {
		if !g.HasColumn(c) {
			ps.add(kind, g.ID, "trigram index references undeclared column %q", c)
		}
	}
	for _, name := range g.VariantNames() {
		v := g.Variants[name]
		if !db.ValidIdent(name) {
			ps.add(kind, g.ID, "variant %q is not a valid identifier", name)
		}
		checkPredicate(g, "variant", name, v, ps)
		if len(v.Params()) > 0 {
			ps.add(kind, g.ID, "variant %q must not take parameters", name)
		}
	}
	for _, name := range g.FilterNames() {
		f := g.Filters[name]
		checkPredicate(g, "filter", name, f, ps)
		for i, p := range f.Params() {
			if p != i+1 {
				ps.add(kind, g.ID, "filter %q parameters must be numbered 1..N without gaps", name)
				break
			}
		}
	}
}

func checkPredicate(g *Geography, what, name string, e predicate.Expr, ps *problems) {
	if err := e.Validate(); err != nil {
		ps.add("geography", g.ID, "%s %q: %v", what, name, err)
		return
	}
	for _, c := range e.Columns() {
		if !g.HasColumn(c) {
			ps.add("geography", g.ID, "%s %q references undeclared column %q", what, name, c)
		}
	}
}

func (r *Registry) validateSource(s *Source, ps *problems) {
	const kind = "source"
	if !db.ValidIdent(s.ID) {
		ps.add(kind, s.ID, "id is not a valid identifier")
	}
	if !validTableRef(s.Table) {
		ps.add(kind, s.ID, "table %q is not a valid table reference", s.Table)
	}
	switch {
	case s.Point():
		if strings.TrimSpace(s.GeomSelect) == "" {
			ps.add(kind, s.ID, "geom_select is empty for a point source")
		}
	default:
		if _, ok := r.geographies[s.SpatialResolution]; !ok {
			ps.add(kind, s.ID, "spatial_resolution %q is not a registered geography", s.SpatialResolution)
		}
		if strings.TrimSpace(s.RegionSelect) == "" {
			ps.add(kind, s.ID, "region_select is empty")
		}
		if s.GeomSelect != "" {
			ps.add(kind, s.ID, "geom_select is only used with spatial_resolution %q", PointResolution)
		}
	}
	switch {
	case s.TimeSelect != "" && !ValidTemporalResolution(s.TemporalResolution):
		ps.add(kind, s.ID, "temporal_resolution %q is not one of day, week, month, quarter, year, decade", s.TemporalResolution)
	case s.TimeSelect == "" && s.TemporalResolution != "":
		ps.add(kind, s.ID, "temporal_resolution set without time_select")
	}
}

func validTableRef(t string) bool {
	parts := strings.Split(t, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !db.ValidIdent(p) {
			return false
		}
	}
	return true
}

func (r *Registry) validateQuestion(q *Question, fields map[string]string, ps *problems) {
	const kind = "question"
	field := q.FieldName()
	switch {
	case !db.ValidIdent(field):
		ps.add(kind, q.ID, "field name %q is not a valid identifier", field)
	case len(field) > maxFieldName:
		ps.add(kind, q.ID, "field name %q is longer than %d bytes", field, maxFieldName)
	}
	if other, ok := fields[field]; ok {
		ps.add(kind, q.ID, "field name %q collides with question %q", field, other)
	} else {
		fields[field] = q.ID
	}
	if !q.Datatype.Valid() {
		ps.add(kind, q.ID, "datatype %q is not one of continuous, categorical, boolean, date", q.Datatype)
	}
	if _, ok := r.sources[q.Source]; !ok {
		ps.add(kind, q.ID, "source %q is not registered", q.Source)
	}
	if strings.TrimSpace(q.ValueSelect) == "" {
		ps.add(kind, q.ID, "value_select is empty")
	}
}

func (r *Registry) validateMap(m *MapConfig, ps *problems) {
	const kind = "map"
	if !db.ValidIdent(m.ID) {
		ps.add(kind, m.ID, "id is not a valid identifier")
	}
	src, ok := r.sources[m.Source]
	if !ok {
		ps.add(kind, m.ID, "source %q is not registered", m.Source)
		return
	}
	if len(m.Geographies) == 0 {
		ps.add(kind, m.ID, "no geographies")
	}
	for _, gid := range m.Geographies {
		g, ok := r.geographies[gid]
		if !ok {
			ps.add(kind, m.ID, "geography %q is not registered", gid)
			continue
		}
		if !src.Aggregates(g) {
			ps.add(kind, m.ID, "geography %q cannot aggregate source %q at %q", gid, src.ID, src.SpatialResolution)
		}
	}
	checkQuestions := func(ids []string) {
		for _, qid := range ids {
			q, ok := r.questions[qid]
			switch {
			case !ok:
				ps.add(kind, m.ID, "question %q is not registered", qid)
			case q.Source != m.Source:
				ps.add(kind, m.ID, "question %q belongs to source %q", qid, q.Source)
			}
		}
	}
	checkQuestions(m.Questions)
	checkQuestions(m.Exclude)
	// Variants apply at the grain: the source's geography, or each map
	// geography for a point source.
	var grains []*Geography
	if src.Point() {
		for _, gid := range m.Geographies {
			if g, ok := r.geographies[gid]; ok {
				grains = append(grains, g)
			}
		}
	} else if g, ok := r.geographies[src.SpatialResolution]; ok {
		grains = append(grains, g)
	}
	for _, v := range m.Variants {
		for _, g := range grains {
			if _, found := g.Variant(v.Variant); !found {
				ps.add(kind, m.ID, "variant %q is not declared on geography %q", v.Variant, g.ID)
			}
		}
		checkQuestions(v.Questions)
	}
}
