package model

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Registry holds a validated, read-only set of definitions. It is built once
// and passed by reference to every builder and compiler; nothing mutates it
// after Validate succeeds.
type Registry struct {
	geographies map[string]*Geography
	sources     map[string]*Source
	questions   map[string]*Question
	maps        map[string]*MapConfig

	// registration order for deterministic iteration
	geoOrder, sourceOrder, questionOrder, mapOrder []string

	hierarchy *Hierarchy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		geographies: make(map[string]*Geography),
		sources:     make(map[string]*Source),
		questions:   make(map[string]*Question),
		maps:        make(map[string]*MapConfig),
	}
}

var titler = cases.Title(language.English)

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return titler.String(strings.NewReplacer("_", " ", "-", " ").Replace(id))
}

// RegisterGeography adds g. A duplicate id is a ValidationError.
func (r *Registry) RegisterGeography(g Geography) error {
	if _, ok := r.geographies[g.ID]; ok {
		return (problems{{Kind: "geography", ID: g.ID, Msg: "duplicate id"}}).err()
	}
	g.Name = displayName(g.Name, g.ID)
	r.geographies[g.ID] = &g
	r.geoOrder = append(r.geoOrder, g.ID)
	r.hierarchy = nil
	return nil
}

// RegisterSource adds s. A duplicate id is a ValidationError.
func (r *Registry) RegisterSource(s Source) error {
	if _, ok := r.sources[s.ID]; ok {
		return (problems{{Kind: "source", ID: s.ID, Msg: "duplicate id"}}).err()
	}
	s.Name = displayName(s.Name, s.ID)
	r.sources[s.ID] = &s
	r.sourceOrder = append(r.sourceOrder, s.ID)
	return nil
}

// RegisterQuestion adds q. A duplicate id is a ValidationError.
func (r *Registry) RegisterQuestion(q Question) error {
	if _, ok := r.questions[q.ID]; ok {
		return (problems{{Kind: "question", ID: q.ID, Msg: "duplicate id"}}).err()
	}
	q.Name = displayName(q.Name, q.ID)
	r.questions[q.ID] = &q
	r.questionOrder = append(r.questionOrder, q.ID)
	return nil
}

// RegisterMap adds m. A duplicate id is a ValidationError.
func (r *Registry) RegisterMap(m MapConfig) error {
	if _, ok := r.maps[m.ID]; ok {
		return (problems{{Kind: "map", ID: m.ID, Msg: "duplicate id"}}).err()
	}
	m.Name = displayName(m.Name, m.ID)
	r.maps[m.ID] = &m
	r.mapOrder = append(r.mapOrder, m.ID)
	return nil
}

// Geography resolves a geography id.
func (r *Registry) Geography(id string) (*Geography, bool) {
	g, ok := r.geographies[id]
	return g, ok
}

// Source resolves a source id.
func (r *Registry) Source(id string) (*Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// Question resolves a question id.
func (r *Registry) Question(id string) (*Question, bool) {
	q, ok := r.questions[id]
	return q, ok
}

// Map resolves a map config id.
func (r *Registry) Map(id string) (*MapConfig, bool) {
	m, ok := r.maps[id]
	return m, ok
}

// Geographies returns all geographies in registration order.
func (r *Registry) Geographies() []*Geography {
	out := make([]*Geography, 0, len(r.geoOrder))
	for _, id := range r.geoOrder {
		out = append(out, r.geographies[id])
	}
	return out
}

// Sources returns all sources in registration order.
func (r *Registry) Sources() []*Source {
	out := make([]*Source, 0, len(r.sourceOrder))
	for _, id := range r.sourceOrder {
		out = append(out, r.sources[id])
	}
	return out
}

// Questions returns all questions in registration order.
func (r *Registry) Questions() []*Question {
	out := make([]*Question, 0, len(r.questionOrder))
	for _, id := range r.questionOrder {
		out = append(out, r.questions[id])
	}
	return out
}

// Maps returns all map configs in registration order.
func (r *Registry) Maps() []*MapConfig {
	out := make([]*MapConfig, 0, len(r.mapOrder))
	for _, id := range r.mapOrder {
		out = append(out, r.maps[id])
	}
	return out
}

// SourceQuestions returns the questions of sourceID sorted by id.
func (r *Registry) SourceQuestions(sourceID string) []*Question {
	var out []*Question
	for _, q := range r.questions {
		if q.Source == sourceID {
			out = append(out, q)
		}
	}
	slices.SortFunc(out, func(a, b *Question) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Hierarchy returns the geography DAG computed by Validate.
func (r *Registry) Hierarchy() (*Hierarchy, error) {
	if r.hierarchy != nil {
		return r.hierarchy, nil
	}
	var ps problems
	h := r.buildHierarchy(&ps)
	if err := ps.err(); err != nil {
		return nil, err
	}
	r.hierarchy = h
	return h, nil
}
