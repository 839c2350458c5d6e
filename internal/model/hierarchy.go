package model

import (
	"slices"
	"strings"
)

// Edge is one parent → child relation of the geography hierarchy.
type Edge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

func (e Edge) String() string {
	return e.Parent + " -> " + e.Child
}

// Hierarchy is the validated, acyclic subgeography graph.
type Hierarchy struct {
	// Order lists every geography with parents before children.
	Order []string
	// Edges lists declared edges ordered by parent position in Order, then by
	// declaration order.
	Edges []Edge

	children map[string][]string
	parents  map[string][]string
}

// Children returns the direct subgeographies of id.
func (h *Hierarchy) Children(id string) []string {
	return h.children[id]
}

// Parents returns the geographies that declare id as a subgeography.
func (h *Hierarchy) Parents(id string) []string {
	return h.parents[id]
}

// Roots returns geographies with no parent, in topological order.
func (h *Hierarchy) Roots() []string {
	var out []string
	for _, id := range h.Order {
		if len(h.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// EdgesTouching returns the edges that have id as an endpoint.
func (h *Hierarchy) EdgesTouching(ids ...string) []Edge {
	var out []Edge
	for _, e := range h.Edges {
		if slices.Contains(ids, e.Parent) || slices.Contains(ids, e.Child) {
			out = append(out, e)
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

// buildHierarchy checks subgeography references, detects cycles with a
// three-colour DFS and orders the graph. Problems are appended to ps.
func (r *Registry) buildHierarchy(ps *problems) *Hierarchy {
	h := &Hierarchy{
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
	for _, id := range r.geoOrder {
		g := r.geographies[id]
		seen := map[string]bool{}
		for _, child := range g.Subgeographies {
			switch {
			case child == id:
				ps.add("geography", id, "lists itself as a subgeography")
				continue
			case seen[child]:
				ps.add("geography", id, "subgeography %q listed twice", child)
				continue
			}
			seen[child] = true
			if _, ok := r.geographies[child]; !ok {
				ps.add("geography", id, "subgeography %q is not registered", child)
				continue
			}
			h.children[id] = append(h.children[id], child)
			h.parents[child] = append(h.parents[child], id)
		}
	}

	color := make(map[string]int, len(r.geoOrder))
	var stack []string
	var post []string
	cyclic := false

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, child := range h.children[id] {
			switch color[child] {
			case grey:
				start := slices.Index(stack, child)
				path := append(slices.Clone(stack[start:]), child)
				ps.add("geography", child, "hierarchy cycle: %s", strings.Join(path, " -> "))
				cyclic = true
			case white:
				visit(child)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		post = append(post, id)
	}
	for _, id := range r.geoOrder {
		if color[id] == white {
			visit(id)
		}
	}
	if cyclic {
		return nil
	}

	slices.Reverse(post)
	h.Order = post
	for _, p := range h.Order {
		for _, c := range h.children[p] {
			h.Edges = append(h.Edges, Edge{Parent: p, Child: c})
		}
	}
	return h
}
