package model

import (
	"fmt"
	"strings"
)

// Problem is one defect found in a model definition.
type Problem struct {
	Kind string // geography, source, question, map
	ID   string
	Msg  string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %s: %s", p.Kind, p.ID, p.Msg)
}

// ValidationError lists every problem found in a set of definitions. It is
// fatal: nothing is built from a registry that fails validation.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "model: " + e.Problems[0].String()
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("model: %d problems: %s", len(e.Problems), strings.Join(parts, "; "))
}

type problems []Problem

func (ps *problems) add(kind, id, format string, args ...any) {
	*ps = append(*ps, Problem{Kind: kind, ID: id, Msg: fmt.Sprintf(format, args...)})
}

func (ps problems) err() error {
	if len(ps) == 0 {
		return nil
	}
	return &ValidationError{Problems: ps}
}
