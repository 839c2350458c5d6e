package db

import "fmt"

// BuildError reports a datastore failure while building, linking or
// populating a materialized table. The previously materialized table is
// left untouched when a BuildError is returned.
type BuildError struct {
	Op     string // "index", "link", "populate", "answer"
	Target string // geography id, link edge or map table
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// NewBuildError wraps err as a BuildError. A nil err returns nil.
func NewBuildError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &BuildError{Op: op, Target: target, Err: err}
}
