package answer

import (
	"errors"
	"fmt"
)

// QueryCompilationError reports a request that cannot be turned into a
// query: an unknown id, a geography that cannot aggregate a source, or
// malformed filter arguments. Nothing is executed when it is returned.
type QueryCompilationError struct {
	Kind string // question, geography, region, variant, filter, time
	ID   string
	Msg  string
}

func (e *QueryCompilationError) Error() string {
	return fmt.Sprintf("answer: %s %q: %s", e.Kind, e.ID, e.Msg)
}

// NotFound reports whether the error names a geography, question or
// region that does not exist.
func (e *QueryCompilationError) NotFound() bool {
	switch e.Kind {
	case "region":
		return true
	case "geography", "question":
		return e.Msg == "unknown "+e.Kind
	}
	return false
}

func compileErr(kind, id, format string, args ...any) error {
	return &QueryCompilationError{Kind: kind, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// IsCompilationError reports whether err is, or wraps, a
// QueryCompilationError.
func IsCompilationError(err error) bool {
	var qce *QueryCompilationError
	return errors.As(err, &qce)
}
