package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/db"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	ID    string `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeGeoJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func notFound(w http.ResponseWriter, kind, id string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: kind + " not found", Kind: kind, ID: id})
}

// statusOf maps an engine error to an HTTP status: compilation errors are
// the caller's fault, datastore failures are upstream failures.
func statusOf(err error) int {
	var qce *answer.QueryCompilationError
	if errors.As(err, &qce) {
		if qce.NotFound() {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	var be *db.BuildError
	if errors.As(err, &be) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var qce *answer.QueryCompilationError
	if errors.As(err, &qce) {
		body = errorBody{Error: qce.Error(), Kind: qce.Kind, ID: qce.ID}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		body = errorBody{Error: http.StatusText(status)}
	}
	writeJSON(w, status, body)
}
