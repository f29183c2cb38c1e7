package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/logger"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeError maps an error to an HTTP status and writes a JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrBackpressure):
		status = http.StatusTooManyRequests
	case errors.Is(err, errors.ErrEnvironmentNotReady), errors.Is(err, errors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorw("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requireMethod rejects mismatched methods with 405. Returns false when
// the request was rejected.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	return true
}

// extractPathParts splits a URL path under a prefix into its segments.
// extractPathParts("/api/runs/run_1/artifact", "/api/runs/") returns
// ["run_1", "artifact"].
func extractPathParts(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// shortID truncates an identifier for log lines.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
