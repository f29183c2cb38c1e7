package server

import (
	"encoding/json"
	"net/http"

	"github.com/tabulist/ade/dispatch"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
)

// buildRequest is the POST /api/builds body.
type buildRequest struct {
	ConfigID      string            `json:"config_id"`
	ConfigVersion string            `json:"config_version,omitempty"`
	Files         map[string]string `json:"files"`
	Options       struct {
		Force bool `json:"force,omitempty"`
	} `json:"options"`
}

// handleBuilds serves POST /api/builds (submit, NDJSON stream) and
// GET /api/builds (list).
func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitBuild(w, r)
	case http.MethodGet:
		builds, err := s.store.ListBuilds(50)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"builds": builds})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) submitBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidRequest, "invalid JSON body"))
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for path, content := range req.Files {
		files[path] = []byte(content)
	}

	buildID, stream, err := s.dispatcher.SubmitBuild(dispatch.BuildSubmission{
		ConfigID:      req.ConfigID,
		ConfigVersion: req.ConfigVersion,
		Files:         files,
		Force:         req.Options.Force,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Infow("Build submitted", "build_id", shortID(buildID), "config_id", req.ConfigID)
	streamEvents(w, stream)
}

// handleBuildByID serves GET /api/builds/{id} and POST /api/builds/{id}/cancel.
func (s *Server) handleBuildByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/builds/")
	switch {
	case len(parts) == 1:
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		build, err := s.store.GetBuild(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, build)

	case len(parts) == 2 && parts[1] == "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.dispatcher.Cancel(parts[0]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})

	default:
		writeError(w, errors.Wrapf(errors.ErrNotFound, "path %s", r.URL.Path))
	}
}

// streamEvents relays a job's event stream as chunked NDJSON. The
// stream is always drained so the producer never blocks on a dead
// client; writes just stop once the client is gone.
func streamEvents(w http.ResponseWriter, stream *event.Stream) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	clientGone := false
	for ev := range stream.Events() {
		if clientGone {
			continue
		}
		if err := event.WriteNDJSON(w, ev); err != nil {
			clientGone = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
