package server

import (
	"encoding/json"
	"net/http"

	"github.com/tabulist/ade/dispatch"
	"github.com/tabulist/ade/errors"
)

// runRequest is the POST /api/runs body.
type runRequest struct {
	ConfigID string `json:"config_id"`
	BuildID  string `json:"build_id"`
	Options  struct {
		InputDocumentID string   `json:"input_document_id"`
		SheetNames      []string `json:"input_sheet_names,omitempty"`
		DryRun          bool     `json:"dry_run,omitempty"`
		ValidateOnly    bool     `json:"validate_only,omitempty"`
	} `json:"options"`
}

// handleRuns serves POST /api/runs (submit, NDJSON stream) and
// GET /api/runs (list).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitRun(w, r)
	case http.MethodGet:
		runs, err := s.store.ListRuns(50)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidRequest, "invalid JSON body"))
		return
	}

	runID, stream, err := s.dispatcher.SubmitRun(dispatch.RunSubmission{
		ConfigID:        req.ConfigID,
		BuildID:         req.BuildID,
		InputDocumentID: req.Options.InputDocumentID,
		SheetNames:      req.Options.SheetNames,
		DryRun:          req.Options.DryRun,
		ValidateOnly:    req.Options.ValidateOnly,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Infow("Run submitted",
		"run_id", shortID(runID),
		"build_id", shortID(req.BuildID),
		"document", req.Options.InputDocumentID,
	)
	streamEvents(w, stream)
}

// handleRunByID serves GET /api/runs/{id}, POST /api/runs/{id}/cancel,
// GET /api/runs/{id}/artifact, and GET /api/runs/{id}/outputs.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/runs/")
	switch {
	case len(parts) == 1:
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		run, err := s.store.GetRun(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)

	case len(parts) == 2 && parts[1] == "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.dispatcher.Cancel(parts[0]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})

	case len(parts) == 2 && parts[1] == "artifact":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		result, err := s.layout.ReadResult(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[1] == "outputs":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		outputs, err := s.layout.ListOutputs(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})

	default:
		writeError(w, errors.Wrapf(errors.ErrNotFound, "path %s", r.URL.Path))
	}
}
