// Package artifact owns the on-disk layout of run outputs: one
// directory per run holding a structured result document plus any
// files the engine produced. Artifacts persist after completion and
// are addressed by run ID.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tabulist/ade/errors"
)

// ResultSchema identifies the result document format.
const ResultSchema = "ade.run.result/v1"

// resultFile is the structured result document's filename.
const resultFile = "result.json"

// TableResult is the per-table mapping and validation detail inside a
// result document.
type TableResult struct {
	Name             string   `json:"name"`
	SheetName        string   `json:"sheet_name,omitempty"`
	MappedColumns    int      `json:"mapped_columns"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// Result is the structured document a completed run leaves behind.
type Result struct {
	Schema          string        `json:"schema"`
	RunID           string        `json:"run_id"`
	ConfigID        string        `json:"config_id"`
	BuildID         string        `json:"build_id"`
	InputDocumentID string        `json:"input_document_id"`
	Status          string        `json:"status"`
	SafeMode        bool          `json:"safe_mode,omitempty"`
	Tables          []TableResult `json:"tables,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Layout maps run IDs to their artifact directories.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the storage root.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// RunDir returns the artifact directory for a run.
func (l *Layout) RunDir(runID string) string {
	return filepath.Join(l.root, "runs", runID)
}

// OutputsDir returns the directory engine output files land in.
func (l *Layout) OutputsDir(runID string) string {
	return filepath.Join(l.RunDir(runID), "outputs")
}

// ResultPath returns the result document path for a run.
func (l *Layout) ResultPath(runID string) string {
	return filepath.Join(l.RunDir(runID), resultFile)
}

// Prepare creates the run and outputs directories.
func (l *Layout) Prepare(runID string) (string, error) {
	dir := l.RunDir(runID)
	if err := os.MkdirAll(l.OutputsDir(runID), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create run directory for %s", runID)
	}
	return dir, nil
}

// WriteResult persists the result document and returns its path.
func (l *Layout) WriteResult(runID string, res *Result) (string, error) {
	if res.Schema == "" {
		res.Schema = ResultSchema
	}
	if res.GeneratedAt.IsZero() {
		res.GeneratedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal result document")
	}
	path := l.ResultPath(runID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write result document for %s", runID)
	}
	return path, nil
}

// ReadResult loads the result document for a run.
func (l *Layout) ReadResult(runID string) (*Result, error) {
	data, err := os.ReadFile(l.ResultPath(runID))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errors.ErrNotFound, "result for run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read result for %s", runID)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrapf(err, "failed to parse result for %s", runID)
	}
	return &res, nil
}

// ListOutputs enumerates produced output files, sorted, as paths
// relative to the outputs directory.
func (l *Layout) ListOutputs(runID string) ([]string, error) {
	dir := l.OutputsDir(runID)
	var outputs []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		outputs = append(outputs, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list outputs for %s", runID)
	}
	sort.Strings(outputs)
	return outputs, nil
}
