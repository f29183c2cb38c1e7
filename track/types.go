// Package track persists build and run records and enforces their
// lifecycle state machines. The store is the sole writer of status
// fields; every transition is validated before it hits the database.
package track

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildStatus represents the lifecycle state of a build.
type BuildStatus string

const (
	BuildStatusQueued   BuildStatus = "queued"
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusActive   BuildStatus = "active"
	BuildStatusFailed   BuildStatus = "failed"
	BuildStatusCanceled BuildStatus = "canceled"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ValidBuildTransitions defines the allowed build status transitions.
var ValidBuildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusQueued:   {BuildStatusBuilding, BuildStatusFailed, BuildStatusCanceled},
	BuildStatusBuilding: {BuildStatusActive, BuildStatusFailed, BuildStatusCanceled},
	BuildStatusActive:   {},
	BuildStatusFailed:   {},
	BuildStatusCanceled: {},
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:    {RunStatusRunning, RunStatusFailed, RunStatusCanceled},
	RunStatusRunning:   {RunStatusSucceeded, RunStatusFailed, RunStatusCanceled},
	RunStatusSucceeded: {},
	RunStatusFailed:    {},
	RunStatusCanceled:  {},
}

// CanTransitionBuild reports whether a build may move from one status to another.
func CanTransitionBuild(from, to BuildStatus) bool {
	for _, allowed := range ValidBuildTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a build status admits no further transitions.
func (s BuildStatus) IsTerminal() bool {
	return len(ValidBuildTransitions[s]) == 0
}

// IsTerminal reports whether a run status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return len(ValidRunTransitions[s]) == 0
}

// Build is a durable record of one environment build request.
type Build struct {
	ID            string      `json:"id"`
	ConfigID      string      `json:"config_id"`
	ConfigVersion string      `json:"config_version"`
	Digest        string      `json:"digest"`
	Status        BuildStatus `json:"status"`
	EngineVersion string      `json:"engine_version"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	Error         string      `json:"error,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	EnvPath       string      `json:"env_path,omitempty"`
	Metadata      string      `json:"metadata,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Run is a durable record of one document execution request.
type Run struct {
	ID              string     `json:"id"`
	BuildID         string     `json:"build_id"`
	ConfigID        string     `json:"config_id"`
	ConfigVersion   string     `json:"config_version"`
	InputDocumentID string     `json:"input_document_id"`
	SheetNames      []string   `json:"sheet_names,omitempty"`
	DryRun          bool       `json:"dry_run,omitempty"`
	ValidateOnly    bool       `json:"validate_only,omitempty"`
	Status          RunStatus  `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	RunDir          string     `json:"run_dir,omitempty"`
	ArtifactPath    string     `json:"artifact_path,omitempty"`
	OutputPaths     []string   `json:"output_paths,omitempty"`
	ProcessedFiles  []string   `json:"processed_files,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewBuildID generates a unique build identifier.
func NewBuildID() string {
	return "bld_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewRunID generates a unique run identifier.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
