// Package event defines the typed event stream a build or run emits
// while it progresses. Events are ordered, and every stream ends with
// exactly one terminal completed event.
package event

import (
	"strings"
	"time"
)

// Event object kinds.
const (
	ObjectBuild = "build"
	ObjectRun   = "run"
)

// Event types.
const (
	TypeBuildCreated   = "build.created"
	TypeBuildStep      = "build.step"
	TypeBuildLog       = "build.log"
	TypeBuildCompleted = "build.completed"
	TypeRunCreated     = "run.created"
	TypeRunStarted     = "run.started"
	TypeRunLog         = "run.log"
	TypeRunCompleted   = "run.completed"
)

// Output stream labels for log events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is one entry in a build or run event stream. Serialized as a
// single NDJSON line on the wire.
type Event struct {
	Object         string   `json:"object"`
	Type           string   `json:"type"`
	BuildID        string   `json:"build_id,omitempty"`
	RunID          string   `json:"run_id,omitempty"`
	Created        int64    `json:"created"`
	ConfigID       string   `json:"config_id,omitempty"`
	Step           string   `json:"step,omitempty"`
	Note           string   `json:"note,omitempty"`
	Stream         string   `json:"stream,omitempty"`
	Line           string   `json:"line,omitempty"`
	Status         string   `json:"status,omitempty"`
	Error          string   `json:"error,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	ExitCode       *int     `json:"exit_code,omitempty"`
	ArtifactPath   string   `json:"artifact_path,omitempty"`
	OutputPaths    []string `json:"output_paths,omitempty"`
	ProcessedFiles []string `json:"processed_files,omitempty"`
}

// IsTerminal reports whether the event ends its stream.
func (e Event) IsTerminal() bool {
	return strings.HasSuffix(e.Type, ".completed")
}

func now() int64 {
	return time.Now().Unix()
}

// BuildCreated announces that a build record exists and is queued.
func BuildCreated(buildID, configID string) Event {
	return Event{Object: ObjectBuild, Type: TypeBuildCreated, BuildID: buildID, Created: now(), ConfigID: configID, Status: "queued"}
}

// BuildStep announces that a named pipeline step is starting. The
// optional note carries detail such as "reused" for a cached env.
func BuildStep(buildID, step, note string) Event {
	return Event{Object: ObjectBuild, Type: TypeBuildStep, BuildID: buildID, Created: now(), Step: step, Note: note}
}

// BuildLog carries one line of subprocess output during a build step.
func BuildLog(buildID, stream, line string) Event {
	return Event{Object: ObjectBuild, Type: TypeBuildLog, BuildID: buildID, Created: now(), Stream: stream, Line: line}
}

// BuildCompleted is the terminal event for a build stream.
func BuildCompleted(buildID, status string, exitCode *int, errMsg, summary string) Event {
	return Event{Object: ObjectBuild, Type: TypeBuildCompleted, BuildID: buildID, Created: now(), Status: status, ExitCode: exitCode, Error: errMsg, Summary: summary}
}

// RunCreated announces that a run record exists and is queued.
func RunCreated(runID, configID string) Event {
	return Event{Object: ObjectRun, Type: TypeRunCreated, RunID: runID, Created: now(), ConfigID: configID, Status: "queued"}
}

// RunStarted announces that the run subprocess has been spawned.
func RunStarted(runID string) Event {
	return Event{Object: ObjectRun, Type: TypeRunStarted, RunID: runID, Created: now()}
}

// RunLog carries one line of subprocess output during a run.
func RunLog(runID, stream, line string) Event {
	return Event{Object: ObjectRun, Type: TypeRunLog, RunID: runID, Created: now(), Stream: stream, Line: line}
}

// RunArtifacts is the artifact detail attached to a successful
// run.completed event.
type RunArtifacts struct {
	ArtifactPath   string
	OutputPaths    []string
	ProcessedFiles []string
}

// RunCompleted is the terminal event for a run stream.
func RunCompleted(runID, status string, exitCode *int, errMsg string, artifacts RunArtifacts) Event {
	return Event{
		Object: ObjectRun, Type: TypeRunCompleted, RunID: runID, Created: now(),
		Status: status, ExitCode: exitCode, Error: errMsg,
		ArtifactPath:   artifacts.ArtifactPath,
		OutputPaths:    artifacts.OutputPaths,
		ProcessedFiles: artifacts.ProcessedFiles,
	}
}
