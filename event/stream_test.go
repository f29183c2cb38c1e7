package event

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOrderAndTermination(t *testing.T) {
	s := NewStream()
	s.Emit(BuildCreated("bld_1", "acme-quarterly"))
	s.Emit(BuildStep("bld_1", "create_venv", ""))
	s.Emit(BuildLog("bld_1", StreamStdout, "created virtual environment"))
	s.Emit(BuildCompleted("bld_1", "active", nil, "", "environment ready"))

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, TypeBuildCreated, got[0].Type)
	assert.Equal(t, "acme-quarterly", got[0].ConfigID)
	assert.Equal(t, "queued", got[0].Status)
	assert.Equal(t, TypeBuildStep, got[1].Type)
	assert.Equal(t, "create_venv", got[1].Step)
	assert.Equal(t, TypeBuildLog, got[2].Type)
	assert.Equal(t, TypeBuildCompleted, got[3].Type)
	assert.True(t, got[3].IsTerminal())
}

func TestEmitAfterTerminalIsDropped(t *testing.T) {
	s := NewStream()
	s.Emit(RunCompleted("run_1", "canceled", nil, "", RunArtifacts{}))
	s.Emit(RunLog("run_1", StreamStdout, "too late"))

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, TypeRunCompleted, got[0].Type)
}

func TestAbandonClosesWithoutTerminal(t *testing.T) {
	s := NewStream()
	s.Emit(RunCreated("run_1", "acme-quarterly"))
	s.Abandon()
	s.Abandon() // second call is a no-op

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.False(t, got[0].IsTerminal())
}

func TestWriteNDJSON(t *testing.T) {
	var buf bytes.Buffer
	code := 2
	require.NoError(t, WriteNDJSON(&buf, RunCompleted("run_1", "failed", &code, "engine error", RunArtifacts{})))

	line := buf.String()
	assert.Equal(t, byte('\n'), line[len(line)-1])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "run", decoded["object"])
	assert.Equal(t, "run.completed", decoded["type"])
	assert.Equal(t, float64(2), decoded["exit_code"])
	assert.Equal(t, "failed", decoded["status"])
}

func TestLogEventFields(t *testing.T) {
	ev := RunLog("run_9", StreamStderr, "Traceback (most recent call last):")
	assert.Equal(t, ObjectRun, ev.Object)
	assert.Equal(t, StreamStderr, ev.Stream)
	assert.NotZero(t, ev.Created)
	assert.False(t, ev.IsTerminal())
}
