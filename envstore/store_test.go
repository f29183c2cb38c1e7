package envstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/executor"
	adetesting "github.com/tabulist/ade/internal/testing"
)

func testConfig(t *testing.T, safeMode bool) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{Root: t.TempDir()},
		Engine: config.EngineConfig{
			Version:     "1.4.0",
			Spec:        "ade-engine==1.4.0",
			Interpreter: "python3",
		},
		Worker: config.WorkerConfig{
			MaxConcurrency:    2,
			QueueSize:         10,
			JobTimeoutSeconds: 300,
		},
		SafeMode: safeMode,
	}
}

func newTestStore(t *testing.T, safeMode bool) *Store {
	t.Helper()
	return New(testConfig(t, safeMode), adetesting.CreateTestDB(t), executor.New(nil), nil)
}

func configFiles() map[string][]byte {
	return map[string][]byte{
		"detectors.py": []byte("def detect(doc):\n    return []\n"),
		"setup.py":     []byte("from setuptools import setup\nsetup(name='cfg')\n"),
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	files := configFiles()
	assert.Equal(t, Digest("1.4.0", files), Digest("1.4.0", files))
}

func TestDigestChangesWithContent(t *testing.T) {
	files := configFiles()
	base := Digest("1.4.0", files)

	changed := configFiles()
	changed["detectors.py"] = []byte("def detect(doc):\n    return [1]\n")
	assert.NotEqual(t, base, Digest("1.4.0", changed))

	assert.NotEqual(t, base, Digest("1.5.0", files))
}

func TestImportCheckScript(t *testing.T) {
	script := importCheckScript(map[string][]byte{
		"detectors.py":        nil,
		"setup.py":            nil,
		"mypkg/__init__.py":   nil,
		"mypkg/transforms.py": nil,
	})
	assert.Contains(t, script, `"detectors"`)
	assert.Contains(t, script, `"mypkg"`)
	assert.NotContains(t, script, "setup")
	assert.NotContains(t, script, "transforms")
}

func TestWriteFilesRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	err := writeFiles(dir, map[string][]byte{"../escape.py": nil})
	assert.Error(t, err)

	err = writeFiles(dir, map[string][]byte{"/etc/passwd": nil})
	assert.Error(t, err)
}

func TestSafeModeBuildEmitsAllSteps(t *testing.T) {
	store := newTestStore(t, true)

	var events []event.Event
	req := BuildRequest{
		BuildID: "bld_1",
		Digest:  Digest("1.4.0", configFiles()),
		Files:   configFiles(),
	}
	res, err := store.Build(context.Background(), req, func(ev event.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Contains(t, res.Metadata, `"safe_mode":true`)

	var steps []string
	for _, ev := range events {
		if ev.Type == event.TypeBuildStep {
			steps = append(steps, ev.Step)
			assert.Equal(t, "safe-mode", ev.Note)
		}
	}
	assert.Equal(t, Steps, steps)

	// sources land on disk even in safe mode
	_, err = os.Stat(filepath.Join(SrcPath(res.EnvPath), "detectors.py"))
	assert.NoError(t, err)
}

func TestSafeModeBuildIsReusedOnResubmit(t *testing.T) {
	store := newTestStore(t, true)
	req := BuildRequest{
		BuildID: "bld_1",
		Digest:  Digest("1.4.0", configFiles()),
		Files:   configFiles(),
	}
	_, err := store.Build(context.Background(), req, func(event.Event) {})
	require.NoError(t, err)

	var steps []string
	req.BuildID = "bld_2"
	res, err := store.Build(context.Background(), req, func(ev event.Event) {
		if ev.Type == event.TypeBuildStep {
			steps = append(steps, ev.Step+":"+ev.Note)
		}
	})
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, []string{"create_venv:reused", "collect_metadata:reused"}, steps)
}

func TestForceRebuildSkipsReuse(t *testing.T) {
	store := newTestStore(t, true)
	req := BuildRequest{
		BuildID: "bld_1",
		Digest:  Digest("1.4.0", configFiles()),
		Files:   configFiles(),
	}
	_, err := store.Build(context.Background(), req, func(event.Event) {})
	require.NoError(t, err)

	req.BuildID = "bld_2"
	req.Force = true
	res, err := store.Build(context.Background(), req, func(event.Event) {})
	require.NoError(t, err)
	assert.False(t, res.Reused)
}

func TestLookupMissingEnvironment(t *testing.T) {
	store := newTestStore(t, false)
	_, err := store.Lookup("deadbeef")
	assert.Error(t, err)
}

func TestEnvPathLayout(t *testing.T) {
	store := newTestStore(t, false)
	p := store.EnvPath("abc123")
	assert.True(t, strings.HasSuffix(p, filepath.Join("envs", "abc123")))
	assert.Equal(t, filepath.Join(p, "venv", "bin", "python"), PythonPath(p))
	assert.Equal(t, filepath.Join(p, "src"), SrcPath(p))
}
