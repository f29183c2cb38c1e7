package dispatch

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabulist/ade/artifact"
	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/envstore"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/executor"
	adetesting "github.com/tabulist/ade/internal/testing"
	"github.com/tabulist/ade/track"
)

type fixture struct {
	cfg        *config.Config
	db         *sql.DB
	store      *track.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{Root: t.TempDir()},
		Engine: config.EngineConfig{
			Version:     "1.4.0",
			Spec:        "ade-engine==1.4.0",
			Interpreter: "python3",
		},
		Worker: config.WorkerConfig{
			MaxConcurrency:    2,
			QueueSize:         queueSize,
			JobTimeoutSeconds: 300,
		},
		SafeMode: true,
	}
	database := adetesting.CreateTestDB(t)
	store := track.NewStore(database)
	exec := executor.New(nil)
	envs := envstore.New(cfg, database, exec, nil)
	layout := artifact.NewLayout(cfg.Storage.Root)
	d := New(cfg, store, envs, exec, layout, zap.NewNop().Sugar())
	return &fixture{cfg: cfg, db: database, store: store, dispatcher: d}
}

func configFiles() map[string][]byte {
	return map[string][]byte{
		"detectors.py": []byte("def detect(doc):\n    return []\n"),
	}
}

// collect drains a stream to completion.
func collect(t *testing.T, s *event.Stream) []event.Event {
	t.Helper()
	var events []event.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate; got %d events", len(events))
		}
	}
}

func eventTypes(events []event.Event) []string {
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func (f *fixture) activeBuild(t *testing.T) string {
	t.Helper()
	id, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)
	events := collect(t, stream)
	last := events[len(events)-1]
	require.Equal(t, event.TypeBuildCompleted, last.Type)
	require.Equal(t, "active", last.Status)
	return id
}

func TestBuildStreamEndsWithSingleCompleted(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	id, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	events := collect(t, stream)
	require.NotEmpty(t, events)
	assert.Equal(t, event.TypeBuildCreated, events[0].Type)

	completed := 0
	for _, ev := range events {
		if ev.Type == event.TypeBuildCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, event.TypeBuildCompleted, events[len(events)-1].Type)

	b, err := f.store.GetBuild(id)
	require.NoError(t, err)
	assert.Equal(t, track.BuildStatusActive, b.Status)
	assert.Eventually(t, func() bool { return f.dispatcher.InFlight() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestBuildEmitsAllPipelineSteps(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	_, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	var steps []string
	for _, ev := range collect(t, stream) {
		if ev.Type == event.TypeBuildStep {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, envstore.Steps, steps)
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	buildID := f.activeBuild(t)

	runID, stream, err := f.dispatcher.SubmitRun(RunSubmission{
		ConfigID:        "demo",
		BuildID:         buildID,
		InputDocumentID: "doc_42",
	})
	require.NoError(t, err)

	events := collect(t, stream)
	assert.Equal(t, []string{
		event.TypeRunCreated,
		event.TypeRunStarted,
		event.TypeRunCompleted,
	}, eventTypes(events))

	last := events[len(events)-1]
	assert.Equal(t, "succeeded", last.Status)
	assert.NotEmpty(t, last.ArtifactPath)

	r, err := f.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, track.RunStatusSucceeded, r.Status)
	assert.Equal(t, []string{"doc_42"}, r.ProcessedFiles)

	// artifact persisted and addressable by run id
	_, err = os.Stat(r.ArtifactPath)
	assert.NoError(t, err)
}

func TestRunAgainstNonActiveBuildFailsFast(t *testing.T) {
	f := newFixture(t, 10)
	// build never leaves queued: workers not started
	buildID, _, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	_, _, err = f.dispatcher.SubmitRun(RunSubmission{
		ConfigID:        "demo",
		BuildID:         buildID,
		InputDocumentID: "doc_42",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEnvironmentNotReady))

	// no run record was ever created
	runs, err := f.store.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunAgainstMissingBuild(t *testing.T) {
	f := newFixture(t, 10)
	_, _, err := f.dispatcher.SubmitRun(RunSubmission{
		BuildID:         "bld_missing",
		InputDocumentID: "doc_42",
	})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestBackpressure(t *testing.T) {
	f := newFixture(t, 1)
	// workers not started, so the first job stays in flight

	_, _, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "other",
		Files:    configFiles(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackpressure))

	// rejection created no state
	builds, err := f.store.ListBuilds(10)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestCancelQueuedBuild(t *testing.T) {
	f := newFixture(t, 10)
	// workers not started: the job can never reach a subprocess

	id, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Cancel(id))

	events := collect(t, stream)
	assert.Equal(t, []string{
		event.TypeBuildCreated,
		event.TypeBuildCompleted,
	}, eventTypes(events))
	assert.Equal(t, "canceled", events[1].Status)

	b, err := f.store.GetBuild(id)
	require.NoError(t, err)
	assert.Equal(t, track.BuildStatusCanceled, b.Status)
	assert.Equal(t, 0, f.dispatcher.InFlight())
}

func TestCancelQueuedRun(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	buildID := f.activeBuild(t)
	f.dispatcher.Stop()

	// workers are stopped, so the run stays queued
	runID, stream, err := f.dispatcher.SubmitRun(RunSubmission{
		ConfigID:        "demo",
		BuildID:         buildID,
		InputDocumentID: "doc_42",
	})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Cancel(runID))

	events := collect(t, stream)
	assert.Equal(t, []string{
		event.TypeRunCreated,
		event.TypeRunCompleted,
	}, eventTypes(events))
	assert.Equal(t, "canceled", events[1].Status)
}

func TestCancelTerminalJobIsRejected(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	buildID := f.activeBuild(t)
	require.Eventually(t, func() bool { return f.dispatcher.InFlight() == 0 },
		5*time.Second, 10*time.Millisecond)

	err := f.dispatcher.Cancel(buildID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, 10)
	err := f.dispatcher.Cancel("bld_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReuseOnResubmit(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	f.activeBuild(t)

	_, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	var reused bool
	for _, ev := range collect(t, stream) {
		if ev.Type == event.TypeBuildStep && ev.Step == envstore.StepCreateVenv {
			reused = ev.Note == "reused"
		}
	}
	assert.True(t, reused)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 10)

	_, _, err := f.dispatcher.SubmitBuild(BuildSubmission{Files: configFiles()})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "demo"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, _, err = f.dispatcher.SubmitRun(RunSubmission{BuildID: "bld_x"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEngineModule(t *testing.T) {
	assert.Equal(t, "ade_engine", engineModule("ade-engine==1.4.0"))
	assert.Equal(t, "ade_engine", engineModule("ade-engine"))
	assert.Equal(t, "ade_engine", engineModule("ade-engine[excel]>=1.0"))
}

func TestClaimRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, 10)
	attempts := 0
	err := f.dispatcher.claim(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestClaimStopsOnInvalidTransition(t *testing.T) {
	f := newFixture(t, 10)
	attempts := 0
	err := f.dispatcher.claim(func() error {
		attempts++
		return errors.ErrInvalidTransition
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, 1, attempts)
}

func TestBuildStreamTerminatesWhenStoreFails(t *testing.T) {
	f := newFixture(t, 10)

	id, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	// every record write from here on fails
	require.NoError(t, f.db.Close())
	f.dispatcher.Start()
	defer f.dispatcher.Stop()

	events := collect(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, event.TypeBuildCompleted, last.Type)
	assert.Equal(t, id, last.BuildID)
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, last.Error, "database is closed")

	require.Eventually(t, func() bool { return f.dispatcher.InFlight() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestRunStreamTerminatesWhenStoreFails(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.Start()
	buildID := f.activeBuild(t)
	f.dispatcher.Stop()

	_, stream, err := f.dispatcher.SubmitRun(RunSubmission{
		BuildID:         buildID,
		InputDocumentID: "doc_1",
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Close())

	// the pool is stopped; drive the queued job through a worker's path
	j := <-f.dispatcher.queue
	f.dispatcher.runRun(j)
	f.dispatcher.finish(j)

	events := collect(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, event.TypeRunCompleted, last.Type)
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, last.Error, "database is closed")
}

func TestCancelDuringBuildExecution(t *testing.T) {
	f := newFixture(t, 10)

	entered := make(chan string, 1)
	release := make(chan struct{})
	var once sync.Once
	releaseAll := func() { once.Do(func() { close(release) }) }
	defer f.dispatcher.Stop()
	defer releaseAll()

	f.dispatcher.OnEvent(func(ev event.Event) {
		if ev.Type == event.TypeBuildStep && ev.Step == envstore.StepCreateVenv {
			select {
			case entered <- ev.BuildID:
			default:
			}
			<-release
		}
	})
	f.dispatcher.Start()

	id, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
		ConfigID: "demo",
		Files:    configFiles(),
	})
	require.NoError(t, err)

	// the worker has claimed the build and is inside the pipeline
	require.Equal(t, id, <-entered)
	require.NoError(t, f.dispatcher.Cancel(id))
	releaseAll()

	events := collect(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, event.TypeBuildCompleted, last.Type)
	assert.Equal(t, "canceled", last.Status)

	got, err := f.store.GetBuild(id)
	require.NoError(t, err)
	assert.Equal(t, track.BuildStatusCanceled, got.Status)
}

func TestUpdateLimitsAppliesToLaterAdmissions(t *testing.T) {
	f := newFixture(t, 1)

	_, _, err := f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "a", Files: configFiles()})
	require.NoError(t, err)
	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "b", Files: configFiles()})
	require.True(t, errors.Is(err, errors.ErrBackpressure))

	w := f.cfg.Worker
	w.QueueSize = 100 // clamped to the queue capacity (1 + 2 workers)
	f.dispatcher.UpdateLimits(w)

	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "b", Files: configFiles()})
	require.NoError(t, err)
	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "c", Files: configFiles()})
	require.NoError(t, err)
	_, _, err = f.dispatcher.SubmitBuild(BuildSubmission{ConfigID: "d", Files: configFiles()})
	require.True(t, errors.Is(err, errors.ErrBackpressure))
}

// stepGate counts how many builds are simultaneously inside the
// pipeline by blocking each one at its first step.
type stepGate struct {
	mu        sync.Mutex
	executing int
	peak      int
	release   chan struct{}
	once      sync.Once
}

func newStepGate() *stepGate {
	return &stepGate{release: make(chan struct{})}
}

func (g *stepGate) observe(ev event.Event) {
	if ev.Type != event.TypeBuildStep || ev.Step != envstore.StepCreateVenv {
		return
	}
	g.mu.Lock()
	g.executing++
	if g.executing > g.peak {
		g.peak = g.executing
	}
	g.mu.Unlock()
	<-g.release
	g.mu.Lock()
	g.executing--
	g.mu.Unlock()
}

func (g *stepGate) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executing
}

func (g *stepGate) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *stepGate) open() {
	g.once.Do(func() { close(g.release) })
}

func TestConcurrentExecutionBoundedByWorkerCount(t *testing.T) {
	f := newFixture(t, 10)
	gate := newStepGate()
	defer f.dispatcher.Stop()
	defer gate.open()

	f.dispatcher.OnEvent(gate.observe)
	f.dispatcher.Start()

	var streams []*event.Stream
	for i := 0; i < 5; i++ {
		// distinct content per config so the builds share nothing
		files := map[string][]byte{
			"detectors.py": []byte(fmt.Sprintf("def detect(doc):\n    return [%d]\n", i)),
		}
		_, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
			ConfigID: fmt.Sprintf("cfg-%d", i),
			Files:    files,
		})
		require.NoError(t, err)
		streams = append(streams, stream)
	}

	require.Eventually(t, func() bool { return gate.current() == 2 },
		5*time.Second, 10*time.Millisecond)

	// both worker slots are held; nothing else may start
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, gate.current())

	gate.open()
	for _, s := range streams {
		events := collect(t, s)
		last := events[len(events)-1]
		assert.Equal(t, event.TypeBuildCompleted, last.Type)
		assert.Equal(t, "active", last.Status)
	}
	assert.Equal(t, 2, gate.max())
}

func TestSameConfigBuildsNeverOverlap(t *testing.T) {
	f := newFixture(t, 10)
	gate := newStepGate()
	defer f.dispatcher.Stop()
	defer gate.open()

	f.dispatcher.OnEvent(gate.observe)
	f.dispatcher.Start()

	var streams []*event.Stream
	for i := 0; i < 2; i++ {
		_, stream, err := f.dispatcher.SubmitBuild(BuildSubmission{
			ConfigID: "demo",
			Files:    configFiles(),
		})
		require.NoError(t, err)
		streams = append(streams, stream)
	}

	require.Eventually(t, func() bool { return gate.current() == 1 },
		5*time.Second, 10*time.Millisecond)

	// a free worker slot exists, but the second build for the same
	// config must wait for the first
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, gate.current())

	gate.open()
	for _, s := range streams {
		events := collect(t, s)
		last := events[len(events)-1]
		assert.Equal(t, event.TypeBuildCompleted, last.Type)
		assert.Equal(t, "active", last.Status)
	}
	assert.Equal(t, 1, gate.max())
}
