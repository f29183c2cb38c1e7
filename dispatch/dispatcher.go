// Package dispatch is the entry point of the orchestration core. It
// admits build and run requests under a bounded queue, executes them
// on a fixed worker pool, and relays each job's events to its single
// stream consumer.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tabulist/ade/artifact"
	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/envstore"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/executor"
	"github.com/tabulist/ade/track"
)

// job kinds.
const (
	kindBuild = "build"
	kindRun   = "run"
)

// job is one admitted unit of work waiting for or holding a worker slot.
type job struct {
	kind   string
	id     string
	build  *buildJob
	run    *runJob
	stream *event.Stream
	done   sync.Once
}

type buildJob struct {
	configID      string
	configVersion string
	digest        string
	files         map[string][]byte
	force         bool
}

type runJob struct {
	buildID string
	rec     *track.Run
}

// Dispatcher admits, queues, and executes builds and runs.
type Dispatcher struct {
	cfg    *config.Config
	store  *track.Store
	envs   *envstore.Store
	exec   *executor.Executor
	layout *artifact.Layout
	logger *zap.SugaredLogger

	queue    chan *job
	inFlight atomic.Int64

	// limits is the live worker-limit snapshot; reloaded config lands
	// here and applies to later admissions and executions
	limits atomic.Pointer[config.WorkerConfig]

	mu       sync.Mutex
	jobs     map[string]*job
	canceled map[string]bool
	cancels  map[string]context.CancelFunc

	lockMu      sync.Mutex
	configLocks map[string]*sync.Mutex

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	broadcast func(event.Event)
}

// New creates a dispatcher. All collaborators must outlive it.
func New(cfg *config.Config, store *track.Store, envs *envstore.Store, exec *executor.Executor, layout *artifact.Layout, logger *zap.SugaredLogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		envs:   envs,
		exec:   exec,
		layout: layout,
		logger: logger,
		// capacity covers every admissible job so sends never block
		queue:       make(chan *job, cfg.Worker.QueueSize+cfg.Worker.MaxConcurrency),
		jobs:        make(map[string]*job),
		canceled:    make(map[string]bool),
		cancels:     make(map[string]context.CancelFunc),
		configLocks: make(map[string]*sync.Mutex),
		ctx:         ctx,
		stop:        cancel,
	}
	w := cfg.Worker
	d.limits.Store(&w)
	return d
}

// UpdateLimits applies reloaded worker limits. The queue size governs
// later admissions and the timeout and resource ceilings govern later
// executions; the worker pool size is fixed at Start. The queue size
// is clamped to the channel capacity allocated at construction so
// admitted sends never block.
func (d *Dispatcher) UpdateLimits(w config.WorkerConfig) {
	if w.QueueSize > cap(d.queue) {
		w.QueueSize = cap(d.queue)
	}
	d.limits.Store(&w)
	d.envs.UpdateLimits(w)
	d.logger.Infow("Worker limits updated",
		"queue_size", w.QueueSize,
		"job_timeout_seconds", w.JobTimeoutSeconds,
		"cpu_seconds", w.CPUSeconds,
		"mem_mb", w.MemoryMB,
		"fsize_mb", w.FileSizeMB,
	)
}

// OnEvent registers an optional observer that sees a copy of every
// emitted event, in addition to the job's own stream consumer.
func (d *Dispatcher) OnEvent(fn func(event.Event)) {
	d.broadcast = fn
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > 90 {
		d.logger.Warnw("High memory pressure at worker pool start",
			"used_percent", vm.UsedPercent,
			"available_mb", vm.Available/1024/1024,
		)
	}

	for i := 0; i < d.cfg.Worker.MaxConcurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Infow("Dispatcher started",
		"max_concurrency", d.cfg.Worker.MaxConcurrency,
		"queue_size", d.cfg.Worker.QueueSize,
	)
}

// Stop cancels all running jobs and waits for the workers to drain.
func (d *Dispatcher) Stop() {
	d.stop()
	d.wg.Wait()
	d.logger.Infow("Dispatcher stopped")
}

// InFlight reports the number of jobs admitted but not yet terminal.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// configLock returns the build serialization lock for one config_id.
func (d *Dispatcher) configLock(configID string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	if l, ok := d.configLocks[configID]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.configLocks[configID] = l
	return l
}

// emit delivers an event to the job's stream and any observer.
func (d *Dispatcher) emit(j *job, ev event.Event) {
	if d.broadcast != nil {
		d.broadcast(ev)
	}
	j.stream.Emit(ev)
}

// finish releases a job's admission slot and registry entries. Safe to
// call more than once.
func (d *Dispatcher) finish(j *job) {
	j.done.Do(func() {
		d.inFlight.Add(-1)
		d.mu.Lock()
		delete(d.jobs, j.id)
		delete(d.canceled, j.id)
		delete(d.cancels, j.id)
		d.mu.Unlock()
	})
}
