package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tabulist/ade/artifact"
	"github.com/tabulist/ade/envstore"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/executor"
	"github.com/tabulist/ade/track"
)

// Claim retry tuning. A claim that keeps failing on something other
// than an invalid transition is treated as a transient infrastructure
// fault and retried with doubling backoff.
const (
	claimAttempts    = 3
	claimBaseBackoff = 100 * time.Millisecond
)

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.queue:
			d.mu.Lock()
			skip := d.canceled[j.id]
			d.mu.Unlock()
			if skip {
				// cancel already recorded the terminal state and event
				d.finish(j)
				continue
			}

			d.logger.Debugw("Worker picked up job", "worker", id, "kind", j.kind, "job_id", j.id)
			switch j.kind {
			case kindBuild:
				d.runBuild(j)
			case kindRun:
				d.runRun(j)
			}
			d.finish(j)
		}
	}
}

// claim retries a status-claim transition with bounded backoff.
func (d *Dispatcher) claim(fn func() error) error {
	backoff := claimBaseBackoff
	var err error
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, errors.ErrInvalidTransition) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (d *Dispatcher) runBuild(j *job) {
	// builds for one config never mutate its environment concurrently
	lock := d.configLock(j.build.configID)
	lock.Lock()
	defer lock.Unlock()

	// Registered before the claim so a Cancel landing between queue
	// pop and claim finds a context to fire instead of racing the
	// queued-cancel path.
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	d.mu.Lock()
	if d.canceled[j.id] {
		// cancel already recorded the terminal state and event
		d.mu.Unlock()
		return
	}
	d.cancels[j.id] = cancel
	d.mu.Unlock()

	if err := d.claim(func() error { return d.store.MarkBuildBuilding(j.id) }); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			// record was moved under us; whoever moved it emitted
			j.stream.Abandon()
			return
		}
		d.failBuild(j, err.Error())
		return
	}
	if ctx.Err() != nil {
		d.cancelBuild(j)
		return
	}

	res, err := d.envs.Build(ctx, envstore.BuildRequest{
		BuildID: j.id,
		Digest:  j.build.digest,
		Files:   j.build.files,
		Force:   j.build.force,
	}, func(ev event.Event) { d.emit(j, ev) })

	if err != nil {
		if errors.Is(err, errors.ErrCanceled) || ctx.Err() != nil {
			d.cancelBuild(j)
			return
		}
		d.failBuild(j, err.Error())
		return
	}
	if ctx.Err() != nil {
		// canceled while the pipeline was finishing
		d.cancelBuild(j)
		return
	}

	if err := d.store.MarkBuildActive(j.id, res.EnvPath, res.Metadata, res.Summary); err != nil {
		// the record was canceled out from under a finishing build
		d.logger.Warnw("Build finished but could not be activated", "build_id", j.id, "error", err)
		d.emit(j, event.BuildCompleted(j.id, string(track.BuildStatusCanceled), nil, "", ""))
		return
	}
	d.emit(j, event.BuildCompleted(j.id, string(track.BuildStatusActive), nil, "", res.Summary))
}

// cancelBuild records the cancellation and emits the terminal event.
// The record write may lose to another writer; the stream terminates
// either way.
func (d *Dispatcher) cancelBuild(j *job) {
	if err := d.store.MarkBuildCanceled(j.id); err != nil {
		d.logger.Warnw("Failed to record build cancellation", "build_id", j.id, "error", err)
	}
	d.emit(j, event.BuildCompleted(j.id, string(track.BuildStatusCanceled), nil, "", ""))
}

// failBuild records the failure before emitting the terminal event so
// a reconnecting client reads a consistent status. The terminal event
// goes out even when the record write fails; the stream must end.
func (d *Dispatcher) failBuild(j *job, msg string) {
	if err := d.store.MarkBuildFailed(j.id, nil, msg); err != nil {
		d.logger.Errorw("Failed to record build failure", "build_id", j.id, "error", err)
	}
	d.emit(j, event.BuildCompleted(j.id, string(track.BuildStatusFailed), nil, msg, ""))
}

func (d *Dispatcher) runRun(j *job) {
	r := j.run.rec

	// see runBuild: registration precedes the claim
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	d.mu.Lock()
	if d.canceled[j.id] {
		d.mu.Unlock()
		return
	}
	d.cancels[j.id] = cancel
	d.mu.Unlock()

	if err := d.claim(func() error { return d.store.MarkRunRunning(j.id) }); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			j.stream.Abandon()
			return
		}
		d.failRun(j, nil, err.Error())
		return
	}
	d.emit(j, event.RunStarted(j.id))

	build, err := d.store.GetBuild(j.run.buildID)
	if err != nil {
		d.failRun(j, nil, err.Error())
		return
	}

	runDir, err := d.layout.Prepare(j.id)
	if err != nil {
		d.failRun(j, nil, err.Error())
		return
	}
	if err := d.store.SetRunDir(j.id, runDir); err != nil {
		d.logger.Warnw("Failed to record run directory", "run_id", j.id, "error", err)
	}

	if ctx.Err() != nil {
		d.cancelRun(j)
		return
	}
	if d.cfg.SafeMode {
		d.completeSafeMode(j, build)
		return
	}

	limits := d.limits.Load()
	res, err := d.exec.Run(ctx, executor.Spec{
		Argv:    d.engineArgv(build.EnvPath, r),
		Dir:     runDir,
		Env:     os.Environ(),
		Timeout: time.Duration(limits.JobTimeoutSeconds) * time.Second,
		Limits: executor.Limits{
			CPUSeconds: limits.CPUSeconds,
			MemoryMB:   limits.MemoryMB,
			FileSizeMB: limits.FileSizeMB,
		},
	}, func(stream, line string) { d.emit(j, event.RunLog(j.id, stream, line)) })

	switch {
	case errors.Is(err, errors.ErrCanceled):
		d.cancelRun(j)
	case errors.Is(err, errors.ErrTimeout):
		d.failRun(j, nil, fmt.Sprintf("timed out after %d seconds", limits.JobTimeoutSeconds))
	case errors.Is(err, errors.ErrResourceLimit):
		d.failRun(j, nil, "resource limit exceeded: "+err.Error())
	case err != nil:
		d.failRun(j, nil, err.Error())
	case res.ExitCode != 0:
		code := res.ExitCode
		d.failRun(j, &code, fmt.Sprintf("engine exited with code %d", code))
	default:
		d.completeRun(j, res.ExitCode)
	}
}

// completeRun collects what the engine produced and records success.
func (d *Dispatcher) completeRun(j *job, exitCode int) {
	var artifactPath string
	if _, err := d.layout.ReadResult(j.id); err == nil {
		artifactPath = d.layout.ResultPath(j.id)
	}
	outputs, err := d.layout.ListOutputs(j.id)
	if err != nil {
		d.logger.Warnw("Failed to enumerate run outputs", "run_id", j.id, "error", err)
	}

	processed := []string{j.run.rec.InputDocumentID}
	if err := d.store.MarkRunSucceeded(j.id, track.RunOutcome{
		ExitCode:       exitCode,
		ArtifactPath:   artifactPath,
		OutputPaths:    outputs,
		ProcessedFiles: processed,
	}); err != nil {
		// record-before-event: a success we could not record is
		// reported as failure, and the stream still terminates
		d.failRun(j, nil, errors.Wrap(err, "failed to record run success").Error())
		return
	}
	code := exitCode
	d.emit(j, event.RunCompleted(j.id, string(track.RunStatusSucceeded), &code, "", event.RunArtifacts{
		ArtifactPath:   artifactPath,
		OutputPaths:    outputs,
		ProcessedFiles: processed,
	}))
}

// completeSafeMode skips engine execution entirely and records a fixed
// successful completion.
func (d *Dispatcher) completeSafeMode(j *job, build *track.Build) {
	r := j.run.rec
	artifactPath, err := d.layout.WriteResult(j.id, &artifact.Result{
		RunID:           j.id,
		ConfigID:        r.ConfigID,
		BuildID:         build.ID,
		InputDocumentID: r.InputDocumentID,
		Status:          string(track.RunStatusSucceeded),
		SafeMode:        true,
	})
	if err != nil {
		d.failRun(j, nil, err.Error())
		return
	}

	processed := []string{r.InputDocumentID}
	if err := d.store.MarkRunSucceeded(j.id, track.RunOutcome{
		ArtifactPath:   artifactPath,
		ProcessedFiles: processed,
	}); err != nil {
		d.failRun(j, nil, errors.Wrap(err, "failed to record safe-mode run").Error())
		return
	}
	zero := 0
	d.emit(j, event.RunCompleted(j.id, string(track.RunStatusSucceeded), &zero, "", event.RunArtifacts{
		ArtifactPath:   artifactPath,
		ProcessedFiles: processed,
	}))
}

// cancelRun records the cancellation and emits the terminal event.
func (d *Dispatcher) cancelRun(j *job) {
	if err := d.store.MarkRunCanceled(j.id); err != nil {
		d.logger.Warnw("Failed to record run cancellation", "run_id", j.id, "error", err)
	}
	d.emit(j, event.RunCompleted(j.id, string(track.RunStatusCanceled), nil, "", event.RunArtifacts{}))
}

// failRun records the failure before emitting the terminal event. The
// terminal event goes out even when the record write fails; the
// stream must end.
func (d *Dispatcher) failRun(j *job, exitCode *int, msg string) {
	if err := d.store.MarkRunFailed(j.id, exitCode, msg); err != nil {
		d.logger.Errorw("Failed to record run failure", "run_id", j.id, "error", err)
	}
	d.emit(j, event.RunCompleted(j.id, string(track.RunStatusFailed), exitCode, msg, event.RunArtifacts{}))
}

// engineArgv builds the engine invocation for one run.
func (d *Dispatcher) engineArgv(envPath string, r *track.Run) []string {
	argv := []string{
		envstore.PythonPath(envPath), "-m", engineModule(d.cfg.Engine.Spec), "run",
		"--document", r.InputDocumentID,
		"--config", envstore.SrcPath(envPath),
		"--output", d.layout.RunDir(r.ID),
	}
	for _, sheet := range r.SheetNames {
		argv = append(argv, "--sheet", sheet)
	}
	if r.DryRun {
		argv = append(argv, "--dry-run")
	}
	if r.ValidateOnly {
		argv = append(argv, "--validate-only")
	}
	return argv
}

// engineModule derives the importable module name from a pip
// requirement spec, e.g. "ade-engine==1.4.0" -> "ade_engine".
func engineModule(spec string) string {
	name := spec
	for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", "["} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}
