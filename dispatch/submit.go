package dispatch

import (
	"strings"

	"github.com/tabulist/ade/envstore"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/track"
)

// BuildSubmission is a request to build an environment for a
// configuration package.
type BuildSubmission struct {
	ConfigID      string
	ConfigVersion string
	Files         map[string][]byte
	Force         bool
}

// RunSubmission is a request to execute a document inside an active
// build's environment.
type RunSubmission struct {
	ConfigID        string
	BuildID         string
	InputDocumentID string
	SheetNames      []string
	DryRun          bool
	ValidateOnly    bool
}

// SubmitBuild admits a build and returns its ID and live event stream.
// Returns ErrBackpressure, with no state created, when the admission
// queue is at capacity.
func (d *Dispatcher) SubmitBuild(sub BuildSubmission) (string, *event.Stream, error) {
	if sub.ConfigID == "" {
		return "", nil, errors.Wrap(errors.ErrInvalidRequest, "config_id is required")
	}
	if len(sub.Files) == 0 {
		return "", nil, errors.Wrap(errors.ErrInvalidRequest, "configuration package is empty")
	}

	digest := envstore.Digest(d.cfg.Engine.Version, sub.Files)
	rec := &track.Build{
		ID:            track.NewBuildID(),
		ConfigID:      sub.ConfigID,
		ConfigVersion: sub.ConfigVersion,
		Digest:        digest,
		EngineVersion: d.cfg.Engine.Version,
	}

	j := &job{
		kind:   kindBuild,
		id:     rec.ID,
		stream: event.NewStream(),
		build: &buildJob{
			configID:      sub.ConfigID,
			configVersion: sub.ConfigVersion,
			digest:        digest,
			files:         sub.Files,
			force:         sub.Force,
		},
	}

	if err := d.admit(j, func() error { return d.store.CreateBuild(rec) }); err != nil {
		return "", nil, err
	}
	d.emit(j, event.BuildCreated(rec.ID, rec.ConfigID))
	d.queue <- j
	return rec.ID, j.stream, nil
}

// SubmitRun admits a run and returns its ID and live event stream.
// Fails with ErrEnvironmentNotReady, before any state is created or
// event emitted, when the referenced build is not active.
func (d *Dispatcher) SubmitRun(sub RunSubmission) (string, *event.Stream, error) {
	if sub.BuildID == "" || sub.InputDocumentID == "" {
		return "", nil, errors.Wrap(errors.ErrInvalidRequest, "build_id and input_document_id are required")
	}

	build, err := d.store.GetBuild(sub.BuildID)
	if err != nil {
		return "", nil, err
	}
	if build.Status != track.BuildStatusActive {
		return "", nil, errors.Wrapf(errors.ErrEnvironmentNotReady,
			"build %s is %s", build.ID, build.Status)
	}

	rec := &track.Run{
		ID:              track.NewRunID(),
		BuildID:         build.ID,
		ConfigID:        build.ConfigID,
		ConfigVersion:   build.ConfigVersion,
		InputDocumentID: sub.InputDocumentID,
		SheetNames:      sub.SheetNames,
		DryRun:          sub.DryRun,
		ValidateOnly:    sub.ValidateOnly,
	}

	j := &job{
		kind:   kindRun,
		id:     rec.ID,
		stream: event.NewStream(),
		run:    &runJob{buildID: build.ID, rec: rec},
	}

	if err := d.admit(j, func() error { return d.store.CreateRun(rec) }); err != nil {
		return "", nil, err
	}
	d.emit(j, event.RunCreated(rec.ID, rec.ConfigID))
	d.queue <- j
	return rec.ID, j.stream, nil
}

// admit performs the backpressure check and, only if it passes,
// persists the record and registers the job.
func (d *Dispatcher) admit(j *job, persist func() error) error {
	limit := int64(d.limits.Load().QueueSize)
	for {
		n := d.inFlight.Load()
		if n >= limit {
			return errors.Wrapf(errors.ErrBackpressure,
				"%d jobs in flight, queue size %d", n, limit)
		}
		if d.inFlight.CompareAndSwap(n, n+1) {
			break
		}
	}

	if err := persist(); err != nil {
		d.inFlight.Add(-1)
		return err
	}

	d.mu.Lock()
	d.jobs[j.id] = j
	d.mu.Unlock()
	return nil
}

// Cancel cancels a queued or running build or run. A queued job never
// starts a process; a running job has its subprocess tree killed.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	j, tracked := d.jobs[jobID]
	cancel := d.cancels[jobID]
	if tracked && cancel == nil {
		// still queued; the worker will observe the flag and skip it
		d.canceled[jobID] = true
	}
	d.mu.Unlock()

	if !tracked {
		return d.cancelUntracked(jobID)
	}

	if cancel != nil {
		cancel()
		return nil
	}

	// queued path: record durably, then emit the terminal event
	var err error
	switch j.kind {
	case kindBuild:
		err = d.store.MarkBuildCanceled(jobID)
		if err == nil {
			d.emit(j, event.BuildCompleted(jobID, string(track.BuildStatusCanceled), nil, "", ""))
		}
	case kindRun:
		err = d.store.MarkRunCanceled(jobID)
		if err == nil {
			d.emit(j, event.RunCompleted(jobID, string(track.RunStatusCanceled), nil, "", event.RunArtifacts{}))
		}
	}
	if err != nil {
		// cancellation did not take; unflag so the worker runs the
		// job normally and its stream still terminates
		d.mu.Lock()
		delete(d.canceled, jobID)
		d.mu.Unlock()
		return err
	}
	d.finish(j)
	return nil
}

// cancelUntracked handles cancel requests for jobs this process is not
// holding, e.g. already terminal or from a previous process lifetime.
func (d *Dispatcher) cancelUntracked(jobID string) error {
	switch {
	case strings.HasPrefix(jobID, "bld_"):
		b, err := d.store.GetBuild(jobID)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			return errors.Wrapf(errors.ErrInvalidTransition, "build %s is already %s", jobID, b.Status)
		}
		return d.store.MarkBuildCanceled(jobID)
	case strings.HasPrefix(jobID, "run_"):
		r, err := d.store.GetRun(jobID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			return errors.Wrapf(errors.ErrInvalidTransition, "run %s is already %s", jobID, r.Status)
		}
		return d.store.MarkRunCanceled(jobID)
	}
	return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
}
