package track

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tabulist/ade/errors"
)

// Store provides durable access to build and run records.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateBuild inserts a new build record in the queued state.
func (s *Store) CreateBuild(b *Build) error {
	if b.Status == "" {
		b.Status = BuildStatusQueued
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO builds (id, config_id, config_version, digest, status, engine_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ConfigID, b.ConfigVersion, b.Digest, b.Status, b.EngineVersion, b.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create build")
	}
	return nil
}

// GetBuild retrieves a build by ID.
func (s *Store) GetBuild(id string) (*Build, error) {
	row := s.db.QueryRow(`
		SELECT id, config_id, config_version, digest, status, engine_version, exit_code, error, summary, env_path, metadata, created_at, started_at, completed_at
		FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "build %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get build")
	}
	return b, nil
}

// GetActiveBuild finds the active build for a config version, if any.
func (s *Store) GetActiveBuild(configID, configVersion string) (*Build, error) {
	row := s.db.QueryRow(`
		SELECT id, config_id, config_version, digest, status, engine_version, exit_code, error, summary, env_path, metadata, created_at, started_at, completed_at
		FROM builds
		WHERE config_id = ? AND config_version = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		configID, configVersion, BuildStatusActive)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no active build for %s@%s", configID, configVersion)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active build")
	}
	return b, nil
}

// ListBuilds returns builds ordered newest first.
func (s *Store) ListBuilds(limit int) ([]*Build, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, config_id, config_version, digest, status, engine_version, exit_code, error, summary, env_path, metadata, created_at, started_at, completed_at
		FROM builds ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan build")
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// MarkBuildBuilding transitions a build from queued to building.
// The update is atomic: a concurrent claim on the same build loses.
func (s *Store) MarkBuildBuilding(id string) error {
	res, err := s.db.Exec(`
		UPDATE builds SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		BuildStatusBuilding, time.Now().UTC(), id, BuildStatusQueued)
	if err != nil {
		return errors.Wrap(err, "failed to mark build building")
	}
	return s.checkBuildTransition(res, id, BuildStatusBuilding)
}

// MarkBuildActive transitions a build from building to active,
// recording the environment path, collected metadata, and a
// human-readable summary.
func (s *Store) MarkBuildActive(id, envPath, metadata, summary string) error {
	res, err := s.db.Exec(`
		UPDATE builds SET status = ?, env_path = ?, metadata = ?, summary = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		BuildStatusActive, envPath, nullIfEmpty(metadata), nullIfEmpty(summary),
		time.Now().UTC(), id, BuildStatusBuilding)
	if err != nil {
		return errors.Wrap(err, "failed to mark build active")
	}
	return s.checkBuildTransition(res, id, BuildStatusActive)
}

// MarkBuildFailed transitions a build to failed from any non-terminal
// state; a build that could never be claimed still fails from queued.
// The exit code may be nil when no process produced one.
func (s *Store) MarkBuildFailed(id string, exitCode *int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE builds SET status = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		BuildStatusFailed, nullableInt(exitCode), errMsg, time.Now().UTC(), id,
		BuildStatusQueued, BuildStatusBuilding)
	if err != nil {
		return errors.Wrap(err, "failed to mark build failed")
	}
	return s.checkBuildTransition(res, id, BuildStatusFailed)
}

// MarkBuildCanceled transitions a build to canceled from any
// non-terminal state.
func (s *Store) MarkBuildCanceled(id string) error {
	res, err := s.db.Exec(`
		UPDATE builds SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		BuildStatusCanceled, time.Now().UTC(), id, BuildStatusQueued, BuildStatusBuilding)
	if err != nil {
		return errors.Wrap(err, "failed to mark build canceled")
	}
	return s.checkBuildTransition(res, id, BuildStatusCanceled)
}

func (s *Store) checkBuildTransition(res sql.Result, id string, to BuildStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n > 0 {
		return nil
	}
	b, err := s.GetBuild(id)
	if err != nil {
		return err
	}
	return errors.Wrapf(errors.ErrInvalidTransition, "build %s: %s -> %s", id, b.Status, to)
}

// CreateRun inserts a new run record in the queued state.
func (s *Store) CreateRun(r *Run) error {
	if r.Status == "" {
		r.Status = RunStatusQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, build_id, config_id, config_version, input_document_id, sheet_names, dry_run, validate_only, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BuildID, r.ConfigID, r.ConfigVersion, r.InputDocumentID,
		marshalList(r.SheetNames), r.DryRun, r.ValidateOnly, r.Status, r.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create run")
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, build_id, config_id, config_version, input_document_id, sheet_names, dry_run, validate_only, status, exit_code, error, run_dir, artifact_path, output_paths, processed_files, created_at, started_at, completed_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	return r, nil
}

// ListRuns returns runs ordered newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, build_id, config_id, config_version, input_document_id, sheet_names, dry_run, validate_only, status, exit_code, error, run_dir, artifact_path, output_paths, processed_files, created_at, started_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkRunRunning transitions a run from queued to running.
func (s *Store) MarkRunRunning(id string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		RunStatusRunning, time.Now().UTC(), id, RunStatusQueued)
	if err != nil {
		return errors.Wrap(err, "failed to mark run running")
	}
	return s.checkRunTransition(res, id, RunStatusRunning)
}

// RunOutcome carries the artifact detail recorded with a successful run.
type RunOutcome struct {
	ExitCode       int
	ArtifactPath   string
	OutputPaths    []string
	ProcessedFiles []string
}

// MarkRunSucceeded transitions a run from running to succeeded and
// records where its artifacts landed.
func (s *Store) MarkRunSucceeded(id string, outcome RunOutcome) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, exit_code = ?, artifact_path = ?, output_paths = ?, processed_files = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		RunStatusSucceeded, outcome.ExitCode, nullIfEmpty(outcome.ArtifactPath),
		marshalList(outcome.OutputPaths), marshalList(outcome.ProcessedFiles),
		time.Now().UTC(), id, RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to mark run succeeded")
	}
	return s.checkRunTransition(res, id, RunStatusSucceeded)
}

// MarkRunFailed transitions a run to failed from any non-terminal
// state; a run that could never be claimed still fails from queued.
// The exit code may be nil when the process never started or was killed.
func (s *Store) MarkRunFailed(id string, exitCode *int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		RunStatusFailed, nullableInt(exitCode), errMsg, time.Now().UTC(), id,
		RunStatusQueued, RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to mark run failed")
	}
	return s.checkRunTransition(res, id, RunStatusFailed)
}

// MarkRunCanceled transitions a run to canceled from any non-terminal state.
func (s *Store) MarkRunCanceled(id string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		RunStatusCanceled, time.Now().UTC(), id, RunStatusQueued, RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to mark run canceled")
	}
	return s.checkRunTransition(res, id, RunStatusCanceled)
}

// SetRunDir records the artifact directory for a run.
func (s *Store) SetRunDir(id, dir string) error {
	_, err := s.db.Exec("UPDATE runs SET run_dir = ? WHERE id = ?", dir, id)
	if err != nil {
		return errors.Wrap(err, "failed to set run dir")
	}
	return nil
}

func (s *Store) checkRunTransition(res sql.Result, id string, to RunStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n > 0 {
		return nil
	}
	r, err := s.GetRun(id)
	if err != nil {
		return err
	}
	return errors.Wrapf(errors.ErrInvalidTransition, "run %s: %s -> %s", id, r.Status, to)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalList stores a string slice as a JSON array, or NULL when empty.
func marshalList(items []string) interface{} {
	if len(items) == 0 {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
