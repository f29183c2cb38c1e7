// Package envstore materializes and caches isolated Python runtime
// environments, one per content digest. A build walks an ordered step
// pipeline inside the digest's serialization lock; runs only ever read
// from a finished environment.
package envstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/executor"
)

// Pipeline step names, in execution order.
const (
	StepCreateVenv      = "create_venv"
	StepUpgradePip      = "upgrade_pip"
	StepInstallEngine   = "install_engine"
	StepInstallConfig   = "install_config"
	StepVerifyImports   = "verify_imports"
	StepCollectMetadata = "collect_metadata"
)

// Steps lists the pipeline steps in order.
var Steps = []string{
	StepCreateVenv,
	StepUpgradePip,
	StepInstallEngine,
	StepInstallConfig,
	StepVerifyImports,
	StepCollectMetadata,
}

// Store owns the on-disk environment tree and its database records.
type Store struct {
	root     string
	db       *sql.DB
	exec     *executor.Executor
	engine   config.EngineConfig
	safeMode bool
	logger   *zap.SugaredLogger

	limitMu sync.RWMutex
	limits  executor.Limits
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an environment store rooted at cfg.Storage.Root.
func New(cfg *config.Config, database *sql.DB, exec *executor.Executor, logger *zap.SugaredLogger) *Store {
	return &Store{
		root:   cfg.Storage.Root,
		db:     database,
		exec:   exec,
		engine: cfg.Engine,
		limits: executor.Limits{
			CPUSeconds: cfg.Worker.CPUSeconds,
			MemoryMB:   cfg.Worker.MemoryMB,
			FileSizeMB: cfg.Worker.FileSizeMB,
		},
		timeout:  time.Duration(cfg.Worker.JobTimeoutSeconds) * time.Second,
		safeMode: cfg.SafeMode,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// UpdateLimits applies reloaded worker limits to later pipeline steps.
func (s *Store) UpdateLimits(w config.WorkerConfig) {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	s.limits = executor.Limits{
		CPUSeconds: w.CPUSeconds,
		MemoryMB:   w.MemoryMB,
		FileSizeMB: w.FileSizeMB,
	}
	s.timeout = time.Duration(w.JobTimeoutSeconds) * time.Second
}

// stepLimits snapshots the current step timeout and resource ceilings.
func (s *Store) stepLimits() (executor.Limits, time.Duration) {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return s.limits, s.timeout
}

// lockFor returns the serialization lock for one digest. Unrelated
// digests build in parallel; only same-digest builds queue here.
func (s *Store) lockFor(digest string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[digest]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[digest] = l
	return l
}

// EnvPath returns the on-disk directory for a digest.
func (s *Store) EnvPath(digest string) string {
	return filepath.Join(s.root, "envs", digest)
}

// PythonPath returns the venv interpreter inside an environment.
func PythonPath(envPath string) string {
	return filepath.Join(envPath, "venv", "bin", "python")
}

// SrcPath returns the configuration source directory inside an environment.
func SrcPath(envPath string) string {
	return filepath.Join(envPath, "src")
}

// writeFiles materializes the configuration package sources under dir.
func writeFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create source directory")
	}
	for path, content := range files {
		if filepath.IsAbs(path) || strings.Contains(path, "..") {
			return errors.Newf("unsafe file path in configuration package: %s", path)
		}
		dst := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %s", path)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
	}
	return nil
}
