package envstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
	"github.com/tabulist/ade/executor"
)

// BuildRequest describes one environment build.
type BuildRequest struct {
	BuildID string
	Digest  string
	Files   map[string][]byte
	Force   bool
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	EnvPath  string
	Metadata string
	Summary  string
	Reused   bool
}

// envMetadata is what collect_metadata persists and reports.
type envMetadata struct {
	Digest        string   `json:"digest"`
	EngineVersion string   `json:"engine_version"`
	PythonVersion string   `json:"python_version,omitempty"`
	Packages      []string `json:"packages,omitempty"`
	SafeMode      bool     `json:"safe_mode,omitempty"`
}

// Build materializes a verified environment for the request's digest,
// emitting a build.step event before each pipeline step and build.log
// events for subprocess output. An existing environment for the same
// digest is reused unless Force is set.
func (s *Store) Build(ctx context.Context, req BuildRequest, emit func(event.Event)) (*BuildResult, error) {
	lock := s.lockFor(req.Digest)
	lock.Lock()
	defer lock.Unlock()

	envPath := s.EnvPath(req.Digest)

	if req.Force {
		if err := os.RemoveAll(envPath); err != nil {
			return nil, errors.Wrap(err, "failed to remove stale environment")
		}
	} else if res := s.tryReuse(req, envPath, emit); res != nil {
		return res, nil
	}

	if s.safeMode {
		return s.buildSafeMode(req, envPath, emit)
	}

	srcDir := SrcPath(envPath)
	if err := writeFiles(srcDir, req.Files); err != nil {
		return nil, err
	}

	venvDir := filepath.Join(envPath, "venv")
	python := PythonPath(envPath)

	emit(event.BuildStep(req.BuildID, StepCreateVenv, ""))
	if _, err := s.runStep(ctx, req.BuildID, StepCreateVenv,
		[]string{s.engine.Interpreter, "-m", "venv", venvDir}, envPath, emit); err != nil {
		return nil, err
	}

	emit(event.BuildStep(req.BuildID, StepUpgradePip, ""))
	if _, err := s.runStep(ctx, req.BuildID, StepUpgradePip,
		[]string{python, "-m", "pip", "install", "--upgrade", "pip"}, envPath, emit); err != nil {
		return nil, err
	}

	emit(event.BuildStep(req.BuildID, StepInstallEngine, s.engine.Spec))
	if _, err := s.runStep(ctx, req.BuildID, StepInstallEngine,
		[]string{python, "-m", "pip", "install", s.engine.Spec}, envPath, emit); err != nil {
		return nil, err
	}

	emit(event.BuildStep(req.BuildID, StepInstallConfig, ""))
	if _, err := s.runStep(ctx, req.BuildID, StepInstallConfig,
		[]string{python, "-m", "pip", "install", srcDir}, envPath, emit); err != nil {
		return nil, err
	}

	emit(event.BuildStep(req.BuildID, StepVerifyImports, ""))
	if _, err := s.runStep(ctx, req.BuildID, StepVerifyImports,
		[]string{python, "-c", importCheckScript(req.Files)}, envPath, emit); err != nil {
		return nil, err
	}

	emit(event.BuildStep(req.BuildID, StepCollectMetadata, ""))
	out, err := s.runStep(ctx, req.BuildID, StepCollectMetadata,
		[]string{python, "-c", metadataScript}, envPath, emit)
	if err != nil {
		return nil, err
	}

	meta, err := s.finishMetadata(req, envPath, out.lastStdout())
	if err != nil {
		return nil, err
	}

	metaJSON, _ := json.Marshal(meta)
	return &BuildResult{
		EnvPath:  envPath,
		Metadata: string(metaJSON),
		Summary: fmt.Sprintf("environment ready (python %s, %d packages)",
			meta.PythonVersion, len(meta.Packages)),
	}, nil
}

// tryReuse returns a result when a verified environment already exists
// for this digest. The create_venv step event still fires with a
// "reused" note so stream consumers see the full step sequence start.
func (s *Store) tryReuse(req BuildRequest, envPath string, emit func(event.Event)) *BuildResult {
	env, err := s.Lookup(req.Digest)
	if err != nil {
		return nil
	}
	if _, err := os.Stat(PythonPath(envPath)); err != nil {
		return nil
	}

	emit(event.BuildStep(req.BuildID, StepCreateVenv, "reused"))
	emit(event.BuildStep(req.BuildID, StepCollectMetadata, "reused"))
	s.touchEnvironment(req.Digest)

	meta := envMetadata{
		Digest:        env.Digest,
		EngineVersion: env.EngineVersion,
		PythonVersion: env.PythonVersion,
	}
	if env.Packages != "" {
		json.Unmarshal([]byte(env.Packages), &meta.Packages)
	}
	metaJSON, _ := json.Marshal(meta)
	return &BuildResult{
		EnvPath:  envPath,
		Metadata: string(metaJSON),
		Summary:  "reused existing environment",
		Reused:   true,
	}
}

// buildSafeMode records the environment without touching pip or the
// network; every step event fires with a safe-mode note.
func (s *Store) buildSafeMode(req BuildRequest, envPath string, emit func(event.Event)) (*BuildResult, error) {
	if err := writeFiles(SrcPath(envPath), req.Files); err != nil {
		return nil, err
	}
	// placeholder interpreter so later submissions take the reuse path
	python := PythonPath(envPath)
	if err := os.MkdirAll(filepath.Dir(python), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create environment directory")
	}
	if err := os.WriteFile(python, nil, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create placeholder interpreter")
	}
	for _, step := range Steps {
		emit(event.BuildStep(req.BuildID, step, "safe-mode"))
	}

	meta := envMetadata{Digest: req.Digest, EngineVersion: s.engine.Version, SafeMode: true}
	if err := s.saveEnvironment(&Environment{
		Digest:        req.Digest,
		EngineVersion: s.engine.Version,
		EnvPath:       envPath,
	}); err != nil {
		return nil, err
	}

	metaJSON, _ := json.Marshal(meta)
	return &BuildResult{
		EnvPath:  envPath,
		Metadata: string(metaJSON),
		Summary:  "safe mode: environment recorded without installation",
	}, nil
}

// finishMetadata parses the collect_metadata output and persists the
// environment record.
func (s *Store) finishMetadata(req BuildRequest, envPath, raw string) (*envMetadata, error) {
	var probed struct {
		PythonVersion string   `json:"python_version"`
		Packages      []string `json:"packages"`
	}
	if err := json.Unmarshal([]byte(raw), &probed); err != nil {
		return nil, errors.Wrapf(err, "step %s produced unparseable output", StepCollectMetadata)
	}

	packagesJSON, _ := json.Marshal(probed.Packages)
	if err := s.saveEnvironment(&Environment{
		Digest:        req.Digest,
		EngineVersion: s.engine.Version,
		PythonVersion: probed.PythonVersion,
		EnvPath:       envPath,
		Packages:      string(packagesJSON),
	}); err != nil {
		return nil, err
	}

	return &envMetadata{
		Digest:        req.Digest,
		EngineVersion: s.engine.Version,
		PythonVersion: probed.PythonVersion,
		Packages:      probed.Packages,
	}, nil
}

// stepOutput captures subprocess output for diagnostics and metadata.
type stepOutput struct {
	stdout []string
	tail   []string
}

func (o *stepOutput) lastStdout() string {
	if len(o.stdout) == 0 {
		return ""
	}
	return o.stdout[len(o.stdout)-1]
}

const tailLines = 20

// runStep executes one pipeline step, relaying its output as build.log
// events. A nonzero exit aborts the pipeline with the step name and the
// output tail in the error.
func (s *Store) runStep(ctx context.Context, buildID, step string, argv []string, dir string, emit func(event.Event)) (*stepOutput, error) {
	out := &stepOutput{}
	limits, timeout := s.stepLimits()
	res, err := s.exec.Run(ctx, executor.Spec{
		Argv:    argv,
		Dir:     dir,
		Env:     os.Environ(),
		Timeout: timeout,
		Limits:  limits,
	}, func(stream, line string) {
		emit(event.BuildLog(buildID, stream, line))
		if stream == event.StreamStdout {
			out.stdout = append(out.stdout, line)
		}
		out.tail = append(out.tail, line)
		if len(out.tail) > tailLines {
			out.tail = out.tail[1:]
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "step %s", step)
	}
	if res.ExitCode != 0 {
		msg := strings.Join(out.tail, "\n")
		return nil, errors.Newf("step %s failed (exit %d): %s", step, res.ExitCode, msg)
	}
	if s.logger != nil {
		s.logger.Debugw("Build step complete", "build_id", buildID, "step", step, "duration", res.Duration)
	}
	return out, nil
}

// importCheckScript builds a small interpreter script that imports
// every top-level module the configuration package declares.
func importCheckScript(files map[string][]byte) string {
	seen := make(map[string]bool)
	var modules []string
	for path := range files {
		path = filepath.ToSlash(path)
		switch {
		case strings.HasSuffix(path, "/__init__.py"):
			pkg := strings.SplitN(path, "/", 2)[0]
			if !seen[pkg] {
				seen[pkg] = true
				modules = append(modules, pkg)
			}
		case !strings.Contains(path, "/") && strings.HasSuffix(path, ".py") && path != "setup.py":
			mod := strings.TrimSuffix(path, ".py")
			if !seen[mod] {
				seen[mod] = true
				modules = append(modules, mod)
			}
		}
	}
	sort.Strings(modules)
	list, _ := json.Marshal(modules)
	return fmt.Sprintf("import importlib\nfor m in %s:\n    importlib.import_module(m)", list)
}

// metadataScript prints one JSON line describing the interpreter and
// installed packages.
const metadataScript = `import json, sys
try:
    from importlib import metadata
    pkgs = sorted({d.metadata["Name"] + "==" + d.version for d in metadata.distributions() if d.metadata["Name"]})
except Exception:
    pkgs = []
print(json.dumps({"python_version": sys.version.split()[0], "packages": pkgs}))`
