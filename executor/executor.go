// Package executor runs worker subprocesses under a wall-clock timeout
// and per-process resource limits. Output is streamed line by line to
// the caller, and on timeout or cancellation the entire process tree
// is killed via its process group.
package executor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/tabulist/ade/errors"
)

// maxLineBytes caps a single captured output line. Longer lines are
// split by the scanner rather than aborting the capture.
const maxLineBytes = 1024 * 1024

// Limits are per-process resource ceilings. Zero means unlimited.
type Limits struct {
	CPUSeconds int
	MemoryMB   int
	FileSizeMB int
}

// Spec describes one subprocess invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Limits  Limits
}

// Result summarizes a finished subprocess.
type Result struct {
	ExitCode int
	TimedOut bool
	LimitHit bool
	Duration time.Duration
}

// LineFunc receives one line of subprocess output. The stream argument
// is "stdout" or "stderr".
type LineFunc func(stream, line string)

// Executor spawns and supervises worker subprocesses.
type Executor struct {
	logger *zap.SugaredLogger
}

// New creates an executor.
func New(logger *zap.SugaredLogger) *Executor {
	return &Executor{logger: logger}
}

// Run executes the spec until it exits, times out, or the context is
// canceled. Returns ErrTimeout when the wall clock expired,
// ErrResourceLimit when a resource ceiling killed the process, and
// ErrCanceled when the context ended the run. onLine may be nil.
func (e *Executor) Run(ctx context.Context, spec Spec, onLine LineFunc) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// own process group so the whole tree can be killed at once
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to open stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrapf(err, "failed to start %s", spec.Argv[0])
	}

	if e.logger != nil {
		e.logger.Debugw("Started worker process",
			"pid", cmd.Process.Pid,
			"command", shellquote.Join(spec.Argv...),
			"timeout", spec.Timeout,
		)
	}

	if err := applyLimits(cmd.Process.Pid, spec.Limits); err != nil && e.logger != nil {
		e.logger.Warnw("Failed to apply resource limits", "pid", cmd.Process.Pid, "error", err)
	}

	lineDone := make(chan struct{}, 2)
	go scanLines(stdout, "stdout", onLine, lineDone)
	go scanLines(stderr, "stderr", onLine, lineDone)

	waitDone := make(chan error, 1)
	go func() {
		<-lineDone
		<-lineDone
		waitDone <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timer = t.C
	}

	var timedOut, canceled bool
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timer:
		timedOut = true
		killProcessGroup(cmd.Process.Pid)
		waitErr = <-waitDone
	case <-ctx.Done():
		canceled = true
		killProcessGroup(cmd.Process.Pid)
		waitErr = <-waitDone
	}

	res := Result{
		ExitCode: exitCode(cmd, waitErr),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}

	switch {
	case timedOut:
		return res, errors.Wrapf(errors.ErrTimeout, "exceeded %s", spec.Timeout)
	case canceled:
		return res, errors.ErrCanceled
	}

	if sig, hit := limitSignal(cmd); hit {
		res.LimitHit = true
		return res, errors.Wrapf(errors.ErrResourceLimit, "killed by %s", sig)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// nonzero exit is reported through ExitCode, not as an error
			return res, nil
		}
		return res, errors.Wrap(waitErr, "worker process failed")
	}
	return res, nil
}

// scanLines reads one output stream line by line until EOF.
func scanLines(r io.Reader, stream string, onLine LineFunc, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// killProcessGroup kills the process and everything it spawned.
func killProcessGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}

// limitSignal reports whether the process died from a resource-limit
// signal (CPU time or file size ceiling).
func limitSignal(cmd *exec.Cmd) (string, bool) {
	if cmd.ProcessState == nil {
		return "", false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		return "SIGXCPU", true
	case syscall.SIGXFSZ:
		return "SIGXFSZ", true
	}
	return "", false
}
