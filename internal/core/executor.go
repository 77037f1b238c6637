package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command is a single external process invocation.
//
// Probes, populate actions, payload actions and verification actions all
// reduce to a Command; nothing else in this package spawns processes.
type Command struct {
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string

	// Timeout bounds the wall-clock time of the process. Zero means no limit.
	Timeout time.Duration

	// Tee, if set, receives a live copy of stdout and stderr.
	Tee io.Writer
}

// ShellCommand wraps a shell script string as a Command run through "sh -c".
func ShellCommand(script string) Command {
	return Command{Argv: []string{"sh", "-c", script}}
}

// ExecutionResult is the observable outcome of a finished process.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	// TimedOut is set when the process was killed because Command.Timeout
	// elapsed. ExitCode is -1 in that case.
	TimedOut bool

	Duration time.Duration
}

// Success reports whether the process exited with status 0 within its timeout.
func (r *ExecutionResult) Success() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Output returns stdout followed by stderr, for diagnostics.
func (r *ExecutionResult) Output() []byte {
	if r == nil {
		return nil
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	out = append(out, r.Stderr...)
	return out
}

// CommandRunner runs external processes.
//
// A non-nil error means the process could not be started or the context was
// cancelled. A process that ran and exited non-zero (or timed out) is reported
// through the ExecutionResult with a nil error.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// ShellExecutor is the process-backed CommandRunner.
//
// Each process is started in its own process group so that cancellation and
// timeouts kill the whole tree, including children spawned by install scripts.
type ShellExecutor struct {
	// Environ returns the base environment. Defaults to os.Environ.
	Environ func() []string
}

// NewShellExecutor creates a ShellExecutor inheriting the process environment.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Environ: os.Environ}
}

// Run starts the command and waits for it to finish, be cancelled, or time out.
func (e *ShellExecutor) Run(ctx context.Context, c Command) (*ExecutionResult, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("command argv is empty")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = e.environ(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if c.Tee != nil {
		tee := &lockedWriter{w: c.Tee}
		cmd.Stdout = io.MultiWriter(&stdout, tee)
		cmd.Stderr = io.MultiWriter(&stderr, tee)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		// Negative pid targets the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return &ExecutionResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			TimedOut: true,
			Duration: time.Since(start),
		}, nil
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

func (e *ShellExecutor) environ(extra []string) []string {
	var base []string
	if e.Environ != nil {
		base = e.Environ()
	}
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	return append(env, extra...)
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
