package command

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

// DefaultShell is used when an ExecRequest names no shell.
const DefaultShell = "/bin/sh"

// TruncationMarker is appended to output that exceeded the capture limit.
const TruncationMarker = "\n[output truncated]"

// waitDelay bounds how long Exec waits for pipes to drain after a kill.
const waitDelay = 2 * time.Second

// ExecRequest describes one shell invocation.
type ExecRequest struct {
	Command   string
	Dir       string
	Timeout   time.Duration
	Shell     string
	MaxOutput int
}

// ExecResult is the outcome of an invocation. Failures to start the shell are
// reported through Stderr and ExitCode rather than an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Executor runs approved commands.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) ExecResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) ExecResult

// Exec calls f.
func (f ExecutorFunc) Exec(ctx context.Context, req ExecRequest) ExecResult {
	return f(ctx, req)
}

// ShellExecutor runs commands as `<shell> -c <command>` in their own process
// group, killing the whole group when the timeout expires.
type ShellExecutor struct{}

// Exec implements Executor.
func (ShellExecutor) Exec(ctx context.Context, req ExecRequest) ExecResult {
	shell := req.Shell
	if shell == "" {
		shell = DefaultShell
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stdout := &cappedBuffer{max: req.MaxOutput}
	stderr := &cappedBuffer{max: req.MaxOutput}

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		// A background child kept the output pipes open after the shell exited.
		res.ExitCode = cmd.ProcessState.ExitCode()
	case cmd.ProcessState == nil:
		// The shell never ran.
		res.ExitCode = 127
		stderr.WriteString(err.Error())
	default:
		res.ExitCode = cmd.ProcessState.ExitCode()
		stderr.WriteString(err.Error())
	}
	if ctx.Err() != nil && !res.TimedOut {
		res.ExitCode = -1
		stderr.WriteString("\n" + ctx.Err().Error())
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// cappedBuffer keeps at most max bytes. A max <= 0 keeps everything.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.max > 0 {
		room := max(b.max-len(b.buf), 0)
		if len(p) > room {
			b.truncated = true
			p = p[:room]
		}
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *cappedBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + TruncationMarker
	}
	return string(b.buf)
}
