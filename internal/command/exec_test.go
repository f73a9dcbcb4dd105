//go:build unix

package command

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellExecutor(t *testing.T) {
	var x ShellExecutor

	t.Run("captures stdout and exit code", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{Command: "echo hello; echo oops >&2"})
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, "oops\n", res.Stderr)
		assert.False(t, res.TimedOut)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{Command: "exit 3"})
		assert.Equal(t, 3, res.ExitCode)
		assert.False(t, res.TimedOut)
	})

	t.Run("runs in the requested directory", func(t *testing.T) {
		dir := t.TempDir()
		res := x.Exec(context.Background(), ExecRequest{Command: "pwd -P", Dir: dir})
		require.Equal(t, 0, res.ExitCode, res.Stderr)
		want, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Equal(t, want, strings.TrimSpace(res.Stdout))
	})

	t.Run("timeout kills the process group", func(t *testing.T) {
		start := time.Now()
		res := x.Exec(context.Background(), ExecRequest{
			Command: "sleep 30 & sleep 30; wait",
			Timeout: 100 * time.Millisecond,
		})
		assert.True(t, res.TimedOut)
		assert.Equal(t, -1, res.ExitCode)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("background child keeps pipes open", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{
			Command: "sleep 5 & echo started",
			Timeout: 30 * time.Second,
		})
		assert.False(t, res.TimedOut)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "started\n", res.Stdout)
		assert.NotContains(t, res.Stderr, "WaitDelay")
	})

	t.Run("background child after failure keeps exit code", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{
			Command: "sleep 5 & exit 4",
			Timeout: 30 * time.Second,
		})
		assert.Equal(t, 4, res.ExitCode)
	})

	t.Run("output is capped", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{
			Command:   "i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done",
			MaxOutput: 100,
		})
		assert.Equal(t, 0, res.ExitCode)
		assert.True(t, strings.HasSuffix(res.Stdout, TruncationMarker))
		assert.Len(t, res.Stdout, 100+len(TruncationMarker))
	})

	t.Run("missing shell", func(t *testing.T) {
		res := x.Exec(context.Background(), ExecRequest{Command: "true", Shell: "/definitely/not/a/shell"})
		assert.Equal(t, 127, res.ExitCode)
		assert.NotEmpty(t, res.Stderr)
	})
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "writes report full length so the child never sees a short write")
	assert.Equal(t, "abcde"+TruncationMarker, b.String())

	unbounded := &cappedBuffer{}
	unbounded.WriteString("everything")
	assert.Equal(t, "everything", unbounded.String())
}

func TestEngine_BackgroundChildCompletes(t *testing.T) {
	e := NewEngine(WithGlobalMode(ModeAuto))
	entry, err := e.Submit(context.Background(), Request{AgentID: "coder", Command: "sleep 5 & echo started"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entry.Status)
	require.NotNil(t, entry.ExitCode)
	assert.Equal(t, 0, *entry.ExitCode)
}
