package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		logger.Info("hello")
		if _, err := os.Stat(filepath.Join(dir, LogFileName)); err != nil {
			t.Errorf("log file was not created: %v", err)
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.sink != nil {
			t.Error("expected no sink for stderr logger")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close() on stderr logger = %v", err)
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["msg"] != "warn" || lines[1]["msg"] != "error" {
		t.Errorf("unexpected messages: %v, %v", lines[0]["msg"], lines[1]["msg"])
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelDebug)

	base.WithPipeline("p-1").WithAgent("coder-p-1-2").WithTask("2").
		Info("task started", "tier", "sonnet-tier")
	base.WithCommand("c-9").WithComponent("command").Warn("denied")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	want := map[string]string{
		"pipeline_id": "p-1",
		"agent_id":    "coder-p-1-2",
		"task_id":     "2",
		"tier":        "sonnet-tier",
	}
	for k, v := range want {
		if lines[0][k] != v {
			t.Errorf("line[0][%q] = %v, want %q", k, lines[0][k], v)
		}
	}
	if lines[1]["command_id"] != "c-9" || lines[1]["component"] != "command" {
		t.Errorf("line[1] = %v", lines[1])
	}
	if _, ok := lines[1]["pipeline_id"]; ok {
		t.Error("child attributes leaked into sibling logger")
	}
}

func TestWithNoArgsReturnsSameLogger(t *testing.T) {
	l := NopLogger()
	if l.With() != l {
		t.Error("With() with no args should return the receiver")
	}
}

func TestCloseIsShared(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	child := logger.WithAgent("a")

	if err := child.Close(); err != nil {
		t.Fatalf("child Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValidLevel(t *testing.T) {
	for _, l := range ValidLevels() {
		if !IsValidLevel(l) {
			t.Errorf("IsValidLevel(%q) = false", l)
		}
	}
	if IsValidLevel("trace") {
		t.Error("IsValidLevel(trace) = true")
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 10 {
				logger.WithAgent("agent").Info("line", "g", n, "j", j)
			}
		}(i)
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(decodeLines(t, data)); got != 200 {
		t.Errorf("got %d lines, want 200", got)
	}
}
