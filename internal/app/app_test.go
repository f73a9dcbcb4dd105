package app

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/eldavier/Kiro-sub000/internal/command"
	"github.com/eldavier/Kiro-sub000/internal/config"
	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
	"github.com/eldavier/Kiro-sub000/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.DefaultProvider = "stub"
	cfg.Logging.Enabled = false
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.Mode = "sometimes"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "commands.mode", verrs[0].Field)
}

func TestStubPipelineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	st := a.Pipelines.RunPipeline(context.Background(), pipeline.Request{Goal: "add a health endpoint"})
	require.Equal(t, pipeline.StatusCompleted, st.Status, st.Error)
	assert.Equal(t, 3, st.Completed)

	for _, task := range st.Tasks {
		want := cfg.ModelFor("stub", string(task.Tier))
		assert.Equal(t, want, task.Model, "task %s", task.ID)
	}

	stats := a.Pool.Stats()
	assert.Zero(t, stats.ActiveSlots)
	assert.Positive(t, stats.TotalProcessed)
}

func TestAuditArchivesEvents(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	a.Pipelines.RunPipeline(context.Background(), pipeline.Request{Goal: "archive me"})
	want := a.Bus.Len()
	require.NoError(t, a.Close(context.Background()))

	db, err := sql.Open("sqlite", cfg.Audit.Path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activity_events`).Scan(&n))
	assert.Equal(t, want, n)
}

func TestCommandPolicyFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Commands.Mode = "deny"
	cfg.Commands.AgentPolicies = map[string]string{"builder": "auto"}

	var ran int
	a := newTestApp(t, cfg, WithExecutor(command.ExecutorFunc(func(context.Context, command.ExecRequest) command.ExecResult {
		ran++
		return command.ExecResult{}
	})))

	entry, err := a.Commands.Submit(context.Background(), command.Request{AgentID: "builder", Command: "make"})
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, entry.Status)
	entry, err = a.Commands.Submit(context.Background(), command.Request{AgentID: "other", Command: "make"})
	require.NoError(t, err)
	assert.Equal(t, command.StatusDenied, entry.Status)
	assert.Equal(t, 1, ran)
}

func TestApplyConfig(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	assert.Equal(t, command.ModePrompt, a.Commands.GlobalMode())

	next := testConfig(t)
	next.Commands.Mode = "auto"
	next.Commands.AgentPolicies = map[string]string{"ci": "deny"}
	require.NoError(t, a.ApplyConfig(next))
	assert.Equal(t, command.ModeAuto, a.Commands.GlobalMode())
	assert.Equal(t, command.ModeDeny, a.Commands.EffectivePolicy("ci"))

	bad := testConfig(t)
	bad.Commands.AgentPolicies = map[string]string{"ci": "never"}
	assert.ErrorIs(t, a.ApplyConfig(bad), errors.ErrInvalidPolicy)
	assert.Equal(t, command.ModeAuto, a.Commands.GlobalMode())
}

func TestWatchConfigReloadsPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commands:\n  mode: prompt\n"), 0o644))

	v := viper.New()
	config.SetDefaultsOn(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	cfg.Logging.Enabled = false
	cfg.Server.Metrics = false

	a := newTestApp(t, cfg)
	a.WatchConfig(v)

	require.NoError(t, os.WriteFile(path, []byte("commands:\n  mode: deny\n"), 0o644))
	assert.Eventually(t, func() bool { return a.Commands.GlobalMode() == command.ModeDeny },
		5*time.Second, 20*time.Millisecond)
}

func TestHandler(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h, err := a.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRouter(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg := config.Default()
	r := NewRouter(cfg, logging.NopLogger())
	assert.True(t, r.Has(provider.Stub))
	assert.False(t, r.Has(provider.Anthropic))
	assert.False(t, r.Has(provider.OpenAI))

	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	r = NewRouter(cfg, logging.NopLogger())
	assert.True(t, r.Has(provider.OpenAI))
	assert.True(t, r.Has(provider.Anthropic))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LoggingConfig{})
	require.NoError(t, err)
	assert.NotNil(t, l)

	dir := t.TempDir()
	l, err = NewLogger(config.LoggingConfig{Enabled: true, Level: "debug", Dir: dir, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())
	assert.FileExists(t, filepath.Join(dir, logging.LogFileName))
}
