package config

import (
	"testing"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// newViper returns a viper with defaults registered, reading yaml from an
// in-memory filesystem when content is non-empty.
func newViper(t *testing.T, content string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaultsOn(v)
	if content == "" {
		return v
	}
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/kiro/config.yaml", []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	v.SetFs(fs)
	v.SetConfigFile("/etc/kiro/config.yaml")
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}
	return v
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pool.MaxConcurrency != limit.Of(5) {
		t.Errorf("Pool.MaxConcurrency = %v, want 5", cfg.Pool.MaxConcurrency)
	}
	if cfg.Pool.MaxQueueSize != limit.Of(100) {
		t.Errorf("Pool.MaxQueueSize = %v, want 100", cfg.Pool.MaxQueueSize)
	}
	if cfg.Activity.MaxEvents != limit.Of(1000) {
		t.Errorf("Activity.MaxEvents = %v, want 1000", cfg.Activity.MaxEvents)
	}
	if cfg.Pipeline.MaxParallelCoders != limit.Of(3) {
		t.Errorf("Pipeline.MaxParallelCoders = %v, want 3", cfg.Pipeline.MaxParallelCoders)
	}
	if cfg.Commands.Mode != "prompt" {
		t.Errorf("Commands.Mode = %q, want %q", cfg.Commands.Mode, "prompt")
	}
	if cfg.Commands.DefaultTimeout != 2*time.Minute {
		t.Errorf("Commands.DefaultTimeout = %v, want 2m", cfg.Commands.DefaultTimeout)
	}
	if !cfg.Commands.DenyList {
		t.Error("Commands.DenyList should be true by default")
	}
	if cfg.Audit.Enabled {
		t.Error("Audit.Enabled should be false by default")
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate, got %v", ValidationErrors(errs))
	}
}

func TestLoadFrom_DefaultsOnly(t *testing.T) {
	cfg, err := LoadFrom(newViper(t, ""))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Pool.MaxConcurrency != limit.Of(5) {
		t.Errorf("Pool.MaxConcurrency = %v, want 5", cfg.Pool.MaxConcurrency)
	}
	if cfg.Providers.OpenAI.Timeout != 5*time.Minute {
		t.Errorf("Providers.OpenAI.Timeout = %v, want 5m", cfg.Providers.OpenAI.Timeout)
	}
	if got := cfg.ModelFor("anthropic", "opus-tier"); got != "claude-opus-4-1" {
		t.Errorf("ModelFor(anthropic, opus-tier) = %q", got)
	}
	if got := cfg.ModelFor("openai", "sonnet-tier"); got != "gpt-4o-mini" {
		t.Errorf("ModelFor(openai, sonnet-tier) = %q", got)
	}
	if got := cfg.ModelFor("nope", "opus-tier"); got != "" {
		t.Errorf("ModelFor(unknown) = %q, want empty", got)
	}
}

func TestLoadFrom_File(t *testing.T) {
	v := newViper(t, `
pool:
  max_concurrency: 2
  max_queue_size: unlimited
activity:
  max_events: 50
pipeline:
  default_provider: stub
  max_parallel_coders: unlimited
commands:
  mode: deny
  default_timeout: 30s
  agent_policies:
    coder-1: auto
models:
  stub:
    opus: big
    sonnet: small
`)
	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Pool.MaxConcurrency != limit.Of(2) {
		t.Errorf("Pool.MaxConcurrency = %v, want 2", cfg.Pool.MaxConcurrency)
	}
	if !cfg.Pool.MaxQueueSize.IsUnlimited() {
		t.Errorf("Pool.MaxQueueSize = %v, want unlimited", cfg.Pool.MaxQueueSize)
	}
	if cfg.Activity.MaxEvents != limit.Of(50) {
		t.Errorf("Activity.MaxEvents = %v, want 50", cfg.Activity.MaxEvents)
	}
	if !cfg.Pipeline.MaxParallelCoders.IsUnlimited() {
		t.Errorf("Pipeline.MaxParallelCoders = %v, want unlimited", cfg.Pipeline.MaxParallelCoders)
	}
	if cfg.Commands.Mode != "deny" {
		t.Errorf("Commands.Mode = %q, want deny", cfg.Commands.Mode)
	}
	if cfg.Commands.DefaultTimeout != 30*time.Second {
		t.Errorf("Commands.DefaultTimeout = %v, want 30s", cfg.Commands.DefaultTimeout)
	}
	if cfg.Commands.AgentPolicies["coder-1"] != "auto" {
		t.Errorf("AgentPolicies = %v", cfg.Commands.AgentPolicies)
	}
	if got := cfg.ModelFor("stub", "opus-tier"); got != "big" {
		t.Errorf("ModelFor(stub, opus-tier) = %q, want big", got)
	}
	if got := cfg.ModelFor("anthropic", "sonnet-tier"); got != "claude-sonnet-4-5" {
		t.Errorf("untouched provider lost its default model: %q", got)
	}
}

func TestLoadFrom_Env(t *testing.T) {
	t.Setenv("KIRO_POOL_MAX_CONCURRENCY", "unlimited")
	t.Setenv("KIRO_COMMANDS_MODE", "auto")
	t.Setenv("KIRO_COMMANDS_AGENT_POLICIES", `{"planner-x":"deny"}`)

	v := newViper(t, "")
	BindEnv(v)

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if !cfg.Pool.MaxConcurrency.IsUnlimited() {
		t.Errorf("Pool.MaxConcurrency = %v, want unlimited", cfg.Pool.MaxConcurrency)
	}
	if cfg.Commands.Mode != "auto" {
		t.Errorf("Commands.Mode = %q, want auto", cfg.Commands.Mode)
	}
	if cfg.Commands.AgentPolicies["planner-x"] != "deny" {
		t.Errorf("AgentPolicies = %v", cfg.Commands.AgentPolicies)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	v := newViper(t, `
pool:
  max_concurrency: 0
commands:
  mode: sometimes
`)
	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("expected validation error")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{"pool.max_concurrency", "commands.mode"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s in %v", want, verrs)
		}
	}
}

func TestLoadFrom_BadLimit(t *testing.T) {
	v := newViper(t, "pool:\n  max_queue_size: lots\n")
	if _, err := LoadFrom(v); err == nil {
		t.Fatal("expected decode error for non-numeric limit")
	}
}

func TestAuditPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	a := AuditConfig{}
	if got := a.AuditPath(); got != "/xdg/kiro/audit.db" {
		t.Errorf("AuditPath() = %q", got)
	}
	a.Path = "/tmp/a.db"
	if got := a.AuditPath(); got != "/tmp/a.db" {
		t.Errorf("AuditPath() = %q", got)
	}
}
