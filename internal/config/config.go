package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config represents the complete kiro configuration
type Config struct {
	Pool      PoolConfig            `mapstructure:"pool"`
	Activity  ActivityConfig        `mapstructure:"activity"`
	Pipeline  PipelineConfig        `mapstructure:"pipeline"`
	Models    map[string]TierModels `mapstructure:"models"`
	Providers ProvidersConfig       `mapstructure:"providers"`
	Commands  CommandsConfig        `mapstructure:"commands"`
	Server    ServerConfig          `mapstructure:"server"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Audit     AuditConfig           `mapstructure:"audit"`
}

// PoolConfig bounds the execution pool
type PoolConfig struct {
	// MaxConcurrency is the number of work items that may run at once ("unlimited" allowed)
	MaxConcurrency limit.Limit `mapstructure:"max_concurrency"`
	// MaxQueueSize is how many submissions may wait for a slot before new ones are rejected
	MaxQueueSize limit.Limit `mapstructure:"max_queue_size"`
}

// ActivityConfig controls the activity event log
type ActivityConfig struct {
	// MaxEvents is the retention bound of the in-memory log; oldest events are trimmed first
	MaxEvents limit.Limit `mapstructure:"max_events"`
	// SubscriberBuffer is the mailbox size of each live subscriber
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// PipelineConfig controls the goal -> analysis -> plan -> dispatch pipeline
type PipelineConfig struct {
	// DefaultProvider is used when a run does not name one
	// Options: "anthropic", "openai", "stub"
	DefaultProvider string `mapstructure:"default_provider"`
	// MaxParallelCoders is the batch size within a parallel group
	MaxParallelCoders limit.Limit `mapstructure:"max_parallel_coders"`
	AnalysisMaxTokens int         `mapstructure:"analysis_max_tokens"`
	PlanMaxTokens     int         `mapstructure:"plan_max_tokens"`
	CodeMaxTokens     int         `mapstructure:"code_max_tokens"`
	// Temperature is passed to every completion; negative leaves it to the provider
	Temperature float64 `mapstructure:"temperature"`
}

// TierModels names the concrete model used for each tier of one provider
type TierModels struct {
	Opus   string `mapstructure:"opus"`
	Sonnet string `mapstructure:"sonnet"`
}

// ProvidersConfig holds credentials and endpoints per completion backend
type ProvidersConfig struct {
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
}

// ProviderConfig configures one completion backend
type ProviderConfig struct {
	// APIKey falls back to the provider's conventional env var when empty
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CommandsConfig controls the command authorization engine
type CommandsConfig struct {
	// Mode is the global approval policy
	// Options: "auto", "prompt", "deny"
	Mode string `mapstructure:"mode"`
	// AgentPolicies maps agent ids to a mode overriding the global one
	AgentPolicies map[string]string `mapstructure:"agent_policies"`
	// Shell runs commands as `<shell> -c <command>`
	Shell          string        `mapstructure:"shell"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MaxHistory bounds the decided-command history
	MaxHistory limit.Limit `mapstructure:"max_history"`
	// MaxOutputBytes caps captured stdout and stderr each
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
	// DenyList rejects known destructive commands regardless of mode
	DenyList bool `mapstructure:"deny_list"`
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	Metrics      bool   `mapstructure:"metrics"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level to record
	// Options: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is where kiro.log is written; empty logs to stderr
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// AuditConfig controls the write-only activity archive
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path of the sqlite database; empty means {ConfigDir}/audit.db
	Path string `mapstructure:"path"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConcurrency: limit.Of(5),
			MaxQueueSize:   limit.Of(100),
		},
		Activity: ActivityConfig{
			MaxEvents:        limit.Of(1000),
			SubscriberBuffer: 256,
		},
		Pipeline: PipelineConfig{
			DefaultProvider:   "anthropic",
			MaxParallelCoders: limit.Of(3),
			AnalysisMaxTokens: 4096,
			PlanMaxTokens:     8192,
			CodeMaxTokens:     8192,
			Temperature:       0.2,
		},
		Models: map[string]TierModels{
			"anthropic": {Opus: "claude-opus-4-1", Sonnet: "claude-sonnet-4-5"},
			"openai":    {Opus: "gpt-4o", Sonnet: "gpt-4o-mini"},
			"stub":      {Opus: "stub-opus", Sonnet: "stub-sonnet"},
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{Timeout: 5 * time.Minute},
			OpenAI:    ProviderConfig{BaseURL: "https://api.openai.com", Timeout: 5 * time.Minute},
		},
		Commands: CommandsConfig{
			Mode:           "prompt",
			AgentPolicies:  map[string]string{},
			Shell:          "/bin/sh",
			DefaultTimeout: 2 * time.Minute,
			MaxHistory:     limit.Of(500),
			MaxOutputBytes: 1 << 20,
			DenyList:       true,
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:4317",
			Metrics:      true,
			MaxBodyBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	d := Default()

	v.SetDefault("pool.max_concurrency", d.Pool.MaxConcurrency.String())
	v.SetDefault("pool.max_queue_size", d.Pool.MaxQueueSize.String())

	v.SetDefault("activity.max_events", d.Activity.MaxEvents.String())
	v.SetDefault("activity.subscriber_buffer", d.Activity.SubscriberBuffer)

	v.SetDefault("pipeline.default_provider", d.Pipeline.DefaultProvider)
	v.SetDefault("pipeline.max_parallel_coders", d.Pipeline.MaxParallelCoders.String())
	v.SetDefault("pipeline.analysis_max_tokens", d.Pipeline.AnalysisMaxTokens)
	v.SetDefault("pipeline.plan_max_tokens", d.Pipeline.PlanMaxTokens)
	v.SetDefault("pipeline.code_max_tokens", d.Pipeline.CodeMaxTokens)
	v.SetDefault("pipeline.temperature", d.Pipeline.Temperature)

	for provider, m := range d.Models {
		v.SetDefault("models."+provider+".opus", m.Opus)
		v.SetDefault("models."+provider+".sonnet", m.Sonnet)
	}

	v.SetDefault("providers.anthropic.api_key", d.Providers.Anthropic.APIKey)
	v.SetDefault("providers.anthropic.base_url", d.Providers.Anthropic.BaseURL)
	v.SetDefault("providers.anthropic.timeout", d.Providers.Anthropic.Timeout.String())
	v.SetDefault("providers.openai.api_key", d.Providers.OpenAI.APIKey)
	v.SetDefault("providers.openai.base_url", d.Providers.OpenAI.BaseURL)
	v.SetDefault("providers.openai.timeout", d.Providers.OpenAI.Timeout.String())

	v.SetDefault("commands.mode", d.Commands.Mode)
	v.SetDefault("commands.agent_policies", d.Commands.AgentPolicies)
	v.SetDefault("commands.shell", d.Commands.Shell)
	v.SetDefault("commands.default_timeout", d.Commands.DefaultTimeout.String())
	v.SetDefault("commands.max_history", d.Commands.MaxHistory.String())
	v.SetDefault("commands.max_output_bytes", d.Commands.MaxOutputBytes)
	v.SetDefault("commands.deny_list", d.Commands.DenyList)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.metrics", d.Server.Metrics)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)

	v.SetDefault("logging.enabled", d.Logging.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)
}

var limitType = reflect.TypeOf(limit.Limit{})

// limitHook decodes integers, strings and nulls into limit.Limit.
func limitHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != limitType {
		return data, nil
	}
	if data == nil {
		return limit.None(), nil
	}
	if l, ok := data.(limit.Limit); ok {
		return l, nil
	}
	s, err := cast.ToStringE(data)
	if err != nil {
		return nil, err
	}
	return limit.Parse(s)
}

var stringMapType = reflect.TypeOf(map[string]string{})

// stringMapHook lets a map setting arrive as a JSON object string, which is
// how agent policies come in through KIRO_COMMANDS_AGENT_POLICIES.
func stringMapHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != stringMapType || from.Kind() != reflect.String {
		return data, nil
	}
	if data.(string) == "" {
		return map[string]string{}, nil
	}
	return cast.ToStringMapStringE(data)
}

// decodeHook is the hook chain used by Load.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		limitHook,
		stringMapHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// EnvPrefix namespaces environment overrides, e.g. KIRO_POOL_MAX_CONCURRENCY
// for pool.max_concurrency.
const EnvPrefix = "KIRO"

// BindEnv makes v consult KIRO_* environment variables for every known key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kiro")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiro"
	}
	return filepath.Join(home, ".config", "kiro")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// AuditPath returns the configured audit database path or its default
func (c *AuditConfig) AuditPath() string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(ConfigDir(), "audit.db")
}

// ModelFor returns the configured model for a provider and tier ("opus-tier" or "sonnet-tier")
func (c *Config) ModelFor(provider, tier string) string {
	m, ok := c.Models[provider]
	if !ok {
		return ""
	}
	if tier == "opus-tier" {
		return m.Opus
	}
	return m.Sonnet
}
