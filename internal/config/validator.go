package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_concurrency")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidProviders returns the completion backends kiro can talk to
func ValidProviders() []string {
	return []string{"anthropic", "openai", "stub"}
}

// ValidApprovalModes returns the command approval policies
func ValidApprovalModes() []string {
	return []string{"auto", "prompt", "deny"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validatePool()...)
	errs = append(errs, c.validateActivity()...)
	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateCommands()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validatePool() []ValidationError {
	var errs []ValidationError
	if n, ok := c.Pool.MaxConcurrency.Value(); ok && n < 1 {
		errs = append(errs, ValidationError{
			Field:   "pool.max_concurrency",
			Value:   n,
			Message: "must be at least 1 or \"unlimited\"",
		})
	}
	return errs
}

func (c *Config) validateActivity() []ValidationError {
	var errs []ValidationError
	if n, ok := c.Activity.MaxEvents.Value(); ok && n < 1 {
		errs = append(errs, ValidationError{
			Field:   "activity.max_events",
			Value:   n,
			Message: "must be at least 1 or \"unlimited\"",
		})
	}
	if c.Activity.SubscriberBuffer < 1 {
		errs = append(errs, ValidationError{
			Field:   "activity.subscriber_buffer",
			Value:   c.Activity.SubscriberBuffer,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validatePipeline() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidProviders(), c.Pipeline.DefaultProvider) {
		errs = append(errs, ValidationError{
			Field:   "pipeline.default_provider",
			Value:   c.Pipeline.DefaultProvider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}
	if n, ok := c.Pipeline.MaxParallelCoders.Value(); ok && n < 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.max_parallel_coders",
			Value:   n,
			Message: "must be at least 1 or \"unlimited\"",
		})
	}
	tokens := map[string]int{
		"pipeline.analysis_max_tokens": c.Pipeline.AnalysisMaxTokens,
		"pipeline.plan_max_tokens":     c.Pipeline.PlanMaxTokens,
		"pipeline.code_max_tokens":     c.Pipeline.CodeMaxTokens,
	}
	for _, field := range []string{"pipeline.analysis_max_tokens", "pipeline.plan_max_tokens", "pipeline.code_max_tokens"} {
		if tokens[field] <= 0 {
			errs = append(errs, ValidationError{Field: field, Value: tokens[field], Message: "must be positive"})
		}
	}
	if c.Pipeline.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.temperature",
			Value:   c.Pipeline.Temperature,
			Message: "must not exceed 2",
		})
	}
	return errs
}

func (c *Config) validateModels() []ValidationError {
	var errs []ValidationError
	for provider, m := range c.Models {
		if !slices.Contains(ValidProviders(), provider) {
			errs = append(errs, ValidationError{
				Field:   "models." + provider,
				Value:   provider,
				Message: "unknown provider",
			})
			continue
		}
		if m.Opus == "" || m.Sonnet == "" {
			errs = append(errs, ValidationError{
				Field:   "models." + provider,
				Value:   fmt.Sprintf("opus=%q sonnet=%q", m.Opus, m.Sonnet),
				Message: "both opus and sonnet models must be set",
			})
		}
	}
	return errs
}

func (c *Config) validateCommands() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidApprovalModes(), c.Commands.Mode) {
		errs = append(errs, ValidationError{
			Field:   "commands.mode",
			Value:   c.Commands.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidApprovalModes(), ", ")),
		})
	}
	agents := make([]string, 0, len(c.Commands.AgentPolicies))
	for agent := range c.Commands.AgentPolicies {
		agents = append(agents, agent)
	}
	slices.Sort(agents)
	for _, agent := range agents {
		if mode := c.Commands.AgentPolicies[agent]; !slices.Contains(ValidApprovalModes(), mode) {
			errs = append(errs, ValidationError{
				Field:   "commands.agent_policies." + agent,
				Value:   mode,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidApprovalModes(), ", ")),
			})
		}
	}
	if strings.TrimSpace(c.Commands.Shell) == "" {
		errs = append(errs, ValidationError{Field: "commands.shell", Value: c.Commands.Shell, Message: "must not be empty"})
	}
	if c.Commands.DefaultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "commands.default_timeout",
			Value:   c.Commands.DefaultTimeout,
			Message: "must be positive",
		})
	}
	if c.Commands.MaxOutputBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "commands.max_output_bytes",
			Value:   c.Commands.MaxOutputBytes,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Value:   c.Server.MaxBodyBytes,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	} else if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}
