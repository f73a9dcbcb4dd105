// Package errors holds the error taxonomy shared by the execution core.
//
// Two kinds of errors live here. Sentinels (ErrQueueFull, ErrNotPending, ...)
// identify a condition and are matched with errors.Is. Typed errors
// (SchemaParseError, DependencyUnmetError, ModelBlockedError, ProviderError,
// NotFoundError, ValidationError) carry context about where the condition
// arose and still match their sentinel through Is.
//
// Each typed error also carries a classification used by callers that need to
// decide how to surface a failure:
//   - Retryable: the same call may succeed later (provider 5xx, queue full)
//   - UserFacing: the message is safe to show to an operator
//   - Severity: Debug, Info, Warning, Error, Critical
//
// Usage:
//
//	err := errors.NewSchemaParseError("plan", "no JSON object found").WithExcerpt(out)
//	if errors.Is(err, errors.ErrSchemaParse) { ... }
//
//	var pe *errors.ProviderError
//	if errors.As(err, &pe) && pe.StatusCode == 429 { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Execution pool
var (
	// ErrQueueFull is returned synchronously when every slot is busy and the
	// wait queue is at capacity. Nothing is enqueued.
	ErrQueueFull = New("execution queue is full")
	// ErrPoolClosed is delivered to queued work dropped by Purge.
	ErrPoolClosed = New("execution pool closed")
)

// Pipeline and dispatch
var (
	// ErrSchemaParse indicates model output could not be read as the expected JSON shape.
	ErrSchemaParse = New("structured output could not be parsed")
	// ErrDependencyUnmet indicates a task was reached before all of its dependencies completed.
	ErrDependencyUnmet = New("task dependencies not met")
	// ErrModelBlocked indicates the coder reported it could not make progress.
	ErrModelBlocked = New("model reported blocked")
	// ErrProvider indicates the completion backend failed.
	ErrProvider = New("completion provider failed")
	// ErrPipelineNotFound indicates no pipeline exists with the given id.
	ErrPipelineNotFound = New("pipeline not found")
)

// Commands
var (
	// ErrCommandNotFound indicates no pending or historical command has the given id.
	ErrCommandNotFound = New("command not found")
	// ErrNotPending indicates a decision was attempted on a command that already left the pending queue.
	ErrNotPending = New("command is not pending")
	// ErrInvalidPolicy indicates an unknown approval mode.
	ErrInvalidPolicy = New("invalid approval policy")
)

// General
var (
	ErrSessionNotFound = New("session not found")
	ErrInvalidInput    = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// KiroError is implemented by every typed error in this package.
type KiroError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "kind [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// SchemaParseError reports model output that did not contain the expected
// JSON object. Phase names the pipeline step (analysis, plan, code).
//
// Example:
//
//	err := errors.NewSchemaParseError("analysis", "no JSON object in output")
//	fmt.Println(err) // "schema parse error [phase=analysis]: no JSON object in output"
type SchemaParseError struct {
	baseError
	Phase   string
	Excerpt string
}

// maxExcerpt bounds how much raw model output is kept on a parse error.
const maxExcerpt = 200

// NewSchemaParseError creates a SchemaParseError for the given phase.
func NewSchemaParseError(phase, reason string) *SchemaParseError {
	return &SchemaParseError{
		baseError: baseError{
			message:    reason,
			severity:   SeverityError,
			userFacing: true,
		},
		Phase: phase,
	}
}

// WithExcerpt keeps a bounded prefix of the raw output for diagnostics.
func (e *SchemaParseError) WithExcerpt(raw string) *SchemaParseError {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxExcerpt {
		raw = raw[:maxExcerpt] + "..."
	}
	e.Excerpt = raw
	return e
}

// WithCause records the decoder error.
func (e *SchemaParseError) WithCause(cause error) *SchemaParseError {
	e.cause = cause
	return e
}

func (e *SchemaParseError) Error() string {
	var parts []string
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	return e.format("schema parse error", parts)
}

func (e *SchemaParseError) Is(target error) bool {
	if _, ok := target.(*SchemaParseError); ok {
		return true
	}
	if target == ErrSchemaParse {
		return true
	}
	return e.baseError.Is(target)
}

// DependencyUnmetError reports a task whose dependencies were not all
// completed when its group was reached.
type DependencyUnmetError struct {
	baseError
	TaskID  string
	Missing []string
}

// NewDependencyUnmetError creates a DependencyUnmetError.
func NewDependencyUnmetError(taskID string, missing []string) *DependencyUnmetError {
	return &DependencyUnmetError{
		baseError: baseError{
			message:    "dependencies not completed: " + strings.Join(missing, ", "),
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID:  taskID,
		Missing: append([]string(nil), missing...),
	}
}

func (e *DependencyUnmetError) Error() string {
	return e.format("dependency error", []string{"task=" + e.TaskID})
}

func (e *DependencyUnmetError) Is(target error) bool {
	if _, ok := target.(*DependencyUnmetError); ok {
		return true
	}
	return target == ErrDependencyUnmet || e.baseError.Is(target)
}

// ModelBlockedError reports a coder that answered with status "blocked".
type ModelBlockedError struct {
	baseError
	TaskID string
	Reason string
}

// NewModelBlockedError creates a ModelBlockedError.
func NewModelBlockedError(taskID, reason string) *ModelBlockedError {
	msg := "coder reported blocked"
	if reason != "" {
		msg += ": " + reason
	}
	return &ModelBlockedError{
		baseError: baseError{
			message:    msg,
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID: taskID,
		Reason: reason,
	}
}

func (e *ModelBlockedError) Error() string {
	return e.format("model blocked", []string{"task=" + e.TaskID})
}

func (e *ModelBlockedError) Is(target error) bool {
	if _, ok := target.(*ModelBlockedError); ok {
		return true
	}
	return target == ErrModelBlocked || e.baseError.Is(target)
}

// ProviderError wraps a failure returned by a completion backend.
//
// Example:
//
//	err := errors.NewProviderError("openai", cause).WithModel("gpt-4o").WithStatusCode(503)
type ProviderError struct {
	baseError
	Provider   string
	Model      string
	StatusCode int
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider string, cause error) *ProviderError {
	return &ProviderError{
		baseError: baseError{
			message:    "completion failed",
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Provider: provider,
	}
}

// WithModel adds the requested model to the error context.
func (e *ProviderError) WithModel(model string) *ProviderError {
	e.Model = model
	return e
}

// WithStatusCode records the HTTP status. 429 and 5xx are retryable.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	e.retryable = code == 429 || code >= 500
	return e
}

// WithMessage replaces the default message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.message = msg
	return e
}

func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, "provider="+e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return e.format("provider error", parts)
}

func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	return target == ErrProvider || e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found. It matches the
// resource's sentinel when one is known.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

func (e *NotFoundError) Error() string { return e.message }

func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	switch e.ResourceType {
	case "session":
		return target == ErrSessionNotFound
	case "pipeline":
		return target == ErrPipelineNotFound
	case "command":
		return target == ErrCommandNotFound
	}
	return false
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the rejected value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput || e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is transient. Queue-full rejections are
// retryable; everything without a classification is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ke KiroError
	if As(err, &ke) {
		return ke.IsRetryable()
	}
	return Is(err, ErrQueueFull)
}

// IsUserFacing reports whether err's message is safe to show to an operator.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ke KiroError
	if As(err, &ke) {
		return ke.IsUserFacing()
	}
	return Is(err, ErrQueueFull) || Is(err, ErrNotPending) || Is(err, ErrInvalidPolicy)
}

// GetSeverity returns the severity of err, SeverityError when unclassified.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var ke KiroError
	if As(err, &ke) {
		return ke.Severity()
	}
	return SeverityError
}

// Wrap wraps err with a context message, preserving the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
