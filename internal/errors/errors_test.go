package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// SchemaParseError
// -----------------------------------------------------------------------------

func TestSchemaParseError(t *testing.T) {
	err := NewSchemaParseError("analysis", "no JSON object in output")

	if got, want := err.Error(), "schema parse error [phase=analysis]: no JSON object in output"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSchemaParse) {
		t.Error("errors.Is(err, ErrSchemaParse) = false, want true")
	}
	if errors.Is(err, ErrProvider) {
		t.Error("errors.Is(err, ErrProvider) = true, want false")
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
}

func TestSchemaParseError_WithExcerpt(t *testing.T) {
	raw := "  " + strings.Repeat("x", 500) + "  "
	err := NewSchemaParseError("plan", "bad").WithExcerpt(raw)

	if len(err.Excerpt) != maxExcerpt+3 {
		t.Errorf("len(Excerpt) = %d, want %d", len(err.Excerpt), maxExcerpt+3)
	}
	if !strings.HasSuffix(err.Excerpt, "...") {
		t.Errorf("Excerpt should end with ellipsis, got %q", err.Excerpt[len(err.Excerpt)-5:])
	}

	short := NewSchemaParseError("plan", "bad").WithExcerpt(" hello ")
	if short.Excerpt != "hello" {
		t.Errorf("Excerpt = %q, want %q", short.Excerpt, "hello")
	}
}

func TestSchemaParseError_WithCause(t *testing.T) {
	cause := fmt.Errorf("unexpected end of JSON input")
	err := NewSchemaParseError("code", "decode failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if !strings.HasSuffix(err.Error(), "decode failed: unexpected end of JSON input") {
		t.Errorf("Error() = %q", err.Error())
	}
}

// -----------------------------------------------------------------------------
// Dispatch errors
// -----------------------------------------------------------------------------

func TestDependencyUnmetError(t *testing.T) {
	missing := []string{"1", "3"}
	err := NewDependencyUnmetError("4", missing)
	missing[0] = "mutated"

	if got, want := err.Error(), "dependency error [task=4]: dependencies not completed: 1, 3"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Missing[0] != "1" {
		t.Errorf("Missing should be copied, got %v", err.Missing)
	}
	if !errors.Is(err, ErrDependencyUnmet) {
		t.Error("errors.Is(err, ErrDependencyUnmet) = false, want true")
	}
	var target *DependencyUnmetError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &target) {
		t.Fatal("errors.As failed through wrap")
	}
	if target.TaskID != "4" {
		t.Errorf("TaskID = %q, want %q", target.TaskID, "4")
	}
}

func TestModelBlockedError(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"with reason", "missing credentials", "model blocked [task=2]: coder reported blocked: missing credentials"},
		{"without reason", "", "model blocked [task=2]: coder reported blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelBlockedError("2", tt.reason)
			if got := err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(err, ErrModelBlocked) {
				t.Error("errors.Is(err, ErrModelBlocked) = false")
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewProviderError("openai", cause).WithModel("gpt-4o")

	if got, want := err.Error(), "provider error [provider=openai, model=gpt-4o]: completion failed: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrProvider) || !errors.Is(err, cause) {
		t.Error("ProviderError should match ErrProvider and its cause")
	}
}

func TestProviderError_StatusCodeRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := NewProviderError("anthropic", nil).WithStatusCode(tt.code)
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Semantic errors
// -----------------------------------------------------------------------------

func TestNotFoundError_MatchesSentinel(t *testing.T) {
	tests := []struct {
		resource string
		sentinel error
	}{
		{"session", ErrSessionNotFound},
		{"pipeline", ErrPipelineNotFound},
		{"command", ErrCommandNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			err := NewNotFoundError(tt.resource, "abc")
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
			if want := tt.resource + " 'abc' not found"; err.Error() != want {
				t.Errorf("Error() = %q, want %q", err.Error(), want)
			}
		})
	}

	if errors.Is(NewNotFoundError("session", "x"), ErrPipelineNotFound) {
		t.Error("session not-found should not match pipeline sentinel")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("pool.max_concurrency").WithValue(-1)

	if got, want := err.Error(), "validation error [field=pool.max_concurrency, value=-1]: must be positive"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("errors.Is(err, ErrInvalidInput) = false")
	}
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"queue full", ErrQueueFull, true},
		{"wrapped queue full", Wrap(ErrQueueFull, "submit"), true},
		{"schema parse", NewSchemaParseError("plan", "x"), false},
		{"plain", New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("IsUserFacing(nil) = true")
	}
	if !IsUserFacing(ErrNotPending) {
		t.Error("ErrNotPending should be user facing")
	}
	if IsUserFacing(New("internal")) {
		t.Error("plain errors should not be user facing")
	}
	if !IsUserFacing(NewValidationError("bad")) {
		t.Error("ValidationError should be user facing")
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", got)
	}
	if got := GetSeverity(New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", got)
	}
	if got := GetSeverity(NewModelBlockedError("1", "")); got != SeverityWarning {
		t.Errorf("GetSeverity(blocked) = %v, want warning", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	err := Wrapf(ErrQueueFull, "session %s", "a")
	if err.Error() != "session a: execution queue is full" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !Is(err, ErrQueueFull) {
		t.Error("wrapped error lost its sentinel")
	}
}
