package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"anthropic", Anthropic, false},
		{" OpenAI ", OpenAI, false},
		{"stub", Stub, false},
		{"cohere", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_UnknownProvider(t *testing.T) {
	r := NewRouter()
	r.Register(Stub, NewStub())

	_, err := r.Complete(context.Background(), []Message{User("hi")}, Options{Provider: OpenAI, Model: "gpt-4o"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProvider)

	var perr *errors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "openai", perr.Provider)
	assert.Equal(t, []Kind{Stub}, r.Available())
	assert.True(t, r.Has(Stub))
	assert.False(t, r.Has(Anthropic))
}

func TestRouter_Dispatches(t *testing.T) {
	r := NewRouter()
	var got Options
	r.Register(OpenAI, CompleterFunc(func(_ context.Context, _ []Message, opts Options) (Response, error) {
		got = opts
		return Response{Text: "ok"}, nil
	}))

	resp, err := r.Complete(context.Background(), nil, Options{Provider: OpenAI, Task: TaskPlan})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, TaskPlan, got.Task)
}

func TestStub_GeneratesParsableOutput(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	for _, task := range []string{TaskAnalyse, TaskPlan} {
		resp, err := s.Complete(ctx, []Message{System("sys"), User("Goal: add caching\nmore")}, Options{Task: task})
		require.NoError(t, err)
		assert.True(t, json.Valid([]byte(resp.Text)), "task %s produced %q", task, resp.Text)
		assert.Contains(t, resp.Text, "add caching")
		assert.Positive(t, resp.Usage.Total())
	}

	resp, err := s.Complete(ctx, []Message{User("Goal: x")}, Options{Task: TaskCode, Model: "stub-sonnet"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, `"status":"completed"`)
	assert.Equal(t, "stub-sonnet", resp.Model)
}

func TestStub_OverridesAndContext(t *testing.T) {
	s := &StubBackend{Responses: map[string]string{TaskAnalyse: "not json"}, Delay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Complete(ctx, nil, Options{Task: TaskAnalyse})
	assert.ErrorIs(t, err, context.Canceled)

	s.Delay = 0
	resp, err := s.Complete(context.Background(), nil, Options{Task: TaskAnalyse})
	require.NoError(t, err)
	assert.Equal(t, "not json", resp.Text)
}

func TestOpenAI_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		_, _ = io.WriteString(w, `{"model":"gpt-4o-2024","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(BackendConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	temp := 0.5
	resp, err := b.Complete(context.Background(), []Message{System("s"), User("u")},
		Options{Model: "gpt-4o", MaxTokens: 100, Temperature: &temp})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "gpt-4o-2024", resp.Model)
	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 3}, resp.Usage)
	assert.Equal(t, "gpt-4o", body["model"])
	assert.EqualValues(t, 100, body["max_tokens"])
	assert.EqualValues(t, 0.5, body["temperature"])
	assert.Len(t, body["messages"], 2)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(BackendConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), []Message{User("u")}, Options{Model: "m"})
	var perr *errors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.True(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(BackendConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, errors.ErrProvider)
}

func TestNewBackends_RequireKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewAnthropic(BackendConfig{})
	assert.ErrorIs(t, err, errors.ErrProvider)
	_, err = NewOpenAI(BackendConfig{})
	assert.ErrorIs(t, err, errors.ErrProvider)

	a, err := NewAnthropic(BackendConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestAnthropic_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-x",
			"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
			"stop_reason":"end_turn","usage":{"input_tokens":11,"output_tokens":4}}`)
	}))
	defer srv.Close()

	b, err := NewAnthropic(BackendConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := b.Complete(context.Background(), []Message{System("be terse"), User("hi")},
		Options{Model: "claude-x", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Text)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 4}, resp.Usage)
	assert.NotNil(t, body["system"])
	assert.Len(t, body["messages"], 1)
}
