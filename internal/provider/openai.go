package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/tidwall/gjson"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend. The API key defaults to
// OPENAI_API_KEY; the base URL to https://api.openai.com.
func NewOpenAI(cfg BackendConfig) (*OpenAIBackend, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, errors.NewProviderError(string(OpenAI), nil).WithMessage("OPENAI_API_KEY not set")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout > 0 && client.Timeout == 0 {
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}
	return &OpenAIBackend{baseURL: strings.TrimSuffix(base, "/"), apiKey: key, client: client}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Complete implements Completer.
func (b *OpenAIBackend) Complete(ctx context.Context, messages []Message, opts Options) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       opts.Model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return Response{}, errors.NewProviderError(string(OpenAI), err).WithModel(opts.Model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, errors.NewProviderError(string(OpenAI), err).WithModel(opts.Model)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return Response{}, errors.NewProviderError(string(OpenAI), err).WithModel(opts.Model)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.NewProviderError(string(OpenAI), err).WithModel(opts.Model).WithStatusCode(resp.StatusCode)
	}

	if resp.StatusCode/100 != 2 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Response{}, errors.NewProviderError(string(OpenAI), fmt.Errorf("%s", msg)).
			WithModel(opts.Model).
			WithStatusCode(resp.StatusCode)
	}

	if !gjson.ValidBytes(raw) {
		return Response{}, errors.NewProviderError(string(OpenAI), fmt.Errorf("response is not JSON")).WithModel(opts.Model)
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return Response{}, errors.NewProviderError(string(OpenAI), fmt.Errorf("response has no choices")).WithModel(opts.Model)
	}

	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		model = opts.Model
	}
	return Response{
		Text:  content.String(),
		Model: model,
		Usage: Usage{
			InputTokens:  int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
		},
	}, nil
}
