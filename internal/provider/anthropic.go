package provider

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/eldavier/Kiro-sub000/internal/errors"
)

// BackendConfig configures an HTTP completion backend.
type BackendConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// HTTPClient is used for every request; nil means http.DefaultClient.
	HTTPClient *http.Client
}

// AnthropicBackend talks to the Anthropic Messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic backend. The API key defaults to
// ANTHROPIC_API_KEY.
func NewAnthropic(cfg BackendConfig) (*AnthropicBackend, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, errors.NewProviderError(string(Anthropic), nil).WithMessage("ANTHROPIC_API_KEY not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}, nil
}

// Complete implements Completer. System messages are folded into the
// request's system prompt.
func (b *AnthropicBackend) Complete(ctx context.Context, messages []Message, opts Options) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: int64(opts.MaxTokens),
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		perr := errors.NewProviderError(string(Anthropic), err).WithModel(opts.Model)
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			perr = perr.WithStatusCode(apiErr.StatusCode)
		}
		return Response{}, perr
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{
		Text:  text.String(),
		Model: string(resp.Model),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
