package provider

import "context"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Task tags what a completion is for. Backends may use it for routing or
// canned responses; the stub backend keys its answers on it.
const (
	TaskAnalyse = "analyse"
	TaskPlan    = "plan"
	TaskCode    = "code"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Options parameterize a single completion.
type Options struct {
	Provider  Kind
	Model     string
	MaxTokens int
	// Temperature is left to the backend's default when nil.
	Temperature *float64
	Task        string
}

// Usage reports tokens consumed by one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is a completed model turn.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Completer produces a model response. Implementations must honour ctx and
// must not retry; retry policy belongs to callers.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts Options) (Response, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message, opts Options) (Response, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, messages []Message, opts Options) (Response, error) {
	return f(ctx, messages, opts)
}
