// Package providertest provides a testify mock of provider.Completer.
package providertest

import (
	"context"

	"github.com/eldavier/Kiro-sub000/internal/provider"
	"github.com/stretchr/testify/mock"
)

// MockCompleter is a mock.Mock backed provider.Completer.
type MockCompleter struct {
	mock.Mock
}

// NewMockCompleter creates a MockCompleter whose expectations are asserted
// when the test ends.
func NewMockCompleter(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockCompleter {
	m := &MockCompleter{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Complete implements provider.Completer.
func (m *MockCompleter) Complete(ctx context.Context, messages []provider.Message, opts provider.Options) (provider.Response, error) {
	args := m.Called(ctx, messages, opts)
	var resp provider.Response
	switch v := args.Get(0).(type) {
	case provider.Response:
		resp = v
	case func(context.Context, []provider.Message, provider.Options) provider.Response:
		resp = v(ctx, messages, opts)
	}
	return resp, args.Error(1)
}

// ForTask matches Options whose Task equals task.
func ForTask(task string) any {
	return mock.MatchedBy(func(o provider.Options) bool { return o.Task == task })
}

// Text builds a Response carrying text and a fixed usage.
func Text(text string) provider.Response {
	return provider.Response{Text: text, Model: "mock", Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}}
}
