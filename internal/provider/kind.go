// Package provider defines the completion boundary of the execution core and
// the backends that implement it.
//
// A Kind is resolved once when a session is created and travels with every
// completion request; backends never guess a provider from a model name.
package provider

import (
	"fmt"
	"strings"
)

// Kind identifies a completion backend. The set is closed.
type Kind string

const (
	Anthropic Kind = "anthropic"
	OpenAI    Kind = "openai"
	Stub      Kind = "stub"
)

// Kinds returns every supported provider.
func Kinds() []Kind {
	return []Kind{Anthropic, OpenAI, Stub}
}

// IsValid reports whether k is one of Kinds.
func (k Kind) IsValid() bool {
	switch k {
	case Anthropic, OpenAI, Stub:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind resolves a provider name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return k, nil
}
