package chat

import (
	"fmt"
	"strings"
)

// Provider tags one LLM backend variant.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderArk    Provider = "ark"
	ProviderGemini Provider = "gemini"
)

// Providers lists every known variant in a stable order.
func Providers() []Provider {
	return []Provider{ProviderClaude, ProviderOpenAI, ProviderArk, ProviderGemini}
}

// ParseProvider resolves a provider name, accepting a few common aliases.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude", "anthropic":
		return ProviderClaude, nil
	case "openai", "chatgpt", "gpt":
		return ProviderOpenAI, nil
	case "ark", "doubao", "volcengine":
		return ProviderArk, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// Valid reports whether p is one of the known variants.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaude, ProviderOpenAI, ProviderArk, ProviderGemini:
		return true
	default:
		return false
	}
}
