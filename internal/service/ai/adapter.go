package ai

import (
	"context"
	"fmt"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// Options carries the voice constraints rendered into the system prompt.
type Options struct {
	MaxTokens     int
	MaxSentences  int
	VoiceFriendly bool
}

// Request is the provider-agnostic input for one turn.
type Request struct {
	History     []chat.Turn
	EmotionHint string
	Options     Options
}

// SystemPrompt renders the system instructions for this request.
func (r Request) SystemPrompt() string {
	return BuildSystemPrompt(r.EmotionHint, r.Options)
}

// Chunk is one piece of a streamed reply. A chunk with Err set is always the last one.
type Chunk struct {
	Text string
	Err  error
}

// Adapter turns a conversation into a reply using one LLM backend.
// Implementations must be safe for concurrent use and must not retain the request.
type Adapter interface {
	Kind() chat.Provider
	Model() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Streamer is implemented by adapters that can stream partial replies.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Descriptor summarises a configured adapter.
type Descriptor struct {
	Provider  chat.Provider `json:"provider"`
	Model     string        `json:"model"`
	Streaming bool          `json:"streaming"`
}

// Set holds the configured adapter for each provider variant.
type Set struct {
	adapters map[chat.Provider]Adapter
}

// NewSet returns a Set containing the given adapters.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[chat.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register adds or replaces the adapter for a.Kind().
func (s *Set) Register(a Adapter) {
	s.adapters[a.Kind()] = a
}

// Select returns the adapter for kind.
func (s *Set) Select(kind chat.Provider) (Adapter, error) {
	switch kind {
	case chat.ProviderClaude, chat.ProviderOpenAI, chat.ProviderArk, chat.ProviderGemini:
	default:
		return nil, fmt.Errorf("%w: %q", chat.ErrUnknownProvider, kind)
	}

	a, ok := s.adapters[kind]
	if !ok {
		return nil, &Error{Kind: KindNotConfigured, Provider: kind, Err: fmt.Errorf("no credentials configured for %s", kind)}
	}
	return a, nil
}

// Has reports whether kind is configured.
func (s *Set) Has(kind chat.Provider) bool {
	_, ok := s.adapters[kind]
	return ok
}

// Kinds lists configured providers in a stable order.
func (s *Set) Kinds() []chat.Provider {
	var kinds []chat.Provider
	for _, kind := range chat.Providers() {
		if s.Has(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Describe lists configured adapters in a stable order.
func (s *Set) Describe() []Descriptor {
	var out []Descriptor
	for _, kind := range s.Kinds() {
		a := s.adapters[kind]
		_, streaming := a.(Streamer)
		out = append(out, Descriptor{Provider: kind, Model: a.Model(), Streaming: streaming})
	}
	return out
}
