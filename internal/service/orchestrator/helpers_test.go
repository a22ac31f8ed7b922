package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	analysis "github.com/zhouzirui/clm-bridge/backend/internal/analysis/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/emotion"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeAdapter struct {
	kind     chat.Provider
	generate func(ctx context.Context, req ai.Request) (string, error)

	mu       sync.Mutex
	requests []ai.Request
}

func (f *fakeAdapter) Kind() chat.Provider { return f.kind }
func (f *fakeAdapter) Model() string       { return "fake-" + string(f.kind) }

func (f *fakeAdapter) Generate(ctx context.Context, req ai.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.generate(ctx, req)
}

func (f *fakeAdapter) Requests() []ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.Request(nil), f.requests...)
}

func replyWith(text string) func(context.Context, ai.Request) (string, error) {
	return func(context.Context, ai.Request) (string, error) { return text, nil }
}

func blockUntilCancelled(ctx context.Context, _ ai.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type streamingAdapter struct {
	fakeAdapter
	chunks []string
}

func (s *streamingAdapter) Stream(ctx context.Context, req ai.Request) (<-chan ai.Chunk, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	ch := make(chan ai.Chunk)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			select {
			case ch <- ai.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type recorder struct {
	mu      sync.Mutex
	outputs []Output
}

func (r *recorder) Send(out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, out)
	return nil
}

func (r *recorder) all() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.outputs...)
}

func (r *recorder) phases() []chat.Phase {
	var out []chat.Phase
	for _, o := range r.all() {
		if o.Type == OutputPhase {
			out = append(out, o.Phase)
		}
	}
	return out
}

func (r *recorder) ofType(t OutputType) []Output {
	var out []Output
	for _, o := range r.all() {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

type phaseLog struct {
	mu     sync.Mutex
	phases []chat.Phase
	closed []string
}

func (p *phaseLog) PhaseChanged(snapshot chat.Session, _ chat.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, snapshot.Phase)
}

func (p *phaseLog) SessionClosed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
}

func (p *phaseLog) snapshot() ([]chat.Phase, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Phase(nil), p.phases...), append([]string(nil), p.closed...)
}

func testConfig() Config {
	return Config{
		DefaultProvider: chat.ProviderClaude,
		BusyPolicy:      BusyReject,
		Retry:           ai.RetryPolicy{Timeout: time.Second},
		FallbackEnabled: true,
		FallbackMessage: config.DefaultFallbackMessage,
		Options:         ai.Options{MaxTokens: 300, MaxSentences: 3, VoiceFriendly: true},
		MailboxSize:     8,
	}
}

func testDeps(adapters ...ai.Adapter) Deps {
	return Deps{
		Providers: ai.NewSet(adapters...),
		Emotions:  emotion.NewService(emotion.Config{Options: analysis.DefaultOptions()}, zap.NewNop()),
		Logger:    zap.NewNop(),
	}
}

func startSession(t *testing.T, cfg Config, deps Deps, opts ...Option) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{}
	o := NewFactory(cfg, deps).New("session-1", rec, opts...)
	o.Start()
	t.Cleanup(o.Close)
	return o, rec
}
