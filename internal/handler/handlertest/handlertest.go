// Package handlertest 为传输层测试提供脚本化的后端和会话表。
package handlertest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	analysis "github.com/zhouzirui/clm-bridge/backend/internal/analysis/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

// FallbackText is the fallback reply configured by Config.
const FallbackText = "fallback reply"

// Adapter is a scripted ai.Adapter. A nil Reply echoes the last user turn.
type Adapter struct {
	Provider chat.Provider
	Reply    func(ctx context.Context, req ai.Request) (string, error)
}

func (a *Adapter) Kind() chat.Provider { return a.Provider }
func (a *Adapter) Model() string       { return "scripted-" + string(a.Provider) }

func (a *Adapter) Generate(ctx context.Context, req ai.Request) (string, error) {
	if a.Reply == nil {
		return Echo(ctx, req)
	}
	return a.Reply(ctx, req)
}

// StreamAdapter streams fixed chunks.
type StreamAdapter struct {
	Adapter
	Chunks []string
}

func (a *StreamAdapter) Stream(ctx context.Context, _ ai.Request) (<-chan ai.Chunk, error) {
	ch := make(chan ai.Chunk)
	go func() {
		defer close(ch)
		for _, c := range a.Chunks {
			select {
			case ch <- ai.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Echo replies with the last user transcript.
func Echo(_ context.Context, req ai.Request) (string, error) {
	return "echo: " + req.History[len(req.History)-1].Text, nil
}

// Block waits until the call is cancelled or times out.
func Block(ctx context.Context, _ ai.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// Config returns a fast orchestrator config with fallback enabled.
func Config() orchestrator.Config {
	return orchestrator.Config{
		DefaultProvider: chat.ProviderClaude,
		BusyPolicy:      orchestrator.BusyReject,
		Retry:           ai.RetryPolicy{Timeout: 200 * time.Millisecond},
		FallbackEnabled: true,
		FallbackMessage: FallbackText,
		Options:         ai.Options{MaxTokens: 64, MaxSentences: 2, VoiceFriendly: true},
		MailboxSize:     8,
	}
}

// NewRegistry builds a registry over the given adapters and closes it with the test.
func NewRegistry(t testing.TB, cfg orchestrator.Config, adapters ...ai.Adapter) (*session.Registry, *ai.Set) {
	t.Helper()
	set := ai.NewSet(adapters...)
	factory := orchestrator.NewFactory(cfg, orchestrator.Deps{
		Providers: set,
		Emotions:  emotion.NewService(emotion.Config{Options: analysis.DefaultOptions()}, zap.NewNop()),
		Logger:    zap.NewNop(),
	})
	reg := session.NewRegistry(factory, zap.NewNop())
	t.Cleanup(reg.CloseAll)
	return reg, set
}
