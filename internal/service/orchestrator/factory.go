package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/metrics"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
)

// BusyPolicy decides what happens to a transcript that arrives mid-turn.
type BusyPolicy string

const (
	BusyReject BusyPolicy = config.BusyPolicyReject
	BusyQueue  BusyPolicy = config.BusyPolicyQueue
)

const defaultMailboxSize = 16

// Config 是所有会话共享的编排策略。
type Config struct {
	DefaultProvider  chat.Provider
	BusyPolicy       BusyPolicy
	Retry            ai.RetryPolicy
	Stream           bool
	AwaitPlaybackAck bool
	FallbackEnabled  bool
	FallbackMessage  string
	Options          ai.Options
	MailboxSize      int
}

// ConfigFrom 从应用配置构建编排策略。
func ConfigFrom(cfg *config.Config) (Config, error) {
	provider, err := chat.ParseProvider(cfg.LLM.DefaultProvider)
	if err != nil {
		return Config{}, err
	}
	return Config{
		DefaultProvider: provider,
		BusyPolicy:      BusyPolicy(cfg.Session.BusyPolicy),
		Retry: ai.RetryPolicy{
			Timeout:   cfg.LLM.Timeout,
			Retries:   cfg.LLM.TimeoutRetries,
			BaseDelay: 200 * time.Millisecond,
		},
		Stream:           cfg.LLM.Stream,
		AwaitPlaybackAck: cfg.Session.AwaitPlaybackAck,
		FallbackEnabled:  cfg.Session.FallbackEnabled,
		FallbackMessage:  cfg.Session.FallbackMessage,
		Options: ai.Options{
			MaxTokens:     cfg.LLM.MaxTokens,
			MaxSentences:  cfg.LLM.MaxSentences,
			VoiceFriendly: true,
		},
		MailboxSize: cfg.Session.MailboxSize,
	}, nil
}

// Deps 是会话共享的协作者。
type Deps struct {
	Providers Providers
	Emotions  EmotionContext
	Observer  Observer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	// Clock 默认为 time.Now。
	Clock func() time.Time
}

// Factory creates orchestrators that share one Config and one set of collaborators.
type Factory struct {
	cfg  Config
	deps Deps
}

// NewFactory 创建编排器工厂。
func NewFactory(cfg Config, deps Deps) *Factory {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.BusyPolicy != BusyQueue {
		cfg.BusyPolicy = BusyReject
	}
	if !cfg.DefaultProvider.Valid() {
		cfg.DefaultProvider = chat.ProviderClaude
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Factory{cfg: cfg, deps: deps}
}

// Config 返回工厂使用的策略。
func (f *Factory) Config() Config {
	return f.cfg
}

// New 创建一个未启动的编排器。
func (f *Factory) New(id string, sink Sink, opts ...Option) *Orchestrator {
	return newOrchestrator(id, sink, f.cfg, f.deps, opts...)
}
