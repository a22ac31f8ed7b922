package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
)

// Build creates an adapter for every provider with credentials. Providers without
// credentials are skipped; selecting them later yields KindNotConfigured.
func Build(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Set, error) {
	logger = logger.With(zap.String("component", "ai"))
	httpClient := NewHTTPClient()
	set := NewSet()

	if cfg.Claude.Enabled() {
		set.Register(NewClaudeAdapter(cfg.Claude, httpClient))
	} else {
		logger.Info("claude credentials missing, provider disabled")
	}

	if cfg.OpenAI.Enabled() {
		set.Register(NewOpenAIAdapter(cfg.OpenAI, httpClient))
	} else {
		logger.Info("openai credentials missing, provider disabled")
	}

	if cfg.Gemini.Enabled() {
		adapter, err := NewGeminiAdapter(ctx, cfg.Gemini, httpClient)
		if err != nil {
			return nil, err
		}
		set.Register(adapter)
	} else {
		logger.Info("gemini credentials missing, provider disabled")
	}

	if cfg.Ark.Enabled() {
		chatModel, err := cfg.Ark.NewChatModel(ctx, cfg.MaxTokens, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create ark chat model: %w", err)
		}
		adapter, err := NewArkAdapter(ctx, chatModel, cfg.Ark.Model)
		if err != nil {
			return nil, err
		}
		set.Register(adapter)
	} else {
		logger.Info("ark credentials missing, provider disabled")
	}

	for _, d := range set.Describe() {
		logger.Info("provider ready",
			zap.String("provider", string(d.Provider)),
			zap.String("model", d.Model),
			zap.Bool("streaming", d.Streaming),
		)
	}
	return set, nil
}
