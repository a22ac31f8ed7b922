package emotion

import (
	"maps"

	"go.uber.org/zap"

	analysis "github.com/zhouzirui/clm-bridge/backend/internal/analysis/emotion"
)

// Config 控制情绪上下文服务的行为。
type Config struct {
	Options analysis.Options
	// TextFallback 为 true 时，没有韵律得分的转写文本会通过关键词词典估计情绪。
	TextFallback bool
}

// Service 将语音前端提供的情绪得分整理为发给大模型的提示。
// 无内部可变状态，可被所有会话并发共享。
type Service struct {
	opts         analysis.Options
	textFallback bool
	logger       *zap.Logger
}

// NewService 创建情绪上下文服务。
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		opts:         cfg.Options,
		textFallback: cfg.TextFallback,
		logger:       logger.With(zap.String("component", "emotion")),
	}
}

// Resolve 返回本轮应记录的情绪向量。前端给出的得分优先；
// 否则在启用文本回退时根据转写估计。返回值总是独立副本。
func (s *Service) Resolve(text string, scores map[string]float64) map[string]float64 {
	if len(scores) > 0 {
		return maps.Clone(scores)
	}
	if s == nil || !s.textFallback {
		return nil
	}
	estimated := analysis.EstimateFromText(text)
	if len(estimated) > 0 {
		s.logger.Debug("emotion estimated from transcript", zap.Int("families", len(estimated)))
	}
	return estimated
}

// Hint 生成情绪提示。
func (s *Service) Hint(scores map[string]float64) string {
	if s == nil {
		return analysis.BuildHint(scores, analysis.DefaultOptions())
	}
	return analysis.BuildHint(scores, s.opts)
}

// Options 返回当前使用的提示参数。
func (s *Service) Options() analysis.Options {
	if s == nil {
		return analysis.DefaultOptions()
	}
	return s.opts
}
