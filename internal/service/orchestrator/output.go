package orchestrator

import (
	"time"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
)

// OutputType 标识发往传输层的消息类型。
type OutputType string

const (
	OutputPhase    OutputType = "phase"
	OutputChunk    OutputType = "chunk"
	OutputResponse OutputType = "response"
	OutputQueued   OutputType = "queued"
	OutputError    OutputType = "error"
)

// Output 是编排器产生的一条输出。
type Output struct {
	Type      OutputType
	SessionID string
	TurnID    string
	Phase     chat.Phase
	Text      string
	// Code 仅在 OutputError 时设置。
	Code     string
	Fallback bool
	Err      error
}

// Sink 接收编排器输出。实现必须并发安全，且不能在 Send 中回调 Close。
type Sink interface {
	Send(Output) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Output) error

func (f SinkFunc) Send(out Output) error { return f(out) }

type discardSink struct{}

func (discardSink) Send(Output) error { return nil }

// Observer 接收阶段变更通知。调用发生在会话协程上，实现不能阻塞。
type Observer interface {
	PhaseChanged(snapshot chat.Session, from chat.Phase)
	SessionClosed(id string)
}

// Observers fans out to several observers.
type Observers []Observer

func (os Observers) PhaseChanged(snapshot chat.Session, from chat.Phase) {
	for _, o := range os {
		o.PhaseChanged(snapshot, from)
	}
}

func (os Observers) SessionClosed(id string) {
	for _, o := range os {
		o.SessionClosed(id)
	}
}

// Providers 按枚举选择后端适配器，由 *ai.Set 实现。
type Providers interface {
	Select(kind chat.Provider) (ai.Adapter, error)
}

// EmotionContext 整理情绪向量并生成提示，由 *emotion.Service 实现。
type EmotionContext interface {
	Resolve(text string, scores map[string]float64) map[string]float64
	Hint(scores map[string]float64) string
}

// Result 是一轮同步对话的结果。
type Result struct {
	TurnID      string
	Text        string
	Provider    chat.Provider
	EmotionHint string
	Emotions    map[string]float64
	Latency     time.Duration
	// Fallback 在后端失败且启用了兜底回复时设置。
	Fallback string
}
