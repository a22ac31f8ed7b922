// Package stream 通过 Server-Sent Events 推送一轮对话的阶段与增量回复。
package stream

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/apierror"
	chathandler "github.com/zhouzirui/clm-bridge/backend/internal/handler/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
	"github.com/zhouzirui/clm-bridge/backend/pkg/utils"
)

const outputBuffer = 256

var errOutputDropped = errors.New("stream output buffer full")

// SSE 事件名
const (
	EventStart   = "start"
	EventPhase   = "phase"
	EventDelta   = "delta"
	EventQueued  = "queued"
	EventMessage = "message"
	EventError   = "error"
	EventEnd     = "end"
)

// Handler manages streaming replies via Server-Sent Events
type Handler struct {
	registry *session.Registry
	logger   *zap.Logger
}

// New creates a new stream handler
func New(registry *session.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		logger:   logger.With(zap.String("component", "stream")),
	}
}

// RegisterRoutes 注册流式对话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

// StreamResponse represents one SSE payload
type StreamResponse struct {
	Event       string        `json:"event"`
	SessionID   string        `json:"sessionId,omitempty"`
	TurnID      string        `json:"turnId,omitempty"`
	Phase       chat.Phase    `json:"phase,omitempty"`
	Provider    chat.Provider `json:"provider,omitempty"`
	Content     string        `json:"content,omitempty"`
	EmotionHint string        `json:"emotionHint,omitempty"`
	LatencyMs   int64         `json:"latencyMs,omitempty"`
	Code        string        `json:"code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Finished    bool          `json:"finished,omitempty"`
}

type askResult struct {
	result orchestrator.Result
	err    error
}

// sseWriter 在客户端断开后停止写入，但调用方仍需把本轮跑完。
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	broken  bool
	logger  *zap.Logger
}

func (s *sseWriter) send(resp StreamResponse) {
	if s.broken {
		return
	}
	if err := utils.SendSSEEvent(s.w, s.flusher, resp.Event, resp); err != nil {
		s.broken = true
		s.logger.Debug("sse write failed", zap.Error(err))
	}
}

func (s *sseWriter) forward(o orchestrator.Output) {
	if resp, ok := forward(o); ok {
		s.send(resp)
	}
}

// handleStream 执行一轮对话并以 SSE 推送过程
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, apierror.CodeInternal, "streaming unsupported")
		return
	}

	req, emotions, err := chathandler.DecodeRequest(w, r)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	sess, release, err := chathandler.OpenSession(r.Context(), h.registry, req)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	defer release()

	outputs := make(chan orchestrator.Output, outputBuffer)
	detach := sess.Attach(orchestrator.SinkFunc(func(out orchestrator.Output) error {
		select {
		case outputs <- out:
			return nil
		default:
			return errOutputDropped
		}
	}))
	defer detach()

	sessionID := sess.ID()
	logger := h.logger.With(zap.String("session_id", sessionID))
	out := &sseWriter{w: w, flusher: flusher, logger: logger}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	out.send(StreamResponse{
		Event:     EventStart,
		SessionID: sessionID,
		Provider:  sess.Snapshot().ActiveProvider,
	})

	done := make(chan askResult, 1)
	go func() {
		result, err := sess.Ask(r.Context(), req.Message, emotions)
		done <- askResult{result: result, err: err}
	}()

	for {
		select {
		case o := <-outputs:
			out.forward(o)
		case res := <-done:
			// Ask 返回前本轮的输出已全部入队
			for drained := false; !drained; {
				select {
				case o := <-outputs:
					out.forward(o)
				default:
					drained = true
				}
			}
			h.finish(out, logger, sessionID, res)
			return
		}
	}
}

// forward 将编排器输出映射为 SSE 事件。回复与错误由 Ask 的结果统一发送。
func forward(o orchestrator.Output) (StreamResponse, bool) {
	resp := StreamResponse{SessionID: o.SessionID, TurnID: o.TurnID, Phase: o.Phase}
	switch o.Type {
	case orchestrator.OutputPhase:
		resp.Event = EventPhase
		resp.TurnID = ""
	case orchestrator.OutputChunk:
		resp.Event = EventDelta
		resp.Content = o.Text
	case orchestrator.OutputQueued:
		resp.Event = EventQueued
		resp.Content = o.Text
	default:
		return StreamResponse{}, false
	}
	return resp, true
}

func (h *Handler) finish(out *sseWriter, logger *zap.Logger, sessionID string, res askResult) {
	if res.err != nil {
		e, _ := apierror.FromError(res.err)
		logger.Warn("stream turn failed", zap.String("code", e.Code), zap.Error(res.err))
		out.send(StreamResponse{
			Event:     EventError,
			SessionID: sessionID,
			Provider:  res.result.Provider,
			Code:      e.Code,
			Error:     e.Message,
			Content:   res.result.Fallback,
		})
	} else {
		out.send(StreamResponse{
			Event:       EventMessage,
			SessionID:   sessionID,
			TurnID:      res.result.TurnID,
			Provider:    res.result.Provider,
			Content:     res.result.Text,
			EmotionHint: res.result.EmotionHint,
			LatencyMs:   res.result.Latency.Milliseconds(),
		})
	}
	out.send(StreamResponse{Event: EventEnd, SessionID: sessionID, Finished: true})
	logger.Debug("stream completed")
}
