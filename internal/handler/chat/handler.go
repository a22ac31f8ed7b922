// Package chat 提供同步对话与会话管理的 REST 接口。
package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/apierror"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
	"github.com/zhouzirui/clm-bridge/backend/pkg/utils"
)

// Handler 对话服务的HTTP处理器
type Handler struct {
	registry        *session.Registry
	providers       *ai.Set
	defaultProvider chat.Provider
	logger          *zap.Logger
}

// New 创建对话处理器
func New(registry *session.Registry, providers *ai.Set, defaultProvider chat.Provider, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:        registry,
		providers:       providers,
		defaultProvider: defaultProvider,
		logger:          logger.With(zap.String("component", "chat")),
	}
}

// RegisterRoutes 注册对话与会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	h.RegisterChatRoutes(r)
	h.RegisterSessionRoutes(r)
}

// RegisterChatRoutes 注册会调用模型的对话路由
func (h *Handler) RegisterChatRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

// RegisterSessionRoutes 注册状态查询与会话管理路由
func (h *Handler) RegisterSessionRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/status/{sessionID}", h.handleSessionStatus)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleCreateSession)
		r.Delete("/{sessionID}", h.handleDeleteSession)
		r.Get("/{sessionID}/history", h.handleHistory)
		r.Post("/{sessionID}/reset", h.handleReset)
		r.Post("/{sessionID}/provider/{provider}", h.handleSwitchProvider)
	})
}

// Response 是同步对话的返回体
type Response struct {
	Response         string             `json:"response"`
	SessionID        string             `json:"sessionId"`
	TurnID           string             `json:"turnId"`
	Provider         chat.Provider      `json:"provider"`
	LatencyMs        int64              `json:"latencyMs"`
	EmotionHint      string             `json:"emotionHint"`
	EmotionsDetected map[string]float64 `json:"emotionsDetected,omitempty"`
}

// handleChat 执行一轮同步对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, emotions, err := DecodeRequest(w, r)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	sess, release, err := OpenSession(r.Context(), h.registry, req)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	defer release()

	result, err := sess.Ask(r.Context(), req.Message, emotions)
	if err != nil {
		e, status := apierror.FromError(err)
		e.SessionID = sess.ID()
		e.Fallback = result.Fallback
		if e.Provider == "" && result.Provider != "" {
			e.Provider = string(result.Provider)
		}
		h.logger.Warn("chat turn failed",
			zap.String("session_id", sess.ID()),
			zap.String("code", e.Code),
			zap.Error(err),
		)
		utils.RespondJSON(w, status, e)
		return
	}

	utils.RespondJSON(w, http.StatusOK, Response{
		Response:         result.Text,
		SessionID:        sess.ID(),
		TurnID:           result.TurnID,
		Provider:         result.Provider,
		LatencyMs:        result.Latency.Milliseconds(),
		EmotionHint:      result.EmotionHint,
		EmotionsDetected: result.Emotions,
	})
}

// StatusResponse 是服务整体状态
type StatusResponse struct {
	Status          string          `json:"status"`
	DefaultProvider chat.Provider   `json:"defaultProvider"`
	Providers       []chat.Provider `json:"providers"`
	ActiveSessions  int             `json:"activeSessions"`
	Sessions        []chat.Status   `json:"sessions"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	statuses := make([]chat.Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	utils.RespondJSON(w, http.StatusOK, StatusResponse{
		Status:          "running",
		DefaultProvider: h.defaultProvider,
		Providers:       h.providers.Kinds(),
		ActiveSessions:  len(statuses),
		Sessions:        statuses,
	})
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap.Status())
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	statuses := make([]chat.Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	utils.RespondJSON(w, http.StatusOK, statuses)
}

// handleCreateSession 创建一个纯文本会话，不等待播放确认。
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Provider  string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		apierror.Respond(w, chat.NewProtocolError("invalid request body"))
		return
	}

	opts := []orchestrator.Option{orchestrator.WithAwaitPlaybackAck(false)}
	if payload.Provider != "" {
		p, err := chat.ParseProvider(payload.Provider)
		if err != nil {
			apierror.Respond(w, err)
			return
		}
		opts = append(opts, orchestrator.WithProvider(p))
	}

	sess, err := h.registry.Create(payload.SessionID, nil, opts...)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sess.Snapshot().Status())
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := h.registry.Lookup(id); err != nil {
		apierror.Respond(w, err)
		return
	}
	h.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	history, err := h.registry.ListHistory(id)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"history":   history,
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Lookup(chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	if err := sess.Reset(r.Context()); err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess.Snapshot().Status())
}

func (h *Handler) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Lookup(chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	p, err := chat.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	if err := sess.SwitchProvider(r.Context(), p); err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess.Snapshot().Status())
}
