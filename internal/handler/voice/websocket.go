// Package voice 实现语音前端使用的 WebSocket 网关，兼容 Hume EVI 自定义语言模型协议。
package voice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/apierror"
	"github.com/zhouzirui/clm-bridge/backend/internal/metrics"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

const (
	readWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler WebSocket语音网关
type Handler struct {
	registry *session.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler 创建WebSocket网关
func NewHandler(registry *session.Registry, collector *metrics.Collector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "voice")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 CLM 入口，挂在根路由上。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/clm", h.handleWebSocket)
}

// RegisterAPIRoutes 注册带会话ID的入口，挂在 /api 下。
func (h *Handler) RegisterAPIRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

func requestedSessionID(r *http.Request) string {
	if id := chi.URLParam(r, "sessionID"); id != "" {
		return id
	}
	q := r.URL.Query()
	if id := q.Get("custom_session_id"); id != "" {
		return id
	}
	return q.Get("session_id")
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := requestedSessionID(r)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !session.ValidID(sessionID) {
		apierror.Respond(w, chat.NewProtocolError("invalid session id %q", sessionID))
		return
	}
	if _, err := h.registry.Lookup(sessionID); err == nil {
		apierror.Respond(w, chat.ErrSessionExists)
		return
	}

	var opts []orchestrator.Option
	if name := r.URL.Query().Get("provider"); name != "" {
		p, err := chat.ParseProvider(name)
		if err != nil {
			apierror.Respond(w, err)
			return
		}
		opts = append(opts, orchestrator.WithProvider(p))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	writer := newConnWriter(conn, sessionID)
	sess, err := h.registry.Create(sessionID, writer, opts...)
	if err != nil {
		e, _ := apierror.FromError(err)
		_ = writer.sendError(e.Code, e.Message)
		return
	}
	defer h.registry.Remove(sessionID)

	logger := h.logger.With(zap.String("session_id", sessionID))
	logger.Info("connection opened", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go h.pingLoop(ctx, writer)

	snap := sess.Snapshot()
	hello := newOutgoing(outSession, sessionID)
	hello.Phase = snap.Phase
	hello.Provider = snap.ActiveProvider
	if err := writer.write(hello); err != nil {
		return
	}

	// 会话被其他入口关闭时结束读循环
	go func() {
		select {
		case <-sess.Done():
			conn.Close()
		case <-ctx.Done():
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("read error", zap.Error(err))
			}
			logger.Info("connection closed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		ev, err := decodeEvent(raw, sess.ID())
		if err != nil {
			h.reportError(logger, writer, err)
			continue
		}
		if err := h.dispatch(ctx, sess, writer, ev); err != nil {
			if errors.Is(err, chat.ErrSessionClosed) {
				return
			}
			h.reportError(logger, writer, err)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *orchestrator.Orchestrator, writer *connWriter, ev event) error {
	switch ev.kind {
	case eventTranscript:
		if ev.text == "" {
			h.logger.Debug("empty transcript ignored", zap.String("session_id", sess.ID()))
			return nil
		}
		_, err := sess.SubmitTranscript(ctx, ev.text, ev.emotions)
		return err
	case eventListening:
		return sess.Listening(ctx)
	case eventPlayback:
		return sess.PlaybackStarted(ctx)
	case eventBargeIn:
		return sess.BargeIn(ctx)
	case eventReset:
		return sess.Reset(ctx)
	case eventSwitch:
		if err := sess.SwitchProvider(ctx, ev.provider); err != nil {
			return err
		}
		msg := newOutgoing(outSession, sess.ID())
		snap := sess.Snapshot()
		msg.Phase = snap.Phase
		msg.Provider = snap.ActiveProvider
		return writer.write(msg)
	case eventPing:
		return writer.write(newOutgoing(outPong, sess.ID()))
	}
	return nil
}

func (h *Handler) reportError(logger *zap.Logger, writer *connWriter, err error) {
	e, _ := apierror.FromError(err)
	if e.Code == apierror.CodeProtocol {
		h.metrics.RecordProtocolError()
	}
	logger.Debug("event rejected", zap.String("code", e.Code), zap.Error(err))
	if werr := writer.sendError(e.Code, e.Message); werr != nil {
		logger.Debug("send error failed", zap.Error(werr))
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, writer *connWriter) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.ping(); err != nil {
				return
			}
		}
	}
}
