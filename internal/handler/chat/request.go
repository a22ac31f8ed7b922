package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

const maxBodyBytes = 1 << 20

// Request 是同步与流式对话共用的请求体
type Request struct {
	Message   string              `json:"message"`
	Emotions  []chat.EmotionScore `json:"emotions,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Provider  string              `json:"provider,omitempty"`
}

// DecodeRequest 解析并校验请求体，返回折叠后的情绪向量。
func DecodeRequest(w http.ResponseWriter, r *http.Request) (Request, map[string]float64, error) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return Request{}, nil, chat.NewProtocolError("invalid request body")
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return Request{}, nil, chat.NewProtocolError("message is required")
	}
	emotions, err := chat.EmotionMap(req.Emotions)
	if err != nil {
		return Request{}, nil, err
	}
	return req, emotions, nil
}

// OpenSession 返回请求指向的会话。未指定会话时创建一个临时会话，调用方结束后执行 release。
func OpenSession(ctx context.Context, registry *session.Registry, req Request) (o *orchestrator.Orchestrator, release func(), err error) {
	var provider chat.Provider
	if req.Provider != "" {
		if provider, err = chat.ParseProvider(req.Provider); err != nil {
			return nil, nil, err
		}
	}

	if req.SessionID != "" {
		o, err = registry.Lookup(req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if provider != "" {
			if err := o.SwitchProvider(ctx, provider); err != nil {
				return nil, nil, err
			}
		}
		return o, func() {}, nil
	}

	opts := []orchestrator.Option{orchestrator.WithAwaitPlaybackAck(false)}
	if provider != "" {
		opts = append(opts, orchestrator.WithProvider(provider))
	}
	o, err = registry.Create("", nil, opts...)
	if err != nil {
		return nil, nil, err
	}
	id := o.ID()
	return o, func() { registry.Remove(id) }, nil
}
