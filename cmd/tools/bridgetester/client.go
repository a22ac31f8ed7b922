package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// message 是桥接服务下发的消息，只解析测试关心的字段。
type message struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	Phase         string `json:"phase"`
	Provider      string `json:"provider"`
	TurnID        string `json:"turnId"`
	Text          string `json:"text"`
	ResponseChunk string `json:"responseChunk"`
	ResponseText  string `json:"responseText"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// turnResult 汇总一轮对话。
type turnResult struct {
	SessionID string
	Reply     string
	Chunks    int
	Phases    []string
	ErrorCode string
	Latency   time.Duration
}

type emotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// parseEmotions 解析 name=score 形式的参数。
func parseEmotions(values []string) ([]emotionScore, error) {
	out := make([]emotionScore, 0, len(values))
	for _, v := range values {
		name, raw, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid emotion %q, want name=score", v)
		}
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score in %q: %w", v, err)
		}
		out = append(out, emotionScore{Name: strings.TrimSpace(name), Score: score})
	}
	return out, nil
}

// dialURL 拼接会话ID与令牌查询参数。
func dialURL(base, sessionID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("custom_session_id", sessionID)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runTurn 建立连接，以 Hume CLM 格式发送一条转写，并等待回复结束。
func runTurn(ctx context.Context, base, sessionID, token, text string, emotions []emotionScore) (turnResult, error) {
	target, err := dialURL(base, sessionID, token)
	if err != nil {
		return turnResult{}, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return turnResult{}, fmt.Errorf("dial %s: %w (status %d)", base, err, resp.StatusCode)
		}
		return turnResult{}, fmt.Errorf("dial %s: %w", base, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return turnResult{}, fmt.Errorf("read session message: %w", err)
	}
	result := turnResult{SessionID: hello.SessionID}

	payload := map[string]any{
		"messages": []map[string]any{{
			"role":    "user",
			"content": text,
		}},
	}
	if len(emotions) > 0 {
		payload["emotions"] = emotions
	}
	start := time.Now()
	if err := conn.WriteJSON(payload); err != nil {
		return result, fmt.Errorf("send transcript: %w", err)
	}

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case "phase":
			result.Phases = append(result.Phases, msg.Phase)
		case "assistant_input":
			if msg.ResponseChunk != "" {
				result.Chunks++
				result.Reply += msg.ResponseChunk
			} else {
				result.Reply = msg.ResponseText
			}
		case "error":
			result.ErrorCode = msg.Code
			if msg.Code == "protocol_error" || msg.Code == "session_busy" {
				result.Latency = time.Since(start)
				return result, fmt.Errorf("bridge error %s: %s", msg.Code, msg.Message)
			}
		case "assistant_end":
			if msg.ResponseText != "" {
				result.Reply = msg.ResponseText
			}
			result.Latency = time.Since(start)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return result, nil
		}
	}
}

// healthURL 由 websocket 地址推出健康检查地址。
func healthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	return u.Scheme + "://" + u.Host + "/healthz", nil
}

// checkHealth 检查服务健康接口。
func checkHealth(ctx context.Context, wsURL string) error {
	target, err := healthURL(wsURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}
