package voice

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// 入站事件类型
const (
	typeTranscript     = "transcript"
	typeUserMessage    = "user_message"
	typeUserInput      = "user_input"
	typeListening      = "listening"
	typePlayback       = "playback_started"
	typeBargeIn        = "barge_in"
	typeInterruption   = "user_interruption"
	typeReset          = "reset"
	typeSwitchProvider = "switch_provider"
	typePing           = "ping"
)

// 出站消息类型
const (
	outSession        = "session"
	outPhase          = "phase"
	outAssistantInput = "assistant_input"
	outAssistantEnd   = "assistant_end"
	outQueued         = "queued"
	outError          = "error"
	outPong           = "pong"
)

type eventKind int

const (
	eventTranscript eventKind = iota
	eventListening
	eventPlayback
	eventBargeIn
	eventReset
	eventSwitch
	eventPing
)

// event 是解码后的入站事件。
type event struct {
	kind     eventKind
	text     string
	emotions map[string]float64
	provider chat.Provider
}

// inboundMessage 兼容自有事件格式与 Hume CLM 负载。
type inboundMessage struct {
	Type            string              `json:"type"`
	SessionID       string              `json:"sessionId"`
	CustomSession   string              `json:"custom_session_id"`
	Transcript      string              `json:"transcript"`
	TranscriptText  string              `json:"transcriptText"`
	Text            string              `json:"text"`
	Provider        string              `json:"provider"`
	Emotions        []chat.EmotionScore `json:"emotions"`
	EmotionFeatures map[string]float64  `json:"emotion_features"`
	Models          *prosodyModels      `json:"models"`
	Messages        []humeMessage       `json:"messages"`
}

type humeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	// Message 为 Hume 的嵌套形式 {"message": {"role", "content"}}
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Models *prosodyModels `json:"models"`
}

func (m humeMessage) role() string {
	if m.Message != nil && m.Message.Role != "" {
		return m.Message.Role
	}
	return m.Role
}

func (m humeMessage) content() json.RawMessage {
	if m.Message != nil && len(m.Message.Content) > 0 {
		return m.Message.Content
	}
	return m.Content
}

type prosodyModels struct {
	Prosody *struct {
		Scores      map[string]float64 `json:"scores"`
		Predictions []struct {
			Emotions []chat.EmotionScore `json:"emotions"`
		} `json:"predictions"`
	} `json:"prosody"`
}

func (p *prosodyModels) merge(into map[string]float64) error {
	if p == nil || p.Prosody == nil {
		return nil
	}
	for name, score := range p.Prosody.Scores {
		if err := chat.AddScore(into, name, score); err != nil {
			return err
		}
	}
	for _, pred := range p.Prosody.Predictions {
		for _, e := range pred.Emotions {
			if err := chat.AddScore(into, e.Name, e.Score); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeEvent 解析一条入站消息。无法识别的内容返回 ProtocolError。
func decodeEvent(raw []byte, sessionID string) (event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return event{}, chat.NewProtocolError("invalid json: %v", err)
	}
	// 事件可省略会话 id，携带时必须与连接一致
	for _, id := range []string{msg.SessionID, msg.CustomSession} {
		if id != "" && id != sessionID {
			return event{}, chat.NewProtocolError("event session id %q does not match connection session %q", id, sessionID)
		}
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case typeTranscript, typeUserMessage, typeUserInput:
		return decodeTranscript(msg)
	case "":
		if len(msg.Messages) == 0 && msg.Transcript == "" && msg.TranscriptText == "" && msg.Text == "" {
			return event{}, chat.NewProtocolError("message type is required")
		}
		return decodeTranscript(msg)
	case typeListening:
		return event{kind: eventListening}, nil
	case typePlayback:
		return event{kind: eventPlayback}, nil
	case typeBargeIn, typeInterruption:
		return event{kind: eventBargeIn}, nil
	case typeReset:
		return event{kind: eventReset}, nil
	case typeSwitchProvider:
		p, err := chat.ParseProvider(msg.Provider)
		if err != nil {
			return event{}, err
		}
		return event{kind: eventSwitch, provider: p}, nil
	case typePing:
		return event{kind: eventPing}, nil
	default:
		return event{}, chat.NewProtocolError("unsupported message type %q", msg.Type)
	}
}

func decodeTranscript(msg inboundMessage) (event, error) {
	ev := event{kind: eventTranscript}
	emotions := make(map[string]float64)

	if user, ok := lastUserMessage(msg.Messages); ok {
		text, err := contentText(user.content())
		if err != nil {
			return event{}, err
		}
		ev.text = text
		if err := user.Models.merge(emotions); err != nil {
			return event{}, err
		}
	}
	if ev.text == "" {
		ev.text = firstNonEmpty(msg.Transcript, msg.TranscriptText, msg.Text)
	}
	ev.text = strings.TrimSpace(ev.text)

	for _, e := range msg.Emotions {
		if err := chat.AddScore(emotions, e.Name, e.Score); err != nil {
			return event{}, err
		}
	}
	for name, score := range msg.EmotionFeatures {
		if err := chat.AddScore(emotions, name, score); err != nil {
			return event{}, err
		}
	}
	if err := msg.Models.merge(emotions); err != nil {
		return event{}, err
	}
	if len(emotions) > 0 {
		ev.emotions = emotions
	}
	return ev, nil
}

func lastUserMessage(messages []humeMessage) (humeMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].role(), "user") {
			return messages[i], true
		}
	}
	return humeMessage{}, false
}

// contentText 接受字符串、{"text": ...} 或 [{"type":"text","text":...}] 三种形式。
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", chat.NewProtocolError("unsupported message content")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		if b.Len() > 0 && p.Text != "" {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// outgoingMessage 是发往语音前端的扁平消息。
type outgoingMessage struct {
	Type          string        `json:"type"`
	SessionID     string        `json:"sessionId,omitempty"`
	Phase         chat.Phase    `json:"phase,omitempty"`
	Provider      chat.Provider `json:"provider,omitempty"`
	TurnID        string        `json:"turnId,omitempty"`
	Text          string        `json:"text,omitempty"`
	ResponseChunk string        `json:"responseChunk,omitempty"`
	ResponseText  string        `json:"responseText,omitempty"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message,omitempty"`
	Timestamp     int64         `json:"timestamp"`
}

func newOutgoing(typ, sessionID string) outgoingMessage {
	return outgoingMessage{Type: typ, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}
