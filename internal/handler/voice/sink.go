package voice

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
)

const writeWait = 10 * time.Second

// connWriter 串行化对单个连接的写入，并把编排器输出转换为前端消息。
type connWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	// streamed 记录已经推送过分片的回复，最终消息只补发 assistant_end。
	streamed string
}

func newConnWriter(conn *websocket.Conn, sessionID string) *connWriter {
	return &connWriter{conn: conn, sessionID: sessionID}
}

func (w *connWriter) write(msgs ...outgoingMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(msgs...)
}

func (w *connWriter) writeLocked(msgs ...outgoingMessage) error {
	for _, msg := range msgs {
		if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := w.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *connWriter) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *connWriter) sendError(code, message string) error {
	msg := newOutgoing(outError, w.sessionID)
	msg.Code = code
	msg.Message = message
	return w.write(msg)
}

// Send implements orchestrator.Sink.
func (w *connWriter) Send(out orchestrator.Output) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch out.Type {
	case orchestrator.OutputPhase:
		msg := newOutgoing(outPhase, w.sessionID)
		msg.Phase = out.Phase
		return w.writeLocked(msg)

	case orchestrator.OutputChunk:
		w.streamed = out.TurnID
		msg := newOutgoing(outAssistantInput, w.sessionID)
		msg.TurnID = out.TurnID
		msg.Text = out.Text
		msg.ResponseChunk = out.Text
		return w.writeLocked(msg)

	case orchestrator.OutputResponse:
		end := newOutgoing(outAssistantEnd, w.sessionID)
		end.TurnID = out.TurnID
		if w.streamed == out.TurnID {
			w.streamed = ""
			end.ResponseText = out.Text
			return w.writeLocked(end)
		}
		msg := newOutgoing(outAssistantInput, w.sessionID)
		msg.TurnID = out.TurnID
		msg.Text = out.Text
		msg.ResponseText = out.Text
		return w.writeLocked(msg, end)

	case orchestrator.OutputQueued:
		msg := newOutgoing(outQueued, w.sessionID)
		msg.Phase = out.Phase
		msg.Text = out.Text
		return w.writeLocked(msg)

	case orchestrator.OutputError:
		w.streamed = ""
		msg := newOutgoing(outError, w.sessionID)
		msg.TurnID = out.TurnID
		msg.Code = out.Code
		msg.Message = out.Code
		if out.Err != nil {
			msg.Message = out.Err.Error()
		}
		msgs := []outgoingMessage{msg}
		if out.Fallback && out.Text != "" {
			fallback := newOutgoing(outAssistantInput, w.sessionID)
			fallback.TurnID = out.TurnID
			fallback.Text = out.Text
			fallback.ResponseText = out.Text
			end := newOutgoing(outAssistantEnd, w.sessionID)
			end.TurnID = out.TurnID
			msgs = append(msgs, fallback, end)
		}
		return w.writeLocked(msgs...)
	}
	return nil
}
