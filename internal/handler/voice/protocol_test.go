package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		kind     eventKind
		text     string
		emotions map[string]float64
		provider chat.Provider
	}{
		{
			name:     "typed transcript",
			raw:      `{"type":"transcript","transcript":" I lost my keys ","emotions":[{"name":"Sadness","score":0.7},{"name":"Sadness","score":0.4}]}`,
			kind:     eventTranscript,
			text:     "I lost my keys",
			emotions: map[string]float64{"Sadness": 0.7},
		},
		{
			name: "transcriptText field",
			raw:  `{"type":"user_message","transcriptText":"hi"}`,
			kind: eventTranscript,
			text: "hi",
		},
		{
			name:     "hume messages with prosody scores",
			raw:      `{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"ok"},{"role":"user","content":"second","models":{"prosody":{"scores":{"Joy":0.8,"Calmness":0.1}}}}]}`,
			kind:     eventTranscript,
			text:     "second",
			emotions: map[string]float64{"Joy": 0.8, "Calmness": 0.1},
		},
		{
			name:     "hume nested message with predictions",
			raw:      `{"messages":[{"type":"user_message","message":{"role":"user","content":{"text":"nested"}},"models":{"prosody":{"predictions":[{"emotions":[{"name":"Anger","score":0.6}]}]}}}]}`,
			kind:     eventTranscript,
			text:     "nested",
			emotions: map[string]float64{"Anger": 0.6},
		},
		{
			name: "content parts",
			raw:  `{"messages":[{"role":"user","content":[{"type":"text","text":"one"},{"type":"image","text":"skip"},{"type":"text","text":"two"}]}]}`,
			kind: eventTranscript,
			text: "one two",
		},
		{
			name:     "emotion features",
			raw:      `{"text":"hello","emotion_features":{"Interest":0.5}}`,
			kind:     eventTranscript,
			text:     "hello",
			emotions: map[string]float64{"Interest": 0.5},
		},
		{
			name: "assistant only history is an empty transcript",
			raw:  `{"messages":[{"role":"assistant","content":"hello"}]}`,
			kind: eventTranscript,
		},
		{name: "listening", raw: `{"type":"listening"}`, kind: eventListening},
		{name: "playback", raw: `{"type":"playback_started"}`, kind: eventPlayback},
		{name: "barge in", raw: `{"type":"barge_in"}`, kind: eventBargeIn},
		{name: "user interruption", raw: `{"type":"user_interruption"}`, kind: eventBargeIn},
		{name: "reset", raw: `{"type":"reset"}`, kind: eventReset},
		{name: "ping", raw: `{"type":"PING"}`, kind: eventPing},
		{name: "matching session id", raw: `{"type":"listening","sessionId":"call-1"}`, kind: eventListening},
		{name: "switch", raw: `{"type":"switch_provider","provider":"gpt"}`, kind: eventSwitch, provider: chat.ProviderOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tt.raw), "call-1")
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.kind)
			assert.Equal(t, tt.text, ev.text)
			assert.Equal(t, tt.emotions, ev.emotions)
			assert.Equal(t, tt.provider, ev.provider)
		})
	}
}

func TestDecodeEventErrors(t *testing.T) {
	protocol := []string{
		`not json`,
		`{}`,
		`{"type":"dance"}`,
		`{"type":"transcript","text":"x","emotions":[{"name":"Joy","score":1.5}]}`,
		`{"type":"transcript","text":"x","emotions":[{"name":" ","score":0.5}]}`,
		`{"messages":[{"role":"user","content":42}]}`,
		`{"type":"transcript","sessionId":"call-2","text":"hi"}`,
		`{"custom_session_id":"other","messages":[{"role":"user","content":"hi"}]}`,
	}
	for _, raw := range protocol {
		_, err := decodeEvent([]byte(raw), "call-1")
		assert.True(t, chat.IsProtocolError(err), "expected protocol error for %s, got %v", raw, err)
	}

	_, err := decodeEvent([]byte(`{"type":"switch_provider","provider":"llama"}`), "call-1")
	assert.ErrorIs(t, err, chat.ErrUnknownProvider)
}
