package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

func sampleRequest() Request {
	return Request{
		History: []chat.Turn{
			{Role: chat.RoleUser, Text: "Hi"},
			{Role: chat.RoleAssistant, Text: "Hello!"},
			{Role: chat.RoleUser, Text: "Are you there?"},
			{Role: chat.RoleUser, Text: "Hello, how are you?"},
		},
		EmotionHint: "[Voice emotion analysis: joy (0.80)]",
		Options:     Options{MaxTokens: 300, MaxSentences: 3},
	}
}

// recordingServer serves a canned response and keeps the last decoded request body.
func recordingServer(t *testing.T, path string, status int, body string) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestClaudeAdapterGenerate(t *testing.T) {
	srv, captured := recordingServer(t, "/v1/messages", http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-haiku-20240307",
		"content": [{"type": "text", "text": "I'm doing great, thanks!"}],
		"stop_reason": "end_turn", "stop_sequence": null,
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)

	adapter := NewClaudeAdapter(config.ProviderConfig{APIKey: "test", Model: "claude-3-haiku-20240307", BaseURL: srv.URL + "/"}, srv.Client())
	text, err := adapter.Generate(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, "I'm doing great, thanks!", text)

	body := *captured
	assert.Equal(t, "claude-3-haiku-20240307", body["model"])
	assert.EqualValues(t, 300, body["max_tokens"])

	system := body["system"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, system, "joy (0.80)")

	messages := body["messages"].([]any)
	require.Len(t, messages, 3, "consecutive user turns are merged into one message")
	last := messages[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	assert.Len(t, last["content"].([]any), 2)
}

func TestClaudeAdapterClassifiesStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests: KindRateLimited,
		http.StatusUnauthorized:    KindAuth,
		http.StatusBadRequest:      KindRejected,
	}
	for status, kind := range cases {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv, _ := recordingServer(t, "/v1/messages", status, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
			adapter := NewClaudeAdapter(config.ProviderConfig{APIKey: "test", Model: "m", BaseURL: srv.URL + "/"}, srv.Client())

			_, err := adapter.Generate(context.Background(), sampleRequest())

			require.Error(t, err)
			assert.True(t, IsKind(err, kind), "got %v", err)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, status, pe.Status)
		})
	}
}

func TestClaudeAdapterEmptyContentIsMalformed(t *testing.T) {
	srv, _ := recordingServer(t, "/v1/messages", http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "m",
		"content": [], "stop_reason": "end_turn", "stop_sequence": null,
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`)
	adapter := NewClaudeAdapter(config.ProviderConfig{APIKey: "test", Model: "m", BaseURL: srv.URL + "/"}, srv.Client())

	_, err := adapter.Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindMalformed))
}

func TestOpenAIAdapterGenerate(t *testing.T) {
	srv, captured := recordingServer(t, "/chat/completions", http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Doing well!"}, "finish_reason": "stop"}]
	}`)

	adapter := NewOpenAIAdapter(config.ProviderConfig{APIKey: "test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/"}, srv.Client())
	text, err := adapter.Generate(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, "Doing well!", text)

	messages := (*captured)["messages"].([]any)
	require.Len(t, messages, 5, "system prompt plus one message per turn")
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[2].(map[string]any)["role"])
	assert.Equal(t, "Hello, how are you?", messages[4].(map[string]any)["content"])
	assert.EqualValues(t, 300, (*captured)["max_tokens"])
}

func TestOpenAIAdapterNoChoicesIsMalformed(t *testing.T) {
	srv, _ := recordingServer(t, "/chat/completions", http.StatusOK, `{
		"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini", "choices": []
	}`)
	adapter := NewOpenAIAdapter(config.ProviderConfig{APIKey: "test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/"}, srv.Client())

	_, err := adapter.Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindMalformed))
}

func TestOpenAIAdapterStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Doing ", "well!"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	adapter := NewOpenAIAdapter(config.ProviderConfig{APIKey: "test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/"}, srv.Client())
	chunks, err := adapter.Stream(context.Background(), sampleRequest())
	require.NoError(t, err)

	text, err := Collect(context.Background(), chat.ProviderOpenAI, chunks, nil)
	require.NoError(t, err)
	assert.Equal(t, "Doing well!", text)
}

func TestAdapterDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	adapter := NewOpenAIAdapter(config.ProviderConfig{APIKey: "test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/"}, srv.Client())
	policy := RetryPolicy{Timeout: 50 * time.Millisecond}

	err := policy.Do(context.Background(), adapter.Kind(), func(ctx context.Context) error {
		_, err := adapter.Generate(ctx, sampleRequest())
		return err
	})

	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
}
