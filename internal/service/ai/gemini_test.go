package ai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

const (
	geminiGeneratePath = "/v1beta/models/gemini-test:generateContent"
	geminiStreamPath   = "/v1beta/models/gemini-test:streamGenerateContent"
)

func newTestGeminiAdapter(t *testing.T, srv *httptest.Server) *GeminiAdapter {
	t.Helper()
	adapter, err := NewGeminiAdapter(context.Background(), config.ProviderConfig{
		APIKey:  "test",
		Model:   "gemini-test",
		BaseURL: srv.URL,
	}, srv.Client())
	require.NoError(t, err)
	return adapter
}

func TestGeminiAdapterGenerate(t *testing.T) {
	srv, captured := recordingServer(t, geminiGeneratePath, http.StatusOK, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": " Doing well, thanks! "}]}, "finishReason": "STOP"}]
	}`)

	text, err := newTestGeminiAdapter(t, srv).Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Doing well, thanks!", text)

	body := *captured
	contents := body["contents"].([]any)
	require.Len(t, contents, 3, "consecutive user turns are merged into one content")
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	last := contents[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	assert.Len(t, last["parts"].([]any), 2)

	system := body["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, system, "joy (0.80)")
	assert.EqualValues(t, 300, body["generationConfig"].(map[string]any)["maxOutputTokens"])
}

func TestGeminiAdapterNoCandidatesIsMalformed(t *testing.T) {
	srv, _ := recordingServer(t, geminiGeneratePath, http.StatusOK, `{"candidates": []}`)

	_, err := newTestGeminiAdapter(t, srv).Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindMalformed), "%v", err)
}

func TestGeminiAdapterClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusForbidden, `{"error": {"code": 403, "message": "API key invalid", "status": "PERMISSION_DENIED"}}`, KindAuth},
		{http.StatusTooManyRequests, `{"error": {"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}}`, KindRateLimited},
		{http.StatusInternalServerError, `{"error": {"code": 500, "message": "internal", "status": "INTERNAL"}}`, KindRejected},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, _ := recordingServer(t, geminiGeneratePath, tc.status, tc.body)

			_, err := newTestGeminiAdapter(t, srv).Generate(context.Background(), sampleRequest())
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.want, pe.Kind)
			assert.Equal(t, tc.status, pe.Status)
			assert.Equal(t, chat.ProviderGemini, pe.Provider)
		})
	}
}

func geminiStreamServer(t *testing.T, status int, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != geminiStreamPath {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error": {"code": 500, "message": "internal", "status": "INTERNAL"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			_, _ = io.WriteString(w, "data: "+ev+"\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiAdapterStream(t *testing.T) {
	srv := geminiStreamServer(t, http.StatusOK,
		`{"candidates": [{"content": {"role": "model", "parts": [{"text": "Hello"}]}}]}`,
		`{"candidates": [{"content": {"role": "model", "parts": [{"text": " there"}]}, "finishReason": "STOP"}]}`,
	)

	chunks, err := newTestGeminiAdapter(t, srv).Stream(context.Background(), sampleRequest())
	require.NoError(t, err)

	text, err := Collect(context.Background(), chat.ProviderGemini, chunks, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
}

func TestGeminiAdapterStreamError(t *testing.T) {
	srv := geminiStreamServer(t, http.StatusInternalServerError)

	chunks, err := newTestGeminiAdapter(t, srv).Stream(context.Background(), sampleRequest())
	require.NoError(t, err)

	_, err = Collect(context.Background(), chat.ProviderGemini, chunks, nil)
	assert.True(t, IsKind(err, KindRejected), "%v", err)
}

func TestBuildGeminiContentsRoles(t *testing.T) {
	contents := buildGeminiContents([]chat.Turn{
		{Role: chat.RoleUser, Text: "a"},
		{Role: chat.RoleUser, Text: "b"},
		{Role: chat.RoleAssistant, Text: "c"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 2)
	assert.Equal(t, "b", contents[0].Parts[1].Text)
	assert.Equal(t, "model", contents[1].Role)
}
