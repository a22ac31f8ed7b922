package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

type fakeChatModel struct {
	reply  string
	chunks []string
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestArkAdapterGenerate(t *testing.T) {
	fake := &fakeChatModel{reply: "  你好！  "}
	adapter, err := NewArkAdapter(context.Background(), fake, "ep-test")
	require.NoError(t, err)

	text, err := adapter.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "你好！", text)

	require.Len(t, fake.input, 5)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Contains(t, fake.input[0].Content, "joy (0.80)")
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, "Hello, how are you?", fake.input[4].Content)
}

func TestArkAdapterStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "", "lo"}}
	adapter, err := NewArkAdapter(context.Background(), fake, "ep-test")
	require.NoError(t, err)

	chunks, err := adapter.Stream(context.Background(), sampleRequest())
	require.NoError(t, err)

	text, err := Collect(context.Background(), chat.ProviderArk, chunks, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestArkAdapterErrors(t *testing.T) {
	adapter, err := NewArkAdapter(context.Background(), &fakeChatModel{err: errors.New("quota exhausted")}, "ep-test")
	require.NoError(t, err)

	_, err = adapter.Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindRejected))

	empty, err := NewArkAdapter(context.Background(), &fakeChatModel{reply: " "}, "ep-test")
	require.NoError(t, err)
	_, err = empty.Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindMalformed))
}

// arkServer answers every chat completion with the same status and body and counts the calls.
func arkServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newHTTPArkAdapter(t *testing.T, srv *httptest.Server) *ArkAdapter {
	t.Helper()
	cfg := config.ArkConfig{APIKey: "test", Model: "ep-test", BaseURL: srv.URL}
	chatModel, err := cfg.NewChatModel(context.Background(), 300, srv.Client())
	require.NoError(t, err)
	adapter, err := NewArkAdapter(context.Background(), chatModel, cfg.Model)
	require.NoError(t, err)
	return adapter
}

func TestArkAdapterGenerateOverHTTP(t *testing.T) {
	srv, hits := arkServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "ep-test",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "我在呢。"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
	}`)

	text, err := newHTTPArkAdapter(t, srv).Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "我在呢。", text)
	assert.EqualValues(t, 1, hits.Load())
}

func TestArkAdapterDoesNotRetryUpstream(t *testing.T) {
	srv, hits := arkServer(t, http.StatusInternalServerError,
		`{"error":{"code":"InternalServiceError","message":"boom","type":"InternalServerError"}}`)

	_, err := newHTTPArkAdapter(t, srv).Generate(context.Background(), sampleRequest())

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindRejected, pe.Kind)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.EqualValues(t, 1, hits.Load())
}

func TestArkAdapterClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusUnauthorized, `{"error":{"code":"AuthenticationError","message":"bad key","type":"Unauthorized"}}`, KindAuth},
		{http.StatusTooManyRequests, `{"error":{"code":"RateLimitExceeded","message":"slow down","type":"TooManyRequests"}}`, KindRateLimited},
		{http.StatusBadRequest, `not json`, KindRejected},
		{http.StatusOK, `{"choices": "oops"}`, KindMalformed},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, hits := arkServer(t, tc.status, tc.body)

			_, err := newHTTPArkAdapter(t, srv).Generate(context.Background(), sampleRequest())
			assert.True(t, IsKind(err, tc.want), "status %d: %v", tc.status, err)
			assert.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestArkAdapterUnreachableIsNetwork(t *testing.T) {
	srv, _ := arkServer(t, http.StatusOK, `{}`)
	adapter := newHTTPArkAdapter(t, srv)
	srv.Close()

	_, err := adapter.Generate(context.Background(), sampleRequest())
	assert.True(t, IsKind(err, KindNetwork), "%v", err)
}
