package ai

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

const defaultMaxTokens = 300

// ClaudeAdapter implements Adapter and Streamer using the Anthropic Messages API.
type ClaudeAdapter struct {
	client anthropic.Client
	model  string
}

// NewClaudeAdapter builds an adapter on top of the shared HTTP client. SDK retries
// are disabled; the orchestrator owns the retry policy.
func NewClaudeAdapter(cfg config.ProviderConfig, httpClient *http.Client) *ClaudeAdapter {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(httpClient))
	}
	return &ClaudeAdapter{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (a *ClaudeAdapter) Kind() chat.Provider { return chat.ProviderClaude }
func (a *ClaudeAdapter) Model() string       { return a.model }

// Generate requests a complete reply.
func (a *ClaudeAdapter) Generate(ctx context.Context, req Request) (string, error) {
	msg, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return "", Classify(chat.ProviderClaude, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", Malformed(chat.ProviderClaude, "response %s carried no text blocks", msg.ID)
	}
	return text, nil
}

// Stream requests a streamed reply.
func (a *ClaudeAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))

	ch := make(chan Chunk, 16)
	go a.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream forwards text deltas; every other event type is ignored.
func (a *ClaudeAdapter) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- Chunk) {
	defer close(ch)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		if !sendChunk(ctx, ch, Chunk{Text: text.Text}) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		sendChunk(ctx, ch, Chunk{Err: Classify(chat.ProviderClaude, err)})
	}
}

func (a *ClaudeAdapter) params(req Request) anthropic.MessageNewParams {
	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.SystemPrompt()}},
		Messages:  buildClaudeMessages(req.History),
	}
}

// buildClaudeMessages merges consecutive same-role turns into one message with
// several text blocks, since the Messages API expects alternating roles.
func buildClaudeMessages(history []chat.Turn) []anthropic.MessageParam {
	groups := groupTurns(history)
	params := make([]anthropic.MessageParam, 0, len(groups))
	for _, group := range groups {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(group.parts))
		for _, part := range group.parts {
			blocks = append(blocks, anthropic.NewTextBlock(part))
		}
		switch group.role {
		case chat.RoleUser:
			params = append(params, anthropic.NewUserMessage(blocks...))
		case chat.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return params
}
