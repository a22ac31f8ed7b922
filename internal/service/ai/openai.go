package ai

import (
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// OpenAIAdapter implements Adapter and Streamer using Chat Completions. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(cfg config.ProviderConfig, httpClient *http.Client) *OpenAIAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (a *OpenAIAdapter) Kind() chat.Provider { return chat.ProviderOpenAI }
func (a *OpenAIAdapter) Model() string       { return a.model }

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.params(req))
	if err != nil {
		return "", Classify(chat.ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return "", Malformed(chat.ProviderOpenAI, "completion %s returned no choices", resp.ID)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", Malformed(chat.ProviderOpenAI, "completion %s returned empty content", resp.ID)
	}
	return text, nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(req))

	ch := make(chan Chunk, 16)
	go a.processStream(ctx, stream, ch)
	return ch, nil
}

func (a *OpenAIAdapter) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- Chunk) {
	defer close(ch)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if !sendChunk(ctx, ch, Chunk{Text: delta}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		sendChunk(ctx, ch, Chunk{Err: Classify(chat.ProviderOpenAI, err)})
	}
}

func (a *OpenAIAdapter) params(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: buildOpenAIMessages(req.SystemPrompt(), req.History),
	}
	if req.Options.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Options.MaxTokens))
	}
	return params
}

// buildOpenAIMessages keeps one message per turn; the API accepts repeated roles.
func buildOpenAIMessages(system string, history []chat.Turn) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	params = append(params, openai.SystemMessage(system))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			params = append(params, openai.UserMessage(turn.Text))
		case chat.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(turn.Text)},
			}
			params = append(params, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return params
}
