package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// GeminiAdapter implements Adapter and Streamer with the Gemini API.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiAdapter(ctx context.Context, cfg config.ProviderConfig, httpClient *http.Client) (*GeminiAdapter, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAdapter{client: client, model: cfg.Model}, nil
}

func (a *GeminiAdapter) Kind() chat.Provider { return chat.ProviderGemini }
func (a *GeminiAdapter) Model() string       { return a.model }

func (a *GeminiAdapter) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := a.client.Models.GenerateContent(ctx, a.model, buildGeminiContents(req.History), geminiConfig(req))
	if err != nil {
		return "", Classify(chat.ProviderGemini, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", Malformed(chat.ProviderGemini, "response carried no text parts")
	}
	return text, nil
}

func (a *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	contents := buildGeminiContents(req.History)
	cfg := geminiConfig(req)

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model, contents, cfg) {
			if err != nil {
				sendChunk(ctx, ch, Chunk{Err: Classify(chat.ProviderGemini, err)})
				return
			}
			if text := resp.Text(); text != "" {
				if !sendChunk(ctx, ch, Chunk{Text: text}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt()}}},
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	return cfg
}

// buildGeminiContents merges consecutive same-role turns into one content with
// several parts. Gemini calls the assistant role "model".
func buildGeminiContents(history []chat.Turn) []*genai.Content {
	groups := groupTurns(history)
	contents := make([]*genai.Content, 0, len(groups))
	for _, group := range groups {
		role := "user"
		if group.role == chat.RoleAssistant {
			role = "model"
		}
		parts := make([]*genai.Part, 0, len(group.parts))
		for _, text := range group.parts {
			parts = append(parts, &genai.Part{Text: text})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}
