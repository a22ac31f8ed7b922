package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// ArkAdapter runs the conversation through an eino chain: a chat template that
// injects the system prompt in front of the history, followed by the chat model.
type ArkAdapter struct {
	model string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkAdapter compiles the chain around chatModel. modelName is informational.
func NewArkAdapter(ctx context.Context, chatModel model.ChatModel, modelName string) (*ArkAdapter, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkAdapter{model: modelName, chain: runnable}, nil
}

func (a *ArkAdapter) Kind() chat.Provider { return chat.ProviderArk }
func (a *ArkAdapter) Model() string       { return a.model }

func (a *ArkAdapter) Generate(ctx context.Context, req Request) (string, error) {
	msg, err := a.chain.Invoke(ctx, chainInput(req))
	if err != nil {
		return "", Classify(chat.ProviderArk, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", Malformed(chat.ProviderArk, "model returned an empty message")
	}
	return strings.TrimSpace(msg.Content), nil
}

func (a *ArkAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	reader, err := a.chain.Stream(ctx, chainInput(req))
	if err != nil {
		return nil, Classify(chat.ProviderArk, err)
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer reader.Close()

		for {
			msg, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sendChunk(ctx, ch, Chunk{Err: Classify(chat.ProviderArk, err)})
				return
			}
			if msg == nil || msg.Content == "" {
				continue
			}
			if !sendChunk(ctx, ch, Chunk{Text: msg.Content}) {
				return
			}
		}
	}()
	return ch, nil
}

func chainInput(req Request) map[string]any {
	return map[string]any{
		"system":  req.SystemPrompt(),
		"history": buildSchemaMessages(req.History),
	}
}

func buildSchemaMessages(history []chat.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return messages
}
