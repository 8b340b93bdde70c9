package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// Anthropic wraps the official SDK behind the Adapter contract.
type Anthropic struct {
	api *anthropic.Client
}

// NewAnthropic creates an adapter with the given API key.
func NewAnthropic(apiKey string) *Anthropic {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{api: &client}
}

// Complete runs a single-shot completion.
func (c *Anthropic) Complete(ctx context.Context, model, prompt, systemPrompt string) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	return c.send(ctx, params)
}

// Chat sends a multi-turn exchange. A leading system message is lifted into
// the Anthropic system field; the rest map to user/assistant turns.
func (c *Anthropic) Chat(ctx context.Context, model string, messages []Message) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return Response{}, fmt.Errorf("chat requires at least one non-system message")
	}

	return c.send(ctx, params)
}

func (c *Anthropic) send(ctx context.Context, params anthropic.MessageNewParams) (Response, error) {
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Response{}, fmt.Errorf("no text content in API response")
	}

	return Response{
		Content:    text,
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
	}, nil
}
