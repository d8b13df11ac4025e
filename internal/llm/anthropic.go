package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an Anthropic-backed Client.
type AnthropicConfig struct {
	APIKey         string
	Model          string
	MaxTokens      int64
	RequestOptions []option.RequestOption
}

func (c *AnthropicConfig) validate() error {
	if c == nil {
		return errors.New("llm: anthropic config is nil")
	}
	if c.APIKey == "" {
		return errors.New("llm: anthropic api key is required")
	}
	if c.Model == "" {
		return errors.New("llm: anthropic model is required")
	}
	return nil
}

type anthropicClient struct {
	client       anthropic.Client
	defaultModel anthropic.Model
	maxTokens    int64
}

// NewAnthropic constructs a Client backed by the Anthropic messages API.
func NewAnthropic(cfg *AnthropicConfig) (Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.RequestOptions...)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &anthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: anthropic.Model(cfg.Model),
		maxTokens:    maxTokens,
	}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}

	model := c.defaultModel
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic completion: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
