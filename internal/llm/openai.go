package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures an OpenAI-backed Client.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RequestOptions []option.RequestOption
}

func (c *OpenAIConfig) validate() error {
	if c == nil {
		return errors.New("llm: openai config is nil")
	}
	if c.APIKey == "" {
		return errors.New("llm: openai api key is required")
	}
	if c.Model == "" {
		return errors.New("llm: openai model is required")
	}
	return nil
}

// openAIClient adapts openai-go's chat completions API to Client.
type openAIClient struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAI constructs a Client backed by the OpenAI chat completions API.
func NewOpenAI(cfg *OpenAIConfig) (Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.RequestOptions...)
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &openAIClient{
		client:       openai.NewClient(opts...),
		defaultModel: cfg.Model,
	}, nil
}

func (c *openAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("llm: openai returned no choices")
	}

	return &Response{
		Text: completion.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}
