package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures a Gemini-backed Client.
type GeminiConfig struct {
	APIKey string
	Model  string
}

func (c *GeminiConfig) validate() error {
	if c == nil {
		return errors.New("llm: gemini config is nil")
	}
	if c.APIKey == "" {
		return errors.New("llm: gemini api key is required")
	}
	if c.Model == "" {
		return errors.New("llm: gemini model is required")
	}
	return nil
}

type geminiClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGemini constructs a Client backed by the Gemini generateContent API.
func NewGemini(ctx context.Context, cfg *GeminiConfig) (Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: creating gemini client: %w", err)
	}

	return &geminiClient{client: client, defaultModel: cfg.Model}, nil
}

func (c *geminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var systemInstruction *genai.Content
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if systemInstruction != nil {
		config.SystemInstruction = systemInstruction
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		config.MaxOutputTokens = maxTokens
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini generateContent: %w", err)
	}

	out := &Response{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
