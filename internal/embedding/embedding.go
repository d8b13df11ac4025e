// Package embedding defines the capability interface the retrieval
// aggregator uses to turn a query (or a document being uploaded) into a
// vector, plus OpenAI and Gemini adapters.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
)

// Embedder turns text into one embedding vector per input string, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIConfig configures an OpenAI-backed Embedder.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	RequestOptions []option.RequestOption
}

type openAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAI constructs an Embedder backed by the OpenAI embeddings API.
func NewOpenAI(cfg *OpenAIConfig) (Embedder, error) {
	if cfg == nil {
		return nil, errors.New("embedding: openai config is nil")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("embedding: openai api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding: openai model is required")
	}

	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.RequestOptions...)
	return &openAIEmbedder{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	inputs := openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai embeddings: %w", err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// GeminiConfig configures a Gemini-backed Embedder.
type GeminiConfig struct {
	APIKey string
	Model  string
}

type geminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGemini constructs an Embedder backed by the Gemini embedContent API.
func NewGemini(ctx context.Context, cfg *GeminiConfig) (Embedder, error) {
	if cfg == nil {
		return nil, errors.New("embedding: gemini config is nil")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("embedding: gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding: gemini model is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: creating gemini client: %w", err)
	}

	return &geminiEmbedder{client: client, model: cfg.Model}, nil
}

func (e *geminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding: gemini embedContent: %w", err)
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
