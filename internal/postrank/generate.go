package postrank

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// GenerateResult is the nlws message payload.
type GenerateResult struct {
	Answer       string
	Descriptions map[string]string // URL -> per-item description
}

type synthesizeResponse struct {
	Answer string `json:"answer"`
}

type descriptionResponse struct {
	Description string `json:"description"`
}

// Generate synthesizes a single answer from already-ranked items via
// SynthesizePromptForGenerate, and concurrently produces a per-URL
// description via DescriptionPromptForGenerate for each item. Callers are
// expected to have ranked items with ranker.Config.GenerateMode ==
// "generate" so the per-item scoring already used RankingPromptForGenerate.
func (p *PostRank) Generate(ctx context.Context, query string, items []*pipeline.RankedItem) (*GenerateResult, error) {
	if len(items) == 0 {
		return &GenerateResult{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)

	var answer string
	var synthErr error
	go func() {
		defer wg.Done()
		answer, synthErr = p.synthesize(ctx, query, items)
	}()

	descriptions := p.describeAll(ctx, items)

	wg.Wait()
	if synthErr != nil {
		return nil, synthErr
	}

	return &GenerateResult{Answer: answer, Descriptions: descriptions}, nil
}

func (p *PostRank) synthesize(ctx context.Context, query string, items []*pipeline.RankedItem) (string, error) {
	rendered, err := p.Prompts.Render("SynthesizePromptForGenerate", map[string]any{
		"query": query,
		"items": summaries(items),
	})
	if err != nil {
		return "", fmt.Errorf("postrank: rendering SynthesizePromptForGenerate: %w", err)
	}
	resp, err := p.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return "", fmt.Errorf("postrank: SynthesizePromptForGenerate llm call: %w", err)
	}
	var parsed synthesizeResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return "", fmt.Errorf("postrank: parsing SynthesizePromptForGenerate response: %w", err)
	}
	return parsed.Answer, nil
}

func (p *PostRank) describeAll(ctx context.Context, items []*pipeline.RankedItem) map[string]string {
	type result struct {
		url         string
		description string
	}
	results := make(chan result, len(items))

	var wg sync.WaitGroup
	for _, ranked := range items {
		ranked := ranked
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc, err := p.describe(ctx, ranked.Item)
			if err != nil {
				return
			}
			results <- result{url: ranked.Item.URL, description: desc}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]string, len(items))
	for r := range results {
		out[r.url] = r.description
	}
	return out
}

func (p *PostRank) describe(ctx context.Context, item *pipeline.RetrievedItem) (string, error) {
	rendered, err := p.Prompts.Render("DescriptionPromptForGenerate", map[string]any{
		"name":        item.Name,
		"description": item.Description,
		"schema":      item.Schema,
	})
	if err != nil {
		return "", fmt.Errorf("postrank: rendering DescriptionPromptForGenerate: %w", err)
	}
	resp, err := p.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return "", fmt.Errorf("postrank: DescriptionPromptForGenerate llm call: %w", err)
	}
	var parsed descriptionResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return "", fmt.Errorf("postrank: parsing DescriptionPromptForGenerate response: %w", err)
	}
	return parsed.Description, nil
}
