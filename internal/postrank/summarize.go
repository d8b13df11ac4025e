package postrank

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// summarizeTruncateTo is the number of top-ranked results summarize mode
// considers, per the original post_ranking.py behavior.
const summarizeTruncateTo = 3

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize truncates items to the top summarizeTruncateTo (items must
// already be sorted by score descending) and renders SummarizeResultsPrompt
// over them, returning the summary text for the `summary` message.
func (p *PostRank) Summarize(ctx context.Context, query string, items []*pipeline.RankedItem) (string, []*pipeline.RankedItem, error) {
	if len(items) > summarizeTruncateTo {
		items = items[:summarizeTruncateTo]
	}

	rendered, err := p.Prompts.Render("SummarizeResultsPrompt", map[string]any{
		"query": query,
		"items": summaries(items),
	})
	if err != nil {
		return "", items, fmt.Errorf("postrank: rendering SummarizeResultsPrompt: %w", err)
	}

	resp, err := p.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return "", items, fmt.Errorf("postrank: SummarizeResultsPrompt llm call: %w", err)
	}

	var parsed summarizeResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return "", items, fmt.Errorf("postrank: parsing SummarizeResultsPrompt response: %w", err)
	}
	return parsed.Summary, items, nil
}

func summaries(items []*pipeline.RankedItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, ranked := range items {
		out[i] = map[string]any{
			"name":        ranked.Item.Name,
			"description": ranked.Item.Description,
			"url":         ranked.Item.URL,
		}
	}
	return out
}
