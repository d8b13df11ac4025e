package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
)

const (
	itemDetailsSendThreshold   = 75
	itemDetailsBufferThreshold = 60
)

// ItemDetailsRequest is one item_details tool invocation's parameters.
type ItemDetailsRequest struct {
	ItemName         string
	ItemURL          string
	DetailsRequested string
	Sites            []string
}

// ItemDetailsResult is the item_details message payload.
type ItemDetailsResult struct {
	Name    string
	URL     string
	Details string
	Score   int
}

type itemMatchResponse struct {
	Score   int    `json:"score"`
	Details string `json:"details"`
}

// ItemDetails resolves req.ItemURL directly if provided, otherwise searches
// for req.ItemName; each candidate is scored in parallel via
// ItemMatchingPrompt. The first candidate scoring above
// itemDetailsSendThreshold wins immediately; otherwise the
// highest-scoring candidate in [itemDetailsBufferThreshold,
// itemDetailsSendThreshold] is returned. Returns nil if nothing matched.
func (h *Handlers) ItemDetails(ctx context.Context, req ItemDetailsRequest) (*ItemDetailsResult, error) {
	var candidates []*pipeline.RetrievedItem
	if req.ItemURL != "" {
		item, err := h.Retriever.SearchByURL(ctx, req.ItemURL)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		candidates = []*pipeline.RetrievedItem{item}
	} else {
		items, err := h.Retriever.Search(ctx, req.ItemName, req.Sites)
		if err != nil {
			return nil, err
		}
		candidates = items
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type scored struct {
		item   *pipeline.RetrievedItem
		score  int
		detail string
	}
	results := make(chan scored, len(candidates))
	var wg sync.WaitGroup
	for _, item := range candidates {
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			score, detail, err := h.matchItem(ctx, req, item)
			if err != nil {
				return
			}
			select {
			case results <- scored{item: item, score: score, detail: detail}:
			case <-ctx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var buffered []scored
	var winner *scored
	for res := range results {
		if res.score > itemDetailsSendThreshold {
			w := res
			winner = &w
			cancel()
			break
		}
		if res.score >= itemDetailsBufferThreshold {
			buffered = append(buffered, res)
		}
	}

	if winner != nil {
		return &ItemDetailsResult{Name: winner.item.Name, URL: winner.item.URL, Details: winner.detail, Score: winner.score}, nil
	}

	if len(buffered) == 0 {
		return nil, nil
	}
	sort.SliceStable(buffered, func(i, j int) bool { return buffered[i].score > buffered[j].score })
	best := buffered[0]
	return &ItemDetailsResult{Name: best.item.Name, URL: best.item.URL, Details: best.detail, Score: best.score}, nil
}

func (h *Handlers) matchItem(ctx context.Context, req ItemDetailsRequest, item *pipeline.RetrievedItem) (int, string, error) {
	rendered, err := h.Prompts.Render("ItemMatchingPrompt", map[string]any{
		"item_name":         req.ItemName,
		"details_requested": req.DetailsRequested,
		"name":              item.Name,
		"description":       item.Description,
		"schema":            item.Schema,
	})
	if err != nil {
		return 0, "", fmt.Errorf("handlers: rendering ItemMatchingPrompt: %w", err)
	}
	resp, err := h.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return 0, "", fmt.Errorf("handlers: ItemMatchingPrompt llm call: %w", err)
	}
	var parsed itemMatchResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return 0, "", fmt.Errorf("handlers: parsing ItemMatchingPrompt response: %w", err)
	}
	return parsed.Score, parsed.Details, nil
}
