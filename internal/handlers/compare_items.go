package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// CompareItemsRequest is one compare_items tool invocation's parameters.
type CompareItemsRequest struct {
	Item1Name, Item1URL string
	Item2Name, Item2URL string
	DetailsRequested    string
	Sites               []string
}

// CompareItemsResult is the compare_items message payload.
type CompareItemsResult struct {
	Item1      *pipeline.RetrievedItem
	Item2      *pipeline.RetrievedItem
	Comparison string
}

// CompareItems resolves both items concurrently (by URL if given, else by
// best search match), then renders CompareItemsPrompt (or
// CompareItemDetailsPrompt when DetailsRequested is set) against both.
func (h *Handlers) CompareItems(ctx context.Context, req CompareItemsRequest) (*CompareItemsResult, error) {
	var item1, item2 *pipeline.RetrievedItem
	var err1, err2 error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		item1, err1 = h.resolveItem(ctx, req.Item1Name, req.Item1URL, req.Sites)
	}()
	go func() {
		defer wg.Done()
		item2, err2 = h.resolveItem(ctx, req.Item2Name, req.Item2URL, req.Sites)
	}()
	wg.Wait()

	if err1 != nil {
		return nil, err1
	}
	if err2 != nil {
		return nil, err2
	}
	if item1 == nil || item2 == nil {
		return nil, nil
	}

	promptName := "CompareItemsPrompt"
	if req.DetailsRequested != "" {
		promptName = "CompareItemDetailsPrompt"
	}

	rendered, err := h.Prompts.Render(promptName, map[string]any{
		"item1_name":        item1.Name,
		"item1_schema":      item1.Schema,
		"item2_name":        item2.Name,
		"item2_schema":      item2.Schema,
		"details_requested": req.DetailsRequested,
	})
	if err != nil {
		return nil, fmt.Errorf("handlers: rendering %s: %w", promptName, err)
	}

	resp, err := h.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return nil, fmt.Errorf("handlers: %s llm call: %w", promptName, err)
	}

	var parsed struct {
		Comparison string `json:"comparison"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, fmt.Errorf("handlers: parsing %s response: %w", promptName, err)
	}

	return &CompareItemsResult{Item1: item1, Item2: item2, Comparison: parsed.Comparison}, nil
}

func (h *Handlers) resolveItem(ctx context.Context, name, url string, sites []string) (*pipeline.RetrievedItem, error) {
	if url != "" {
		return h.Retriever.SearchByURL(ctx, url)
	}
	items, err := h.Retriever.Search(ctx, name, sites)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}
