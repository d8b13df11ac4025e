// Package router implements the tool router: concurrent, early-terminating
// LLM scoring of every applicable tool descriptor for a query, selecting the
// handler that should answer it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/toolxml"
)

const (
	// earlyWinScore is the score at which a tool is decisively chosen and
	// every other evaluation is cancelled.
	earlyWinScore = 90
	// minToolScoreThreshold filters out tools that barely matched; the
	// default "search" handler wins when nothing clears it.
	minToolScoreThreshold = 70
	// maxResults bounds how many routing candidates are kept when no tool
	// wins outright.
	maxResults = 3
)

// Result is one tool's routing score.
type Result struct {
	Tool          string
	Score         int
	Justification string
	Params        map[string]any
}

// Router scores tools and selects a handler for a query.
type Router struct {
	llm     llm.Client
	prompts *prompts.Registry
	tools   []*toolxml.Tool
}

// New constructs a Router from a tool descriptor set loaded via toolxml.
func New(client llm.Client, reg *prompts.Registry, tools []*toolxml.Tool) (*Router, error) {
	if client == nil {
		return nil, errors.New("router: llm client is required")
	}
	if reg == nil {
		return nil, errors.New("router: prompt registry is required")
	}
	return &Router{llm: client, prompts: reg, tools: tools}, nil
}

// applicableTools returns every tool applicable to itemType, with a
// specific-type tool overriding an "Item" tool of the same name.
func (r *Router) applicableTools(itemType string) []*toolxml.Tool {
	byName := make(map[string]*toolxml.Tool)
	for _, t := range r.tools {
		if t.SchemaType != "Item" && t.SchemaType != itemType {
			continue
		}
		existing, ok := byName[t.Name]
		if !ok || (existing.SchemaType == "Item" && t.SchemaType != "Item") {
			byName[t.Name] = t
		}
	}
	out := make([]*toolxml.Tool, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	return out
}

type toolPromptResponse struct {
	Score         int            `json:"score"`
	Justification string         `json:"justification"`
	Params        map[string]any `json:"params"`
}

// Route scores every applicable tool for query and returns the selected
// tool, the full (possibly truncated) result list, and whether
// abort_fast_track_event should be set (true whenever the winner is not
// "search").
func (r *Router) Route(ctx context.Context, query, itemType string) (Result, []Result, bool, error) {
	tools := r.applicableTools(itemType)
	if len(tools) == 0 {
		return Result{Tool: "search", Score: 0}, nil, false, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result, len(tools))
	var wg sync.WaitGroup
	for _, tool := range tools {
		tool := tool
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.score(ctx, tool, query)
			if err != nil {
				return
			}
			select {
			case results <- res:
			case <-ctx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []Result
	var winner *Result
	for res := range results {
		collected = append(collected, res)
		if res.Score >= earlyWinScore && winner == nil {
			w := res
			winner = &w
			cancel()
		}
	}

	if winner != nil {
		return *winner, []Result{*winner}, winner.Tool != "search", nil
	}

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].Score > collected[j].Score })

	var filtered []Result
	for _, res := range collected {
		if res.Score >= minToolScoreThreshold {
			filtered = append(filtered, res)
		}
	}
	if len(filtered) == 0 {
		fallback := Result{Tool: "search", Score: 0}
		return fallback, []Result{fallback}, false, nil
	}
	if len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}

	top := filtered[0]
	return top, filtered, top.Tool != "search", nil
}

func (r *Router) score(ctx context.Context, tool *toolxml.Tool, query string) (Result, error) {
	rendered, err := r.prompts.Render(tool.Prompt, map[string]any{
		"query": query,
		"tool":  tool.Name,
	})
	if err != nil {
		return Result{}, fmt.Errorf("router: rendering prompt for %s: %w", tool.Name, err)
	}

	resp, err := r.llm.Complete(ctx, &llm.Request{
		Model:    "high-tier",
		Messages: []llm.Message{{Role: "user", Content: rendered}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("router: llm call for %s: %w", tool.Name, err)
	}

	var parsed toolPromptResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return Result{}, fmt.Errorf("router: parsing response for %s: %w", tool.Name, err)
	}

	return Result{
		Tool:          tool.Name,
		Score:         parsed.Score,
		Justification: parsed.Justification,
		Params:        parsed.Params,
	}, nil
}
