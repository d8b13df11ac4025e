package precheck

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nlweb-go/nlweb/internal/llm"
)

// decontextualize picks a decontextualization variant per the pure-function
// selector (prev_queries empty?, context_url empty?, decontextualized_query
// provided?) and runs it, returning the rewritten query and whether a
// rewrite was actually needed.
func (p *Precheck) decontextualize(ctx context.Context, in Input) (string, bool, error) {
	switch {
	case in.DecontextualizedQuery != "":
		return in.DecontextualizedQuery, false, nil
	case in.ContextURL == "" && len(in.PrevQueries) > 0:
		return p.decontextualizeFromPrevQueries(ctx, in)
	case in.ContextURL != "" && len(in.PrevQueries) == 0:
		return p.decontextualizeFromContextURL(ctx, in)
	case in.ContextURL != "" && len(in.PrevQueries) > 0:
		return p.decontextualizeFull(ctx, in)
	default:
		return in.Query, false, nil
	}
}

type deconResponse struct {
	Query    string `json:"query"`
	Requires bool   `json:"requires_decontextualization"`
}

func (p *Precheck) decontextualizeFromPrevQueries(ctx context.Context, in Input) (string, bool, error) {
	if !p.cfg.Prompts.Has("PrevQueryDecontextualizerPrompt") {
		return in.Query, false, nil
	}
	return p.runDeconPrompt(ctx, "PrevQueryDecontextualizerPrompt", map[string]any{
		"query":        in.Query,
		"prev_queries": in.PrevQueries,
	}, in.Query)
}

func (p *Precheck) decontextualizeFromContextURL(ctx context.Context, in Input) (string, bool, error) {
	if !p.cfg.Prompts.Has("ContextUrlDecontextualizerPrompt") || p.cfg.FetchByURL == nil {
		return in.Query, false, nil
	}
	item, err := p.cfg.FetchByURL(ctx, in.ContextURL)
	if err != nil || item == nil {
		// The URL could not be resolved; fail safe with NoOp rather than
		// aborting the whole request.
		return in.Query, false, nil
	}
	return p.runDeconPrompt(ctx, "ContextUrlDecontextualizerPrompt", map[string]any{
		"query":          in.Query,
		"context_name":   item.Name,
		"context_url":    in.ContextURL,
		"context_schema": item.Schema,
	}, in.Query)
}

func (p *Precheck) decontextualizeFull(ctx context.Context, in Input) (string, bool, error) {
	if !p.cfg.Prompts.Has("FullDecontextualizerPrompt") {
		return in.Query, false, nil
	}
	var contextName, contextSchema any
	if p.cfg.FetchByURL != nil {
		if item, err := p.cfg.FetchByURL(ctx, in.ContextURL); err == nil && item != nil {
			contextName = item.Name
			contextSchema = item.Schema
		}
	}
	return p.runDeconPrompt(ctx, "FullDecontextualizerPrompt", map[string]any{
		"query":          in.Query,
		"prev_queries":   in.PrevQueries,
		"context_url":    in.ContextURL,
		"context_name":   contextName,
		"context_schema": contextSchema,
	}, in.Query)
}

func (p *Precheck) runDeconPrompt(ctx context.Context, promptName string, vars map[string]any, fallback string) (string, bool, error) {
	rendered, err := p.cfg.Prompts.Render(promptName, vars)
	if err != nil {
		return fallback, false, nil
	}
	resp, err := p.cfg.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return fallback, false, fmt.Errorf("precheck: decon llm call: %w", err)
	}
	var parsed deconResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil || parsed.Query == "" {
		return fallback, false, nil
	}
	return parsed.Query, parsed.Requires, nil
}
