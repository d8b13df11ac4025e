package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// RecipeSubstitutionRequest is one recipe_substitution tool invocation's
// parameters.
type RecipeSubstitutionRequest struct {
	Query           string
	DietaryNeed     string
	UnavailableItem string
	Sites           []string
}

// RecipeSubstitutionResult is the substitution_suggestions message payload.
// NeedsSubstitution is false when every candidate recipe already satisfies
// the dietary need/availability constraint; Recipes then holds the
// matching recipes to report back unmodified.
type RecipeSubstitutionResult struct {
	NeedsSubstitution bool
	Suggestion        string
	Recipes           []*pipeline.RetrievedItem
}

type substitutionResponse struct {
	NeedsSubstitution bool   `json:"needs_substitution"`
	Suggestion        string `json:"suggestion"`
}

// RecipeSubstitution searches for recipes matching req.Query, then asks an
// LLM whether any of them need ingredient substitutions for the declared
// dietary need or unavailable ingredient.
func (h *Handlers) RecipeSubstitution(ctx context.Context, req RecipeSubstitutionRequest) (*RecipeSubstitutionResult, error) {
	recipes, err := h.Retriever.Search(ctx, req.Query, req.Sites)
	if err != nil {
		return nil, err
	}
	if len(recipes) == 0 {
		return &RecipeSubstitutionResult{Recipes: nil}, nil
	}

	rendered, err := h.Prompts.Render("RecipeSubstitutionPrompt", map[string]any{
		"query":            req.Query,
		"dietary_need":     req.DietaryNeed,
		"unavailable_item": req.UnavailableItem,
		"recipes":          recipeSummaries(recipes),
	})
	if err != nil {
		return nil, fmt.Errorf("handlers: rendering RecipeSubstitutionPrompt: %w", err)
	}

	resp, err := h.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return nil, fmt.Errorf("handlers: RecipeSubstitutionPrompt llm call: %w", err)
	}

	var parsed substitutionResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, fmt.Errorf("handlers: parsing RecipeSubstitutionPrompt response: %w", err)
	}

	return &RecipeSubstitutionResult{
		NeedsSubstitution: parsed.NeedsSubstitution,
		Suggestion:        parsed.Suggestion,
		Recipes:           recipes,
	}, nil
}

func recipeSummaries(items []*pipeline.RetrievedItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = map[string]any{"name": item.Name, "schema": item.Schema}
	}
	return out
}
