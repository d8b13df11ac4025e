package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/toolxml"
)

type scriptedLLM struct {
	scores map[string]int
}

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	content := req.Messages[0].Content
	for tool, score := range s.scores {
		if strings.Contains(content, tool) {
			body, _ := json.Marshal(toolPromptResponse{Score: score, Justification: "because"})
			return &llm.Response{Text: string(body)}, nil
		}
	}
	body, _ := json.Marshal(toolPromptResponse{Score: 0})
	return &llm.Response{Text: string(body)}, nil
}

func newRegistry(names ...string) *prompts.Registry {
	reg, _ := prompts.Load()
	for _, n := range names {
		reg.Register(n, "score tool={{.tool}} query={{.query}}", nil)
	}
	return reg
}

func TestRouteEarlyWinCancelsRemaining(t *testing.T) {
	tools := []*toolxml.Tool{
		{Name: "item_details", SchemaType: "Item", Prompt: "ItemDetailsPrompt"},
		{Name: "compare_items", SchemaType: "Item", Prompt: "CompareItemsPrompt"},
	}
	reg := newRegistry("ItemDetailsPrompt", "CompareItemsPrompt")
	r, err := New(&scriptedLLM{scores: map[string]int{"item_details": 95, "compare_items": 50}}, reg, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	winner, all, abort, err := r.Route(context.Background(), "q", "Item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.Tool != "item_details" {
		t.Fatalf("expected item_details to win, got %q", winner.Tool)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one surviving result, got %d", len(all))
	}
	if !abort {
		t.Fatal("expected abort_fast_track to be requested for a non-search winner")
	}
}

func TestRouteFallsBackToSearch(t *testing.T) {
	tools := []*toolxml.Tool{
		{Name: "item_details", SchemaType: "Item", Prompt: "ItemDetailsPrompt"},
	}
	reg := newRegistry("ItemDetailsPrompt")
	r, err := New(&scriptedLLM{scores: map[string]int{"item_details": 10}}, reg, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	winner, _, abort, err := r.Route(context.Background(), "q", "Item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.Tool != "search" {
		t.Fatalf("expected fallback to search, got %q", winner.Tool)
	}
	if abort {
		t.Fatal("search winner must not abort fast track")
	}
}

func TestRouteNoApplicableTools(t *testing.T) {
	r, err := New(&scriptedLLM{scores: map[string]int{}}, newRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	winner, _, abort, err := r.Route(context.Background(), "q", "Item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.Tool != "search" || abort {
		t.Fatalf("expected default search result, got %+v abort=%v", winner, abort)
	}
}
