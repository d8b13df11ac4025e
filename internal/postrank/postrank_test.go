package postrank

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
)

type scriptedLLM struct {
	respond func(content string) string
}

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.respond(req.Messages[0].Content)}, nil
}

func newRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Register("SummarizeResultsPrompt", "summarize {{.query}}", nil)
	reg.Register("SynthesizePromptForGenerate", "synthesize {{.query}}", nil)
	reg.Register("DescriptionPromptForGenerate", "describe {{.name}}", nil)
	return reg
}

func itemWithAddress(name, street, locality string) *pipeline.RankedItem {
	return &pipeline.RankedItem{
		Item: &pipeline.RetrievedItem{
			Name: name,
			URL:  "https://" + name + ".test",
			Schema: map[string]any{
				"address": map[string]any{
					"streetAddress":   street,
					"addressLocality": locality,
				},
			},
		},
		Rank: pipeline.Ranking{Score: 80},
	}
}

func TestDetectAddressesMajorityTriggersMap(t *testing.T) {
	items := []*pipeline.RankedItem{
		itemWithAddress("a", "1 Main St", "Springfield"),
		itemWithAddress("b", "2 Oak Ave", "Springfield"),
		{Item: &pipeline.RetrievedItem{Name: "c"}, Rank: pipeline.Ranking{Score: 70}},
	}
	locations, ok := DetectAddresses(items)
	if !ok {
		t.Fatal("expected 2/3 addressed items to trigger a results_map")
	}
	if len(locations) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(locations))
	}
	if locations[0].Address == "" {
		t.Fatal("expected a flattened address string")
	}
}

func TestDetectAddressesMinorityDoesNotTrigger(t *testing.T) {
	items := []*pipeline.RankedItem{
		itemWithAddress("a", "1 Main St", "Springfield"),
		{Item: &pipeline.RetrievedItem{Name: "b"}},
		{Item: &pipeline.RetrievedItem{Name: "c"}},
	}
	_, ok := DetectAddresses(items)
	if ok {
		t.Fatal("expected 1/3 addressed items to not trigger a results_map")
	}
}

func TestSummarizeTruncatesToThree(t *testing.T) {
	body, _ := json.Marshal(summarizeResponse{Summary: "short summary"})
	p := New(&scriptedLLM{respond: func(string) string { return string(body) }}, newRegistry(t))

	items := make([]*pipeline.RankedItem, 5)
	for i := range items {
		items[i] = &pipeline.RankedItem{Item: &pipeline.RetrievedItem{Name: "item"}, Rank: pipeline.Ranking{Score: 90 - i}}
	}

	summary, truncated, err := p.Summarize(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "short summary" {
		t.Fatalf("unexpected summary: %q", summary)
	}
	if len(truncated) != 3 {
		t.Fatalf("expected truncation to 3 items, got %d", len(truncated))
	}
}

func TestGenerateSynthesizesAndDescribes(t *testing.T) {
	p := New(&scriptedLLM{respond: func(content string) string {
		if contains(content, "synthesize") {
			body, _ := json.Marshal(synthesizeResponse{Answer: "here's the answer"})
			return string(body)
		}
		body, _ := json.Marshal(descriptionResponse{Description: "a nice item"})
		return string(body)
	}}, newRegistry(t))

	items := []*pipeline.RankedItem{
		{Item: &pipeline.RetrievedItem{Name: "a", URL: "https://a.test"}, Rank: pipeline.Ranking{Score: 80}},
		{Item: &pipeline.RetrievedItem{Name: "b", URL: "https://b.test"}, Rank: pipeline.Ranking{Score: 70}},
	}

	result, err := p.Generate(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "here's the answer" {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
	if len(result.Descriptions) != 2 {
		t.Fatalf("expected 2 descriptions, got %d", len(result.Descriptions))
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestGenerateEmptyItems(t *testing.T) {
	p := New(&scriptedLLM{respond: func(string) string { return "{}" }}, newRegistry(t))
	result, err := p.Generate(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "" || len(result.Descriptions) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}
