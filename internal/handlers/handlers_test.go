package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
)

type fakeRetriever struct {
	searchResults map[string][]*pipeline.RetrievedItem
	byURL         map[string]*pipeline.RetrievedItem
}

func (f *fakeRetriever) Search(ctx context.Context, query string, sites []string) ([]*pipeline.RetrievedItem, error) {
	return f.searchResults[query], nil
}

func (f *fakeRetriever) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	return f.byURL[url], nil
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

type scriptedLLM struct {
	respond func(content string) string
}

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.respond(req.Messages[0].Content)}, nil
}

type fakeRanker struct {
	result   []*pipeline.RankedItem
	gotQuery string
	gotItems []*pipeline.RetrievedItem
}

func (f *fakeRanker) Rank(ctx context.Context, query string, items []*pipeline.RetrievedItem) ([]*pipeline.RankedItem, error) {
	f.gotQuery = query
	f.gotItems = items
	return f.result, nil
}

func newRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Register("ItemMatchingPrompt", "match {{.item_name}} against {{.name}}", nil)
	reg.Register("CompareItemsPrompt", "compare {{.item1_name}} vs {{.item2_name}}", nil)
	reg.Register("CompareItemDetailsPrompt", "compare details {{.item1_name}} vs {{.item2_name}}", nil)
	reg.Register("RecipeSubstitutionPrompt", "substitute for {{.dietary_need}}", nil)
	return reg
}

func TestItemDetailsByURLSendsImmediately(t *testing.T) {
	retriever := &fakeRetriever{byURL: map[string]*pipeline.RetrievedItem{
		"https://a.test": {URL: "https://a.test", Name: "Classic Burger"},
	}}
	body, _ := json.Marshal(itemMatchResponse{Score: 90, Details: "ingredients: beef, bun"})
	llmClient := &scriptedLLM{respond: func(string) string { return string(body) }}
	h := New(retriever, llmClient, newRegistry(t))

	result, err := h.ItemDetails(context.Background(), ItemDetailsRequest{ItemURL: "https://a.test", DetailsRequested: "ingredients"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Name != "Classic Burger" || result.Details == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestItemDetailsBuffersBelowSendThreshold(t *testing.T) {
	retriever := &fakeRetriever{searchResults: map[string][]*pipeline.RetrievedItem{
		"burger": {
			{URL: "https://a.test", Name: "a"},
			{URL: "https://b.test", Name: "b"},
		},
	}}
	scoreByCandidate := map[string]int{"against a": 65, "against b": 62}
	llmClient := &scriptedLLM{respond: func(content string) string {
		for marker, score := range scoreByCandidate {
			if contains(content, marker) {
				body, _ := json.Marshal(itemMatchResponse{Score: score, Details: "d"})
				return string(body)
			}
		}
		return "{}"
	}}

	h := New(retriever, llmClient, newRegistry(t))
	result, err := h.ItemDetails(context.Background(), ItemDetailsRequest{ItemName: "burger"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Score != 65 {
		t.Fatalf("expected the higher buffered candidate (65) to win, got %+v", result)
	}
}

func TestCompareItemsResolvesBothConcurrently(t *testing.T) {
	retriever := &fakeRetriever{byURL: map[string]*pipeline.RetrievedItem{
		"https://a.test": {URL: "https://a.test", Name: "apple pie"},
		"https://b.test": {URL: "https://b.test", Name: "cherry pie"},
	}}
	body, _ := json.Marshal(map[string]any{"comparison": "apple pie is sweeter"})
	llmClient := &scriptedLLM{respond: func(string) string { return string(body) }}
	h := New(retriever, llmClient, newRegistry(t))

	result, err := h.CompareItems(context.Background(), CompareItemsRequest{
		Item1URL: "https://a.test",
		Item2URL: "https://b.test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Item1.Name != "apple pie" || result.Item2.Name != "cherry pie" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Comparison == "" {
		t.Fatal("expected a non-empty comparison")
	}
}

func TestAccompanimentRewritesQuery(t *testing.T) {
	var gotQuery string
	ranker := &fakeRanker{result: []*pipeline.RankedItem{{Item: &pipeline.RetrievedItem{Name: "wine"}, Rank: pipeline.Ranking{Score: 80}}}}
	retriever := &fakeRetriever{searchResults: map[string][]*pipeline.RetrievedItem{}}
	h := New(retriever, &scriptedLLM{respond: func(string) string { return "{}" }}, newRegistry(t))

	retriever.searchResults = map[string][]*pipeline.RetrievedItem{
		"steak that would go well with red wine": {{Name: "wine"}},
	}
	out, err := h.Accompaniment(context.Background(), ranker, "steak", "red wine", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected ranker result to pass through, got %v", out)
	}
	gotQuery = ranker.gotQuery
	if gotQuery != "steak that would go well with red wine" || len(ranker.gotItems) != 1 {
		t.Fatalf("expected rewritten query to be searched and ranked, got %q with %d items", gotQuery, len(ranker.gotItems))
	}
}

func TestRecipeSubstitutionNoResultsIsEmpty(t *testing.T) {
	retriever := &fakeRetriever{searchResults: map[string][]*pipeline.RetrievedItem{}}
	h := New(retriever, &scriptedLLM{respond: func(string) string { return "{}" }}, newRegistry(t))

	result, err := h.RecipeSubstitution(context.Background(), RecipeSubstitutionRequest{Query: "vegan lasagna"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.NeedsSubstitution {
		t.Fatalf("expected empty, non-substitution result, got %+v", result)
	}
}

func TestRecipeSubstitutionDetectsNeed(t *testing.T) {
	retriever := &fakeRetriever{searchResults: map[string][]*pipeline.RetrievedItem{
		"lasagna": {{Name: "Classic Lasagna"}},
	}}
	body, _ := json.Marshal(substitutionResponse{NeedsSubstitution: true, Suggestion: "use almond milk instead of dairy"})
	h := New(retriever, &scriptedLLM{respond: func(string) string { return string(body) }}, newRegistry(t))

	result, err := h.RecipeSubstitution(context.Background(), RecipeSubstitutionRequest{Query: "lasagna", DietaryNeed: "dairy-free"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.NeedsSubstitution || result.Suggestion == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWhoReturnsTopSites(t *testing.T) {
	retriever := &fakeRetriever{searchResults: map[string][]*pipeline.RetrievedItem{
		"pizza": {
			{Site: "a"}, {Site: "a"}, {Site: "b"}, {Site: "c"},
		},
	}}
	h := New(retriever, &scriptedLLM{respond: func(string) string { return "{}" }}, newRegistry(t))

	sites, err := h.Who(context.Background(), "pizza")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sites) != 3 || sites[0] != "a" {
		t.Fatalf("unexpected sites order: %v", sites)
	}
}
