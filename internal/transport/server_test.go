package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nlweb-go/nlweb/internal/config"
	"github.com/nlweb-go/nlweb/internal/handlers"
	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/postrank"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/router"
	"github.com/nlweb-go/nlweb/internal/toolxml"
)

func TestIsFalsy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{{"false", true}, {"False", true}, {"0", true}, {"true", false}, {"", false}} {
		if got := isFalsy(tc.in); got != tc.want {
			t.Errorf("isFalsy(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeSitesMapsAllAndNlws(t *testing.T) {
	got := normalizeSites([]string{"all", "NLWS", "example.com"})
	want := []string{"all", "all", "example.com"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalizeSites = %v, want %v", got, want)
		}
	}
}

func TestSplitRepeatableCommaAndMultiValue(t *testing.T) {
	got := splitRepeatable([]string{"a,b", " c "})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitRepeatable = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitRepeatable = %v, want %v", got, want)
		}
	}
}

func TestParseAskParamsDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ask?query=burgers&site=all&prev=pizza", nil)
	p := parseAskParams(r)
	if p.Query != "burgers" {
		t.Fatalf("unexpected query: %q", p.Query)
	}
	if !p.Streaming {
		t.Fatal("expected streaming to default true")
	}
	if p.GenerateMode != "list" {
		t.Fatalf("expected default generate_mode list, got %q", p.GenerateMode)
	}
	if p.QueryID == "" {
		t.Fatal("expected a generated query_id")
	}
	if len(p.PrevQueries) != 1 || p.PrevQueries[0] != "pizza" {
		t.Fatalf("unexpected prev queries: %v", p.PrevQueries)
	}
}

type fakeRetriever struct {
	items []*pipeline.RetrievedItem
}

func (f *fakeRetriever) Search(ctx context.Context, query string, sites []string) ([]*pipeline.RetrievedItem, error) {
	return f.items, nil
}

func (f *fakeRetriever) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	for _, item := range f.items {
		if item.URL == url {
			return item, nil
		}
	}
	return nil, nil
}

func (f *fakeRetriever) Ping(ctx context.Context) map[string]error {
	return nil
}

type staticLLM struct{}

func (staticLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "{}"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := llm.NewRegistry(map[string]llm.Client{"default": staticLLM{}}, "default")
	if err != nil {
		t.Fatalf("llm.NewRegistry: %v", err)
	}
	prompts := &prompts.Registry{}
	items := []*pipeline.RetrievedItem{
		{URL: "https://a.example/1", Name: "Veggie Burger", Site: "a.example"},
		{URL: "https://a.example/2", Name: "Veggie Wrap", Site: "a.example"},
	}
	retriever := &fakeRetriever{items: items}
	rtr, err := router.New(staticLLM{}, prompts, []*toolxml.Tool{})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	h := handlers.New(retriever, staticLLM{}, prompts)
	pr := postrank.New(staticLLM{}, prompts)

	cfg := &config.Registry{Mode: config.ModeProduction}

	return New(Dependencies{
		Config:    cfg,
		LLM:       reg,
		Prompts:   prompts,
		Retriever: retriever,
		Router:    rtr,
		Handlers:  h,
		PostRank:  pr,
		FetchByURL: func(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
			return retriever.SearchByURL(ctx, url)
		},
	})
}

func TestHandleReadyOK(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %v", body)
	}
}

func TestHandleWhoReturnsSites(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.handleWho(w, httptest.NewRequest(http.MethodGet, "/who?query=burgers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	sites, ok := body["sites"].([]any)
	if !ok || len(sites) == 0 {
		t.Fatalf("expected at least one site, got %v", body)
	}
}

func TestHandleWhoRequiresQuery(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.handleWho(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// TestAskBufferedSmoke exercises the full precheck/route/dispatch pipeline
// with no prompts registered and no tools configured, asserting it
// degrades to the default search handler without error rather than
// checking exact ranked output (scoring silently drops every item since
// no ranking prompt is registered, which is expected fail-safe behavior).
func TestAskBufferedSmoke(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ask?query=burgers&streaming=false", nil)
	srv.handleAsk(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := body["messages"]; !ok {
		t.Fatalf("expected a messages field, got %v", body)
	}
}

func TestNeedsToolRouting(t *testing.T) {
	for _, tc := range []struct {
		mode string
		want bool
	}{{"list", true}, {"", true}, {"summarize", false}, {"generate", false}} {
		if got := needsToolRouting(tc.mode); got != tc.want {
			t.Errorf("needsToolRouting(%q) = %v, want %v", tc.mode, got, tc.want)
		}
	}
}

func TestOffersSiteSummary(t *testing.T) {
	if !offersSiteSummary(nil) {
		t.Error("expected no site scope to offer a site summary")
	}
	if !offersSiteSummary([]string{"all"}) {
		t.Error("expected the normalized all-sites sentinel to offer a site summary")
	}
	if offersSiteSummary([]string{"a.example"}) {
		t.Error("expected a site-scoped request not to offer a site summary")
	}
}

// TestAskSummarizeModeSkipsToolRouting exercises the generate_mode=summarize
// path end to end and asserts no tool_selection message is ever sent, since
// summarize/generate modes always answer from ranked items directly.
func TestAskSummarizeModeSkipsToolRouting(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ask?query=burgers&streaming=false&generate_mode=summarize", nil)
	srv.handleAsk(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	messages, _ := body["messages"].([]any)
	for _, m := range messages {
		frame, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if frame["message_type"] == "tool_selection" {
			t.Fatalf("expected no tool_selection message in summarize mode, got %v", messages)
		}
	}
}

// irrelevantLLM answers every completion with {"irrelevant": true}, so
// TestAskIrrelevantQuerySendsOneMessage
// can drive the precheck Relevance step to its abort branch deterministically.
type irrelevantLLM struct{}

func (irrelevantLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: `{"irrelevant": true}`}, nil
}

// TestAskIrrelevantQuerySendsOneMessage asserts the irrelevant-query path
// emits exactly one user-visible explanatory message (site_is_irrelevant_to_query),
// not a second no_results message on top of it.
func TestAskIrrelevantQuerySendsOneMessage(t *testing.T) {
	reg, err := llm.NewRegistry(map[string]llm.Client{"default": irrelevantLLM{}}, "default")
	if err != nil {
		t.Fatalf("llm.NewRegistry: %v", err)
	}
	promptsReg, err := prompts.Load()
	if err != nil {
		t.Fatalf("prompts.Load: %v", err)
	}
	promptsReg.Register("RelevancePrompt", "irrelevant?", nil)
	items := []*pipeline.RetrievedItem{{URL: "https://a.example/1", Name: "Veggie Burger", Site: "a.example"}}
	retriever := &fakeRetriever{items: items}
	rtr, err := router.New(irrelevantLLM{}, promptsReg, []*toolxml.Tool{})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	h := handlers.New(retriever, irrelevantLLM{}, promptsReg)
	pr := postrank.New(irrelevantLLM{}, promptsReg)
	cfg := &config.Registry{Mode: config.ModeProduction}

	srv := New(Dependencies{
		Config:    cfg,
		LLM:       reg,
		Prompts:   promptsReg,
		Retriever: retriever,
		Router:    rtr,
		Handlers:  h,
		PostRank:  pr,
		FetchByURL: func(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
			return retriever.SearchByURL(ctx, url)
		},
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ask?query=burgers&site=unrelated.example&streaming=false", nil)
	srv.handleAsk(w, r)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	messages, _ := body["messages"].([]any)
	var userVisible int
	for _, m := range messages {
		frame, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch frame["message_type"] {
		case "site_is_irrelevant_to_query", "no_results":
			userVisible++
		}
	}
	if userVisible != 1 {
		t.Fatalf("expected exactly one irrelevant/no_results message, got %d: %v", userVisible, messages)
	}
}

func TestRequireQueryOnAsk(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ask", nil)
	srv.handleAsk(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
