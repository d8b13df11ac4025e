package ranker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
)

type fakeLLM struct {
	scoreFor func(item string) int
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	score := f.scoreFor(req.Messages[0].Content)
	body, _ := json.Marshal(promptResponse{Score: score, Description: "d"})
	return &llm.Response{Text: string(body)}, nil
}

type fakeGate struct {
	mu               sync.Mutex
	abort            bool
	sentURLs         map[string]struct{}
	fastTrackWorked  bool
	askingSitesCalls int
}

func (g *fakeGate) WaitPreChecksDone(ctx context.Context) error { return nil }
func (g *fakeGate) ShouldAbortFastTrack() bool                  { return g.abort }

func (g *fakeGate) RecordSent(item *pipeline.RankedItem) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sentURLs == nil {
		g.sentURLs = make(map[string]struct{})
	}
	if _, already := g.sentURLs[item.Item.URL]; already {
		return false
	}
	g.sentURLs[item.Item.URL] = struct{}{}
	return true
}

func (g *fakeGate) MarkFastTrackWorked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fastTrackWorked = true
}

func (g *fakeGate) MarkAskingSitesSent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.askingSitesCalls++
	return g.askingSitesCalls == 1
}

type fakeSink struct {
	mu    sync.Mutex
	sent  []*pipeline.RankedItem
	sites []string
}

func (s *fakeSink) SendResultBatch(items []*pipeline.RankedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, items...)
	return nil
}

func (s *fakeSink) SendAskingSites(sites []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = sites
	return nil
}

func newTestRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return reg
}

func TestRankerRankEmptyItems(t *testing.T) {
	r, err := New(Config{
		LLM:     &fakeLLM{scoreFor: func(string) int { return 0 }},
		Prompts: newTestRegistry(t),
		Gate:    &fakeGate{},
		Sink:    &fakeSink{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := r.Rank(context.Background(), "q", nil)
	if err != nil || out != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", out, err)
	}
}

func TestRankerForcedFlushAboveThreshold(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("RankingPrompt.site.Item", "score {{.name}}", nil)

	sink := &fakeSink{}
	r, err := New(Config{
		LLM:     &fakeLLM{scoreFor: func(string) int { return 55 }},
		Prompts: reg,
		Gate:    &fakeGate{},
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items := []*pipeline.RetrievedItem{
		{URL: "https://a.test", Name: "a", Site: "site", Schema: map[string]any{"@type": "Item"}},
		{URL: "https://b.test", Name: "b", Site: "site", Schema: map[string]any{"@type": "Item"}},
	}
	final, err := r.Rank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(final) != 2 {
		t.Fatalf("expected 2 final ranked answers, got %d", len(final))
	}
	if len(sink.sent) == 0 {
		t.Fatal("expected at least one result batch to be sent")
	}
}

func TestRankerFastTrackAbortsSilently(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("RankingPrompt.site.Item", "score {{.name}}", nil)

	sink := &fakeSink{}
	r, err := New(Config{
		LLM:     &fakeLLM{scoreFor: func(string) int { return 90 }},
		Prompts: reg,
		Track:   FastTrack,
		Gate:    &fakeGate{abort: true},
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items := []*pipeline.RetrievedItem{
		{URL: "https://a.test", Name: "a", Site: "site", Schema: map[string]any{"@type": "Item"}},
	}
	final, err := r.Rank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final != nil {
		t.Fatalf("expected aborted fast track to return nil, got %v", final)
	}
}

func TestRankerFastTrackSendsBeforePrecheckApproval(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("RankingPrompt.site.Item", "score {{.name}}", nil)

	sink := &fakeSink{}
	gate := &fakeGate{} // abort=false, and never approved: mirrors a
	// precheck pass that hasn't resolved yet, which is exactly when
	// fast-track needs to be able to send.
	r, err := New(Config{
		LLM:     &fakeLLM{scoreFor: func(string) int { return 90 }},
		Prompts: reg,
		Track:   FastTrack,
		Gate:    gate,
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items := []*pipeline.RetrievedItem{
		{URL: "https://a.test", Name: "a", Site: "site", Schema: map[string]any{"@type": "Item"}},
	}
	final, err := r.Rank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(final) != 1 {
		t.Fatalf("expected fast track to publish its one item, got %v", final)
	}
	if len(sink.sent) == 0 {
		t.Fatal("expected fast track to send a result batch before precheck ever approves")
	}
	if !gate.fastTrackWorked {
		t.Fatal("expected fast track to mark itself as having worked")
	}
}

func TestRankerAskingSitesSentOncePerRequest(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("RankingPrompt.site.Item", "score {{.name}}", nil)

	sink := &fakeSink{}
	gate := &fakeGate{}
	items := []*pipeline.RetrievedItem{
		{URL: "https://a.test", Name: "a", Site: "site", Schema: map[string]any{"@type": "Item"}},
	}

	for _, track := range []Track{FastTrack, RegularTrack} {
		r, err := New(Config{
			LLM:              &fakeLLM{scoreFor: func(string) int { return 0 }},
			Prompts:          reg,
			Track:            track,
			Gate:             gate,
			Sink:             sink,
			OfferSiteSummary: true,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := r.Rank(context.Background(), "q", items); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if gate.askingSitesCalls != 2 {
		t.Fatalf("expected both passes to attempt asking_sites, got %d attempts", gate.askingSitesCalls)
	}
	if sink.sites == nil {
		t.Fatal("expected asking_sites to be sent once")
	}
}

func TestRankerAskingSitesSkippedWhenSiteScoped(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("RankingPrompt.site.Item", "score {{.name}}", nil)

	sink := &fakeSink{}
	gate := &fakeGate{}
	r, err := New(Config{
		LLM:              &fakeLLM{scoreFor: func(string) int { return 0 }},
		Prompts:          reg,
		Gate:             gate,
		Sink:             sink,
		OfferSiteSummary: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := []*pipeline.RetrievedItem{
		{URL: "https://a.test", Name: "a", Site: "site", Schema: map[string]any{"@type": "Item"}},
	}
	if _, err := r.Rank(context.Background(), "q", items); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gate.askingSitesCalls != 0 {
		t.Fatal("expected asking_sites to never be attempted when site-scoped")
	}
	if sink.sites != nil {
		t.Fatal("expected no asking_sites message when site-scoped")
	}
}
