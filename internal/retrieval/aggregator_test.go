package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

type fakeBackend struct {
	name    string
	items   []*pipeline.RetrievedItem
	sites   []string
	err     error
	pingErr error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeBackend) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	for _, item := range f.items {
		if item.URL == url {
			return item, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) Sites(ctx context.Context) ([]string, error) { return f.sites, f.err }

func (f *fakeBackend) Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error {
	return f.err
}

func (f *fakeBackend) DeleteBySite(ctx context.Context, site string) error { return f.err }

func (f *fakeBackend) Ping(ctx context.Context) error { return f.pingErr }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func TestAggregatorSearchDedupsByURL(t *testing.T) {
	backendA := &fakeBackend{name: "a", items: []*pipeline.RetrievedItem{
		{URL: "https://example.com/1", Score: 0.9},
		{URL: "https://example.com/2", Score: 0.5},
	}}
	backendB := &fakeBackend{name: "b", items: []*pipeline.RetrievedItem{
		{URL: "https://example.com/1", Score: 0.95},
		{URL: "https://example.com/3", Score: 0.7},
	}}

	agg, err := New(Config{Backends: []Backend{backendA, backendB}, Embedder: fakeEmbedder{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := agg.Search(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 deduplicated items, got %d", len(items))
	}
}

func TestAggregatorSearchPreservesBackendOrder(t *testing.T) {
	backendA := &fakeBackend{name: "a", items: []*pipeline.RetrievedItem{
		{URL: "https://example.com/low", Score: 0.1},
		{URL: "https://example.com/1", Score: 0.2},
	}}
	backendB := &fakeBackend{name: "b", items: []*pipeline.RetrievedItem{
		{URL: "https://example.com/1", Score: 0.95},
		{URL: "https://example.com/high", Score: 0.99},
	}}

	agg, err := New(Config{Backends: []Backend{backendA, backendB}, Embedder: fakeEmbedder{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := agg.Search(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"https://example.com/low", "https://example.com/1", "https://example.com/high"}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for i, url := range want {
		if items[i].URL != url {
			t.Fatalf("item %d: got %q, want %q (dedup must not re-sort by score)", i, items[i].URL, url)
		}
	}
	if items[1].Score != 0.2 {
		t.Fatalf("expected the first-seen duplicate's score (backend a) to win, got %v", items[1].Score)
	}
}

func TestAggregatorSearchAllBackendsFail(t *testing.T) {
	backendA := &fakeBackend{name: "a", err: errors.New("boom")}
	agg, err := New(Config{Backends: []Backend{backendA}, Embedder: fakeEmbedder{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = agg.Search(context.Background(), "query", nil)
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
}

func TestAggregatorPingReportsFailures(t *testing.T) {
	healthy := &fakeBackend{name: "healthy"}
	unhealthy := &fakeBackend{name: "unhealthy", pingErr: errors.New("down")}
	agg, err := New(Config{Backends: []Backend{healthy, unhealthy}, Embedder: fakeEmbedder{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failures := agg.Ping(context.Background())
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d: %v", len(failures), failures)
	}
	if _, ok := failures["unhealthy"]; !ok {
		t.Fatalf("expected unhealthy backend to be reported, got %v", failures)
	}
}

func TestNewRequiresBackendsAndEmbedder(t *testing.T) {
	if _, err := New(Config{Embedder: fakeEmbedder{}}); err == nil {
		t.Fatal("expected error with no backends")
	}
	if _, err := New(Config{Backends: []Backend{&fakeBackend{name: "a"}}}); err == nil {
		t.Fatal("expected error with no embedder")
	}
}
