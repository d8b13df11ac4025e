package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"github.com/nlweb-go/nlweb/internal/embedding"
	"github.com/nlweb-go/nlweb/internal/metrics"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	syncpool "github.com/nlweb-go/nlweb/pkg/sync"
)

// Aggregator fans a query out to every registered backend concurrently and
// merges the results, deduplicating on URL so the same item returned by two
// backends is only counted once.
type Aggregator struct {
	backends []Backend
	embedder embedding.Embedder
	topK     int
	metrics  *metrics.Registry
}

// Config configures an Aggregator.
type Config struct {
	Backends []Backend
	Embedder embedding.Embedder
	// TopK bounds how many items each backend is asked for per search,
	// across all requested sites. <= 0 defaults to 50.
	TopK int
	// Metrics records per-backend call counts and latency if non-nil.
	Metrics *metrics.Registry
}

// New builds an Aggregator from cfg.
func New(cfg Config) (*Aggregator, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("retrieval: at least one backend is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder is required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 50
	}
	return &Aggregator{backends: cfg.Backends, embedder: cfg.Embedder, topK: topK, metrics: cfg.Metrics}, nil
}

// Search embeds query and fans the similarity search out to every backend
// concurrently, merging and deduplicating the results by URL. A failing
// backend does not fail the whole search: its error is dropped, and Search
// returns an error joining the backend errors only when no backend
// returned any item.
func (a *Aggregator) Search(ctx context.Context, query string, sites []string) ([]*pipeline.RetrievedItem, error) {
	vectors, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	vector := vectors[0]

	type result struct {
		items []*pipeline.RetrievedItem
		err   error
	}

	results := make([]result, len(a.backends))

	// A dedicated ants pool, wrapped in the package's Pool adapter, bounds
	// backend fan-out for the query-critical search path; Sites/Upload/
	// DeleteBySite stay on conc below since they need its error-joining,
	// off the request hot path.
	antsPool, err := ants.NewPool(len(a.backends))
	if err != nil {
		return nil, fmt.Errorf("retrieval: building fan-out pool: %w", err)
	}
	defer antsPool.Release()
	fanOut := syncpool.PoolOfAnts(antsPool)

	var wg sync.WaitGroup
	for i, backend := range a.backends {
		i, backend := i, backend
		wg.Add(1)
		if err := fanOut.Submit(func() {
			defer wg.Done()
			start := time.Now()
			items, err := backend.Search(ctx, vector, sites, a.topK)
			if a.metrics != nil {
				outcome := "ok"
				if err != nil {
					outcome = "error"
				}
				a.metrics.RetrievalRequests.WithLabelValues(backend.Name(), outcome).Inc()
				a.metrics.RetrievalLatency.WithLabelValues(backend.Name()).Observe(time.Since(start).Seconds())
			}
			results[i] = result{items: items, err: err}
		}); err != nil {
			wg.Done()
			results[i] = result{err: fmt.Errorf("submitting to fan-out pool: %w", err)}
		}
	}
	wg.Wait()

	var merged []*pipeline.RetrievedItem
	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.backends[i].Name(), r.err))
			continue
		}
		merged = append(merged, r.items...)
	}

	if len(merged) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("retrieval: every backend failed: %w", joinErrs(errs))
	}

	// Dedup keeps the first occurrence of a URL, in backend-config order,
	// and preserves that concatenation order rather than re-sorting by
	// score: callers interleave across backends deterministically, not by
	// relevance.
	deduped := lo.UniqBy(merged, func(item *pipeline.RetrievedItem) string { return item.URL })

	return deduped, nil
}

// SearchByURL checks every backend for url, returning the first match. Used
// by item_details and compare_items, which look up specific URLs rather
// than running a fresh similarity search.
func (a *Aggregator) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	for _, backend := range a.backends {
		item, err := backend.SearchByURL(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %s: %w", backend.Name(), err)
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

// Sites merges the site list from every backend.
func (a *Aggregator) Sites(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var all []string

	p := pool.New().WithMaxGoroutines(len(a.backends)).WithErrors()
	for _, backend := range a.backends {
		backend := backend
		p.Go(func() error {
			sites, err := backend.Sites(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", backend.Name(), err)
			}
			mu.Lock()
			all = append(all, sites...)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return lo.Uniq(all), nil
}

// Upload embeds and indexes items on every registered backend.
func (a *Aggregator) Upload(ctx context.Context, items []*pipeline.RetrievedItem) error {
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Name + " " + item.Description
	}
	vectors, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embedding upload batch: %w", err)
	}

	p := pool.New().WithMaxGoroutines(len(a.backends)).WithErrors()
	for _, backend := range a.backends {
		backend := backend
		p.Go(func() error {
			if err := backend.Upload(ctx, items, vectors); err != nil {
				return fmt.Errorf("%s: %w", backend.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// DeleteBySite removes every item for site from every registered backend.
func (a *Aggregator) DeleteBySite(ctx context.Context, site string) error {
	p := pool.New().WithMaxGoroutines(len(a.backends)).WithErrors()
	for _, backend := range a.backends {
		backend := backend
		p.Go(func() error {
			if err := backend.DeleteBySite(ctx, site); err != nil {
				return fmt.Errorf("%s: %w", backend.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Ping checks every backend's connectivity, returning a map of backend name
// to error for any backend that failed. An empty map means every backend is
// healthy.
func (a *Aggregator) Ping(ctx context.Context) map[string]error {
	var mu sync.Mutex
	failures := make(map[string]error)

	var wg sync.WaitGroup
	for _, backend := range a.backends {
		backend := backend
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := backend.Ping(ctx); err != nil {
				mu.Lock()
				failures[backend.Name()] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return failures
}

func joinErrs(errs []error) error {
	msg := errs[0]
	for _, e := range errs[1:] {
		msg = fmt.Errorf("%w; %w", msg, e)
	}
	return msg
}
