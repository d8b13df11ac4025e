// Package handlers implements the method handlers a tool-router decision
// dispatches to: search, item_details, compare_items, accompaniment and
// recipe_substitution, plus the /who endpoint's lightweight site-affinity
// lookup.
package handlers

import (
	"context"
	"sort"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
)

// Retriever is the subset of internal/retrieval.Aggregator the handlers
// need: similarity search and exact URL lookup.
type Retriever interface {
	Search(ctx context.Context, query string, sites []string) ([]*pipeline.RetrievedItem, error)
	SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error)
}

// Ranker is the subset of internal/ranker.Ranker the search and
// accompaniment handlers drive.
type Ranker interface {
	Rank(ctx context.Context, query string, items []*pipeline.RetrievedItem) ([]*pipeline.RankedItem, error)
}

// Handlers bundles the dependencies every method handler needs.
type Handlers struct {
	Retriever Retriever
	LLM       llm.Client
	Prompts   *prompts.Registry
}

// New constructs a Handlers bundle. Ranker instances are passed per-call
// (each handler invocation may want a different track/generate-mode), so
// they are not stored here.
func New(retriever Retriever, client llm.Client, reg *prompts.Registry) *Handlers {
	return &Handlers{Retriever: retriever, LLM: client, Prompts: reg}
}

// Search runs the default search handler: retrieve then rank, with
// whichever ranker the caller has configured for REGULAR_TRACK.
func (h *Handlers) Search(ctx context.Context, rnk Ranker, query string, sites []string) ([]*pipeline.RankedItem, error) {
	items, err := h.Retriever.Search(ctx, query, sites)
	if err != nil {
		return nil, err
	}
	return rnk.Rank(ctx, query, items)
}

func siteCounts(items []*pipeline.RetrievedItem) []string {
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Site]++
	}
	type entry struct {
		site  string
		count int
	}
	var ordered []entry
	for site, count := range counts {
		ordered = append(ordered, entry{site, count})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].count > ordered[j].count })

	out := make([]string, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, e.site)
	}
	return out
}

// Who resolves a query's top sites without running the ranking pipeline:
// retrieve, tally the Site field, return the top 5 by count. Grounded on
// the original analyze_query.py / WebServer.py /who endpoint.
func (h *Handlers) Who(ctx context.Context, query string) ([]string, error) {
	items, err := h.Retriever.Search(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	sites := siteCounts(items)
	if len(sites) > 5 {
		sites = sites[:5]
	}
	return sites, nil
}
