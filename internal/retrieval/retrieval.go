// Package retrieval implements the retriever aggregator: it fans a decontextualized
// query out to every configured vector backend concurrently, merges the
// results, and exposes the backend-agnostic operations (search, search by
// URL, list sites, upload, delete) the method handlers and admin surface
// need.
package retrieval

import (
	"context"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// Backend is the capability every vector store adapter implements. The
// aggregator treats every backend identically regardless of which vector
// database it wraps.
type Backend interface {
	// Name identifies the backend for logging, metrics labels and result
	// provenance (pipeline.RetrievedItem.Source).
	Name() string

	// Search runs a similarity search against one or more sites, returning
	// at most topK items in total.
	Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error)

	// SearchByURL fetches the single item stored under url, or nil if not found.
	SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error)

	// Sites lists every site name this backend currently holds documents for.
	Sites(ctx context.Context) ([]string, error)

	// Upload indexes or replaces the given items.
	Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error

	// DeleteBySite removes every item belonging to site.
	DeleteBySite(ctx context.Context, site string) error

	// Ping checks backend connectivity for readiness probes.
	Ping(ctx context.Context) error
}
