package handlers

import (
	"context"
	"fmt"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// Accompaniment temporarily rewrites the query to "{searchQuery} that
// would go well with {mainItem}" and runs the REGULAR_TRACK ranker against
// it, then hands back the ranked results under the caller's original
// query. The rewrite is local to this call: nothing upstream observes it.
func (h *Handlers) Accompaniment(ctx context.Context, rnk Ranker, searchQuery, mainItem string, sites []string) ([]*pipeline.RankedItem, error) {
	rewritten := fmt.Sprintf("%s that would go well with %s", searchQuery, mainItem)
	return h.Search(ctx, rnk, rewritten, sites)
}
