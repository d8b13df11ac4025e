package postrank

import (
	"strings"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// addressThreshold is the fraction of results that must carry a schema.org
// address before a results_map message is emitted.
const addressThreshold = 0.5

// Location is one results_map entry.
type Location struct {
	Title   string
	Address string
}

// DetectAddresses scans items for schema.org address fields. It returns
// the flattened locations and true if at least addressThreshold of the
// items carry one.
func DetectAddresses(items []*pipeline.RankedItem) ([]Location, bool) {
	if len(items) == 0 {
		return nil, false
	}

	var locations []Location
	for _, ranked := range items {
		addr := addressOf(ranked.Item)
		if addr == nil {
			continue
		}
		locations = append(locations, Location{
			Title:   ranked.Item.Name,
			Address: flattenAddress(addr),
		})
	}

	hasEnough := float64(len(locations))/float64(len(items)) >= addressThreshold
	if !hasEnough {
		return nil, false
	}
	return locations, true
}

func flattenAddress(addr map[string]string) string {
	order := []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"}
	var parts []string
	for _, field := range order {
		if v, ok := addr[field]; ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}
