// Package schemaorg provides read/write helpers over the schema.org JSON-LD
// blobs retrieval backends attach to each item, using gjson for cheap
// path-based reads and sjson for targeted writes without a full
// unmarshal/marshal round trip.
package schemaorg

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Get reads a dotted gjson path out of a raw schema.org JSON-LD document.
func Get(raw []byte, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}

// String is a convenience wrapper around Get for plain string fields.
func String(raw []byte, path string) string {
	return Get(raw, path).String()
}

// AddressMap extracts a flattened map of address components from a
// schema.org PostalAddress subtree, the shape the post-rank stage needs to
// render a short location line under a result.
func AddressMap(raw []byte) map[string]string {
	addr := Get(raw, "address")
	if !addr.Exists() {
		return nil
	}

	out := make(map[string]string)
	for _, field := range []string{
		"streetAddress", "addressLocality", "addressRegion",
		"postalCode", "addressCountry",
	} {
		if v := addr.Get(field); v.Exists() {
			out[field] = v.String()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SetSummary writes a generated summary string back onto the JSON-LD
// document at $.nlweb_summary, returning the updated document. The original
// document, including fields this package does not understand, is
// preserved untouched.
func SetSummary(raw []byte, summary string) ([]byte, error) {
	return sjson.SetBytes(raw, "nlweb_summary", summary)
}
