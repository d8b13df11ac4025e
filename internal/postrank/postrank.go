// Package postrank implements the stages that run after the ranker
// flushes: address-map detection for map-style results, summarize-mode
// truncation and summarization, and generate-mode synthesis with
// per-item descriptions.
package postrank

import (
	"encoding/json"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/schemaorg"
)

// PostRank bundles the dependencies the summarize and generate stages need.
type PostRank struct {
	LLM     llm.Client
	Prompts *prompts.Registry
}

// New constructs a PostRank.
func New(client llm.Client, reg *prompts.Registry) *PostRank {
	return &PostRank{LLM: client, Prompts: reg}
}

func schemaBytes(item *pipeline.RetrievedItem) []byte {
	if item == nil || item.Schema == nil {
		return nil
	}
	b, err := json.Marshal(item.Schema)
	if err != nil {
		return nil
	}
	return b
}

// addressOf extracts a flattened address map, if any, via
// internal/schemaorg.AddressMap.
func addressOf(item *pipeline.RetrievedItem) map[string]string {
	return schemaorg.AddressMap(schemaBytes(item))
}
