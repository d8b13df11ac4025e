package transport

import (
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/sse"
)

// sender is the subset of *sse.Writer the Emitter needs, so tests can
// substitute a fake without standing up an HTTP response recorder.
type sender interface {
	SendData(data any) error
}

// Emitter adapts a single request's sse.Writer into the narrower Sink
// interfaces internal/precheck and internal/ranker expect, stamping every frame with the query_id and message_type
// envelope and rejecting anything outside the closed message vocabulary.
type Emitter struct {
	writer  sender
	queryID string
}

// NewEmitter wraps writer for queryID.
func NewEmitter(writer sender, queryID string) *Emitter {
	return &Emitter{writer: writer, queryID: queryID}
}

// Send encodes and writes one SSE frame. It is the single choke point
// every other method funnels through, so the closed-vocabulary check only
// needs to live in one place.
func (e *Emitter) Send(t MessageType, payload map[string]any) error {
	if !t.valid() {
		return &ErrUnrecognizedMessageType{Type: t}
	}
	return e.writer.SendData(Envelope{Type: t, QueryID: e.queryID, Payload: payload})
}

// SendRemember implements internal/precheck.Sink.
func (e *Emitter) SendRemember(message string) error {
	return e.Send(MessageRemember, map[string]any{"message": message})
}

// SendAskUser implements internal/precheck.Sink.
func (e *Emitter) SendAskUser(message string) error {
	return e.Send(MessageAskUser, map[string]any{"message": message})
}

// SendSiteIrrelevant implements internal/precheck.Sink.
func (e *Emitter) SendSiteIrrelevant() error {
	return e.Send(MessageSiteIrrelevant, nil)
}

// SendResultBatch implements internal/ranker.Sink.
func (e *Emitter) SendResultBatch(items []*pipeline.RankedItem) error {
	return e.Send(MessageResultBatch, map[string]any{"items": marshalPayload(rankedItemSummaries(items))})
}

// SendAskingSites implements internal/ranker.Sink.
func (e *Emitter) SendAskingSites(sites []string) error {
	return e.Send(MessageAskingSites, map[string]any{"sites": sites})
}

// SendDecontextualizedQuery reports the precheck Decon step's outcome.
func (e *Emitter) SendDecontextualizedQuery(query string) error {
	return e.Send(MessageDecontextualizedQuery, map[string]any{"decontextualized_query": query})
}

// SendToolSelection reports the tool router's winning tool.
func (e *Emitter) SendToolSelection(tool string, score int) error {
	return e.Send(MessageToolSelection, map[string]any{"tool": tool, "score": score})
}

// SendQueryRewrite reports the precheck QueryRewrite step's candidates.
func (e *Emitter) SendQueryRewrite(queries []string) error {
	return e.Send(MessageQueryRewrite, map[string]any{"queries": queries})
}

// SendItemDetails emits one item_details message. Per spec.md, handlers
// stop sending after the first message, so callers must call this at
// most once per request.
func (e *Emitter) SendItemDetails(name, url, details string) error {
	return e.Send(MessageItemDetails, map[string]any{"name": name, "url": url, "details": details})
}

// SendCompareItems emits one compare_items message.
func (e *Emitter) SendCompareItems(item1, item2 *pipeline.RetrievedItem, comparison string) error {
	return e.Send(MessageCompareItems, map[string]any{
		"item1":      itemSummary(item1),
		"item2":      itemSummary(item2),
		"comparison": comparison,
	})
}

// SendSubstitutionSuggestions emits one substitution_suggestions message.
func (e *Emitter) SendSubstitutionSuggestions(needsSubstitution bool, suggestion string, recipes []*pipeline.RetrievedItem) error {
	return e.Send(MessageSubstitutionSuggest, map[string]any{
		"needs_substitution": needsSubstitution,
		"suggestion":         suggestion,
		"recipes":            itemSummaries(recipes),
	})
}

// SendNLWS emits the generate-mode synthesized answer plus per-URL
// descriptions.
func (e *Emitter) SendNLWS(answer string, descriptions map[string]string) error {
	return e.Send(MessageNLWS, map[string]any{"answer": answer, "descriptions": descriptions})
}

// SendSummary emits the summarize-mode summary text.
func (e *Emitter) SendSummary(summary string) error {
	return e.Send(MessageSummary, map[string]any{"summary": summary})
}

// SendResultsMap emits the address-derived map locations.
func (e *Emitter) SendResultsMap(locations []map[string]string) error {
	return e.Send(MessageResultsMap, map[string]any{"locations": locations})
}

// SendIntermediate emits a free-text progress update.
func (e *Emitter) SendIntermediate(message string) error {
	return e.Send(MessageIntermediate, map[string]any{"message": message})
}

// SendNoResults emits the terminal no_results message.
func (e *Emitter) SendNoResults() error {
	return e.Send(MessageNoResults, nil)
}

// SendError emits an error message, wrapping err's text.
func (e *Emitter) SendError(err error) error {
	if err == nil {
		return nil
	}
	return e.Send(MessageError, map[string]any{"error": err.Error()})
}

func itemSummary(item *pipeline.RetrievedItem) map[string]any {
	if item == nil {
		return nil
	}
	return map[string]any{"name": item.Name, "url": item.URL, "site": item.Site}
}

func itemSummaries(items []*pipeline.RetrievedItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = itemSummary(item)
	}
	return out
}

func rankedItemSummaries(items []*pipeline.RankedItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, ranked := range items {
		out[i] = map[string]any{
			"name":        ranked.Item.Name,
			"url":         ranked.Item.URL,
			"site":        ranked.Item.Site,
			"score":       ranked.Rank.Score,
			"description": ranked.Rank.Description,
		}
	}
	return out
}

// compile-time assertion that *sse.Writer satisfies sender.
var _ sender = (*sse.Writer)(nil)
