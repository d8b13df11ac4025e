// Package transport implements the SSE surface: per-request streaming of
// pipeline messages to the client over sse.Writer, the chi HTTP router
// wiring /ask, /who and /ready, and the dev-mode query-param overrides.
package transport

import "encoding/json"

// MessageType is the closed vocabulary of SSE event types this pipeline
// ever emits. Unlike most open string enums in the codebase, this one is
// intentionally closed: encoding an unrecognized type is a programmer
// error, not a client-facing one.
type MessageType string

const (
	MessageAskingSites           MessageType = "asking_sites"
	MessageDecontextualizedQuery MessageType = "decontextualized_query"
	MessageToolSelection         MessageType = "tool_selection"
	MessageQueryRewrite          MessageType = "query_rewrite"
	MessageRemember              MessageType = "remember"
	MessageAskUser               MessageType = "ask_user"
	MessageSiteIrrelevant        MessageType = "site_is_irrelevant_to_query"
	MessageResultBatch           MessageType = "result_batch"
	MessageItemDetails           MessageType = "item_details"
	MessageCompareItems          MessageType = "compare_items"
	MessageSubstitutionSuggest   MessageType = "substitution_suggestions"
	MessageNLWS                  MessageType = "nlws"
	MessageSummary               MessageType = "summary"
	MessageResultsMap            MessageType = "results_map"
	MessageIntermediate          MessageType = "intermediate_message"
	MessageNoResults             MessageType = "no_results"
	MessageError                 MessageType = "error"
)

// valid reports whether t is one of the closed set of message types above.
func (t MessageType) valid() bool {
	switch t {
	case MessageAskingSites, MessageDecontextualizedQuery, MessageToolSelection,
		MessageQueryRewrite, MessageRemember, MessageAskUser, MessageSiteIrrelevant,
		MessageResultBatch, MessageItemDetails, MessageCompareItems,
		MessageSubstitutionSuggest, MessageNLWS, MessageSummary, MessageResultsMap,
		MessageIntermediate, MessageNoResults, MessageError:
		return true
	default:
		return false
	}
}

// Envelope is the JSON shape of every SSE data frame: a message type, the
// query_id every message carries, and a type-specific payload.
type Envelope struct {
	Type    MessageType    `json:"message_type"`
	QueryID string         `json:"query_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrUnrecognizedMessageType is returned by Emitter.Send when asked to
// encode a type outside the closed vocabulary.
type ErrUnrecognizedMessageType struct{ Type MessageType }

func (e *ErrUnrecognizedMessageType) Error() string {
	return "transport: unrecognized message type: " + string(e.Type)
}

// marshalPayload is a small helper so handlers can build payloads inline
// without round-tripping through map[string]any by hand everywhere.
func marshalPayload(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
