// Package pipeline holds the shared data model that flows through the
// retrieval, ranking, routing and post-ranking stages of a query.
package pipeline

import (
	"sync"
	"time"
)

// RetrievedItem is a single document returned by a retrieval backend before
// ranking. URL is the dedup key: the aggregator keeps the first occurrence
// of a URL across all backends it queried.
type RetrievedItem struct {
	URL         string
	Name        string
	Site        string
	Description string
	Schema      map[string]any
	Score       float64
	Source      string
}

// Ranking is the LLM's judgement of a single RetrievedItem: a relevance
// score in [0, 100] plus the free-text justification the ranker prompt asked
// for. Items with Score < 52 never reach the client.
type Ranking struct {
	Score       int
	Description string
}

// RankedItem pairs a RetrievedItem with its Ranking and is what the post-rank
// stage and the method handlers operate on.
type RankedItem struct {
	Item   *RetrievedItem
	Rank   Ranking
	SentAt time.Time
}

// Score returns the ranking score, or -1 for a nil item.
func (r *RankedItem) Score() int {
	if r == nil {
		return -1
	}
	return r.Rank.Score
}

// State is the single owner of per-request mutable state, shared by every
// stage of the pipeline for one /ask invocation. It is created once per
// request and never shared across requests.
type State struct {
	mu sync.Mutex

	// Query is the raw, as-received query string. Written once by the
	// transport layer before any stage runs.
	Query string
	// DecontextualizedQuery is written by the decontextualization precheck
	// step; read by every stage downstream of precheck.
	DecontextualizedQuery string
	// Site/PrevQueries are populated by the transport layer from request
	// parameters. ConversationID is not set by any stage.
	Site          []string
	PrevQueries   []string
	ConversationID string

	// QueryDone is sticky-true: once a terminal message has been sent for
	// this request, nothing else is allowed to send.
	QueryDone bool
	// AbortFastTrackEvent is monotone: once set, fast-track results are
	// discarded even if they arrive later.
	AbortFastTrackEvent bool

	finalRetrievedItems []*RetrievedItem
	finalRankedAnswers  []*RankedItem
	toolRoutingResults  map[string]int
}

// NewState constructs an empty State for a single request.
func NewState(query string) *State {
	return &State{
		Query:              query,
		toolRoutingResults: make(map[string]int),
	}
}

// MarkQueryDone sets the sticky QueryDone flag. Safe to call more than once.
func (s *State) MarkQueryDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryDone = true
}

// IsQueryDone reports whether a terminal message has already been sent.
func (s *State) IsQueryDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryDone
}

// AbortFastTrack sets the monotone abort event.
func (s *State) AbortFastTrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AbortFastTrackEvent = true
}

// FastTrackAborted reports whether fast-track results should be discarded.
func (s *State) FastTrackAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AbortFastTrackEvent
}

// AddRetrievedItems appends to the shared retrieved-item set.
func (s *State) AddRetrievedItems(items ...*RetrievedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalRetrievedItems = append(s.finalRetrievedItems, items...)
}

// RetrievedItems returns a copy of the accumulated retrieved items.
func (s *State) RetrievedItems() []*RetrievedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RetrievedItem, len(s.finalRetrievedItems))
	copy(out, s.finalRetrievedItems)
	return out
}

// AddRankedAnswers appends to the shared ranked-answer set, enforcing the
// ten-item cap: items beyond the tenth are dropped.
func (s *State) AddRankedAnswers(items ...*RankedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if len(s.finalRankedAnswers) >= 10 {
			return
		}
		s.finalRankedAnswers = append(s.finalRankedAnswers, it)
	}
}

// RankedAnswers returns a copy of the accumulated ranked answers.
func (s *State) RankedAnswers() []*RankedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RankedItem, len(s.finalRankedAnswers))
	copy(out, s.finalRankedAnswers)
	return out
}

// SetToolRoutingResult records a tool's score from the tool router.
func (s *State) SetToolRoutingResult(toolName string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolRoutingResults[toolName] = score
}

// ToolRoutingResults returns a copy of the recorded tool scores.
func (s *State) ToolRoutingResults() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.toolRoutingResults))
	for k, v := range s.toolRoutingResults {
		out[k] = v
	}
	return out
}
