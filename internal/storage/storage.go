// Package storage implements conversation storage: persisting each
// query/response turn, grouping turns into threads, and retrieving recent
// or matching conversations for a user. The interface split mirrors
// ai/model/chat's Memory (Reader/Writer/Clearer composing into Memory),
// generalized to the domain's conversation-thread shape.
package storage

import (
	"context"
	"time"
)

// Entry is one persisted conversation turn.
type Entry struct {
	ConversationID string
	ThreadID       string
	UserID         string
	Site           string
	UserPrompt     string
	Response       string
	CreatedAt      time.Time
}

// Thread groups entries sharing a ThreadID, sorted oldest-first.
type Thread struct {
	ThreadID string
	Entries  []Entry
}

// Adder persists a new conversation turn.
type Adder interface {
	// AddConversation stores a turn. When threadID is empty, a new UUID is
	// generated for it. Returns the persisted entry, including its
	// generated ConversationID, ThreadID and CreatedAt.
	AddConversation(ctx context.Context, userID, site, threadID, userPrompt, response string) (Entry, error)
}

// Reader retrieves conversation history.
type Reader interface {
	// GetRecentConversations returns up to limit threads for userID
	// (optionally scoped to site; "all" disables site filtering), entries
	// sorted oldest-first within a thread, threads sorted by most-recent
	// entry descending.
	GetRecentConversations(ctx context.Context, userID, site string, limit int) ([]Thread, error)

	// SearchConversations finds conversations matching query for userID
	// (optional) and site (optional), using hybrid text+vector retrieval
	// where the backing store supports it.
	SearchConversations(ctx context.Context, query, userID, site string, limit int) ([]Entry, error)
}

// Deleter removes a conversation.
type Deleter interface {
	// DeleteConversation removes the entry with conversationID, optionally
	// scoped to userID. Idempotent: returns false when nothing was deleted.
	DeleteConversation(ctx context.Context, conversationID, userID string) (bool, error)
}

// Store is the full conversation storage capability.
type Store interface {
	Adder
	Reader
	Deleter
}

// SiteAll is the sentinel meaning "every site", matching the
// internal/transport boundary's normalization of "all"/"nlws".
const SiteAll = "all"
