package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nlweb-go/nlweb/internal/embedding"
)

// PostgresConfig configures a Postgres-backed Store. The schema is expected
// to already exist, e.g.:
//
//	CREATE EXTENSION IF NOT EXISTS vector;
//	CREATE TABLE conversations (
//		conversation_id uuid PRIMARY KEY,
//		thread_id       uuid NOT NULL,
//		user_id         text NOT NULL,
//		site            text NOT NULL,
//		user_prompt     text NOT NULL,
//		response        text NOT NULL,
//		created_at      timestamptz NOT NULL,
//		embedding       vector(1536)
//	);
type PostgresConfig struct {
	Pool     *pgxpool.Pool
	Embedder embedding.Embedder
	Table    string // defaults to "conversations"
}

type postgresStore struct {
	pool     *pgxpool.Pool
	embedder embedding.Embedder
	table    string
}

// NewPostgres builds a Store backed by Postgres with the pgvector
// extension, following the same raw-SQL-over-pgxpool pattern as
// internal/retrieval.pgvectorBackend.
func NewPostgres(cfg PostgresConfig) (Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("storage: pgxpool.Pool is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("storage: embedder is required")
	}
	table := cfg.Table
	if table == "" {
		table = "conversations"
	}
	return &postgresStore{pool: cfg.Pool, embedder: cfg.Embedder, table: table}, nil
}

func (s *postgresStore) AddConversation(ctx context.Context, userID, site, threadID, userPrompt, response string) (Entry, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	conversationID := uuid.NewString()
	createdAt := time.Now().UTC()

	text := fmt.Sprintf("User: %s\nAssistant: %s", userPrompt, response)
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Entry{}, fmt.Errorf("storage: embedding conversation turn: %w", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (conversation_id, thread_id, user_id, site, user_prompt, response, created_at, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table)
	_, err = s.pool.Exec(ctx, query, conversationID, threadID, userID, site, userPrompt, response, createdAt, vectorLiteral(vectors[0]))
	if err != nil {
		return Entry{}, fmt.Errorf("storage: inserting conversation: %w", err)
	}

	return Entry{
		ConversationID: conversationID,
		ThreadID:       threadID,
		UserID:         userID,
		Site:           site,
		UserPrompt:     userPrompt,
		Response:       response,
		CreatedAt:      createdAt,
	}, nil
}

func (s *postgresStore) GetRecentConversations(ctx context.Context, userID, site string, limit int) ([]Thread, error) {
	args := []any{userID}
	where := "user_id = $1"
	if site != "" && site != SiteAll {
		where += " AND site = $2"
		args = append(args, site)
	}

	query := fmt.Sprintf(
		`SELECT conversation_id, thread_id, user_id, site, user_prompt, response, created_at
		 FROM %s WHERE %s ORDER BY created_at DESC LIMIT %s`,
		s.table, where, strconv.Itoa(limit*50))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: querying recent conversations: %w", err)
	}
	defer rows.Close()

	byThread := make(map[string][]Entry)
	var order []string
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ConversationID, &e.ThreadID, &e.UserID, &e.Site, &e.UserPrompt, &e.Response, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning conversation row: %w", err)
		}
		if _, ok := byThread[e.ThreadID]; !ok {
			order = append(order, e.ThreadID)
		}
		byThread[e.ThreadID] = append(byThread[e.ThreadID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating conversation rows: %w", err)
	}

	threads := make([]Thread, 0, len(order))
	for _, threadID := range order {
		entries := byThread[threadID]
		sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
		threads = append(threads, Thread{ThreadID: threadID, Entries: entries})
	}
	sort.Slice(threads, func(i, j int) bool {
		return lastEntryTime(threads[i]).After(lastEntryTime(threads[j]))
	})
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

func lastEntryTime(t Thread) time.Time {
	if len(t.Entries) == 0 {
		return time.Time{}
	}
	return t.Entries[len(t.Entries)-1].CreatedAt
}

func (s *postgresStore) DeleteConversation(ctx context.Context, conversationID, userID string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, s.table)
	args := []any{conversationID}
	if userID != "" {
		query = fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1 AND user_id = $2`, s.table)
		args = append(args, userID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("storage: deleting conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) SearchConversations(ctx context.Context, queryText, userID, site string, limit int) ([]Entry, error) {
	vectors, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("storage: embedding search query: %w", err)
	}

	// Hybrid retrieval: mandatory scope filters are AND'd, then a row
	// qualifies if it textually matches the query OR is semantically close
	// to it, ranked by vector distance.
	scope := []string{}
	args := []any{vectorLiteral(vectors[0])}
	if userID != "" {
		args = append(args, userID)
		scope = append(scope, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if site != "" && site != SiteAll {
		args = append(args, site)
		scope = append(scope, fmt.Sprintf("site = $%d", len(args)))
	}
	args = append(args, fmt.Sprintf("%%%s%%", queryText))
	textFilterIdx := len(args)

	conditions := []string{fmt.Sprintf("(user_prompt ILIKE $%d OR response ILIKE $%d OR embedding <=> $1 < 0.5)", textFilterIdx, textFilterIdx)}
	conditions = append(conditions, scope...)

	query := fmt.Sprintf(
		`SELECT conversation_id, thread_id, user_id, site, user_prompt, response, created_at
		 FROM %s WHERE %s ORDER BY embedding <=> $1 LIMIT %s`,
		s.table, strings.Join(conditions, " AND "), strconv.Itoa(limit))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: searching conversations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ConversationID, &e.ThreadID, &e.UserID, &e.Site, &e.UserPrompt, &e.Response, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning search row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
