package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// PgvectorConfig configures a Postgres/pgvector-backed Backend. The table
// is expected to have been created with the pgvector extension enabled,
// e.g.:
//
//	CREATE EXTENSION IF NOT EXISTS vector;
//	CREATE TABLE items (
//	    url TEXT PRIMARY KEY, name TEXT, site TEXT, description TEXT,
//	    schema JSONB, embedding vector(<dim>)
//	);
type PgvectorConfig struct {
	Pool  *pgxpool.Pool
	Table string
}

func (c *PgvectorConfig) validate() error {
	if c == nil {
		return errors.New("retrieval: pgvector config is nil")
	}
	if c.Pool == nil {
		return errors.New("retrieval: pgvector pool is required")
	}
	if c.Table == "" {
		return errors.New("retrieval: pgvector table is required")
	}
	return nil
}

type pgvectorBackend struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgvector constructs a Backend backed by a Postgres table using the
// pgvector extension for similarity search.
func NewPgvector(cfg *PgvectorConfig) (Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &pgvectorBackend{pool: cfg.Pool, table: cfg.Table}, nil
}

func (b *pgvectorBackend) Name() string { return "pgvector" }

func (b *pgvectorBackend) Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error) {
	query := fmt.Sprintf(
		`SELECT url, name, site, description, schema, 1 - (embedding <=> $1) AS score
		 FROM %s`, b.table)
	args := []any{vectorLiteral(embedding)}

	if len(sites) > 0 {
		placeholders := make([]string, len(sites))
		for i, s := range sites {
			args = append(args, s)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " WHERE site = ANY(ARRAY[" + strings.Join(placeholders, ", ") + "])"
	}

	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var items []*pipeline.RetrievedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (b *pgvectorBackend) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	query := fmt.Sprintf(`SELECT url, name, site, description, schema, 0 FROM %s WHERE url = $1`, b.table)
	rows, err := b.pool.Query(ctx, query, url)
	if err != nil {
		return nil, fmt.Errorf("pgvector search by url: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanItem(rows)
}

func (b *pgvectorBackend) Sites(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT site FROM %s WHERE site <> ''`, b.table))
	if err != nil {
		return nil, fmt.Errorf("pgvector sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (b *pgvectorBackend) Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error {
	if len(items) != len(embeddings) {
		return errors.New("retrieval: pgvector: items and embeddings length mismatch")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (url, name, site, description, schema, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name, site = EXCLUDED.site,
			description = EXCLUDED.description, schema = EXCLUDED.schema,
			embedding = EXCLUDED.embedding`, b.table)

	for i, item := range items {
		url := item.URL
		if url == "" {
			url = uuid.NewString()
		}
		schemaJSON, err := json.Marshal(item.Schema)
		if err != nil {
			return fmt.Errorf("pgvector: marshaling schema: %w", err)
		}
		_, err = b.pool.Exec(ctx, query, url, item.Name, item.Site, item.Description, schemaJSON, vectorLiteral(embeddings[i]))
		if err != nil {
			return fmt.Errorf("pgvector upsert: %w", err)
		}
	}
	return nil
}

func (b *pgvectorBackend) DeleteBySite(ctx context.Context, site string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE site = $1`, b.table), site)
	if err != nil {
		return fmt.Errorf("pgvector delete: %w", err)
	}
	return nil
}

func (b *pgvectorBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*pipeline.RetrievedItem, error) {
	var item pipeline.RetrievedItem
	var schemaJSON []byte
	if err := row.Scan(&item.URL, &item.Name, &item.Site, &item.Description, &schemaJSON, &item.Score); err != nil {
		return nil, fmt.Errorf("pgvector: scanning row: %w", err)
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &item.Schema); err != nil {
			return nil, fmt.Errorf("pgvector: unmarshaling schema: %w", err)
		}
	}
	item.Source = "pgvector"
	return &item, nil
}

// vectorLiteral renders a float32 slice as the pgvector text literal form,
// e.g. "[0.1,0.2,0.3]".
func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
