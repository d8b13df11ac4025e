package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pinecone-io/go-pinecone/v4/pinecone"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// PineconeConfig configures a Pinecone-backed Backend.
type PineconeConfig struct {
	APIKey    string
	IndexHost string
	Namespace string
}

func (c *PineconeConfig) validate() error {
	if c == nil {
		return errors.New("retrieval: pinecone config is nil")
	}
	if c.APIKey == "" {
		return errors.New("retrieval: pinecone api key is required")
	}
	if c.IndexHost == "" {
		return errors.New("retrieval: pinecone index host is required")
	}
	return nil
}

type pineconeBackend struct {
	conn      *pinecone.IndexConnection
	namespace string
}

// NewPinecone constructs a Backend backed by a single Pinecone index.
func NewPinecone(ctx context.Context, cfg *PineconeConfig) (Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("retrieval: pinecone: creating client: %w", err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{
		Host:      cfg.IndexHost,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: pinecone: connecting to index: %w", err)
	}

	return &pineconeBackend{conn: conn, namespace: cfg.Namespace}, nil
}

func (b *pineconeBackend) Name() string { return "pinecone" }

func (b *pineconeBackend) Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error) {
	var filter map[string]any
	if len(sites) > 0 {
		values := make([]any, len(sites))
		for i, s := range sites {
			values[i] = s
		}
		filter = map[string]any{"site": map[string]any{"$in": values}}
	}

	resp, err := b.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          embedding,
		TopK:            uint32(topK),
		MetadataFilter:  mustStruct(filter),
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}

	items := make([]*pipeline.RetrievedItem, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		items = append(items, itemFromPineconeMetadata(match.Vector.Metadata, float64(match.Score)))
	}
	return items, nil
}

func (b *pineconeBackend) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	resp, err := b.conn.FetchVectors(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("pinecone fetch: %w", err)
	}
	vec, ok := resp.Vectors[url]
	if !ok {
		return nil, nil
	}
	return itemFromPineconeMetadata(vec.Metadata, 0), nil
}

func (b *pineconeBackend) Sites(ctx context.Context) ([]string, error) {
	return nil, errors.New("retrieval: pinecone: listing sites requires a metadata index; not supported without one")
}

func (b *pineconeBackend) Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error {
	if len(items) != len(embeddings) {
		return errors.New("retrieval: pinecone: items and embeddings length mismatch")
	}

	vectors := make([]*pinecone.Vector, len(items))
	for i, item := range items {
		id := item.URL
		if id == "" {
			id = uuid.NewString()
		}
		vectors[i] = &pinecone.Vector{
			Id:       id,
			Values:   &embeddings[i],
			Metadata: mustStruct(payloadFromItem(item)),
		}
	}

	_, err := b.conn.UpsertVectors(ctx, vectors)
	if err != nil {
		return fmt.Errorf("pinecone upsert: %w", err)
	}
	return nil
}

func (b *pineconeBackend) DeleteBySite(ctx context.Context, site string) error {
	return b.conn.DeleteVectorsByFilter(ctx, mustStruct(map[string]any{"site": site}))
}

func (b *pineconeBackend) Ping(ctx context.Context) error {
	_, err := b.conn.DescribeIndexStats(ctx)
	if err != nil {
		return fmt.Errorf("pinecone ping: %w", err)
	}
	return nil
}

func itemFromPineconeMetadata(meta *pinecone.Metadata, score float64) *pipeline.RetrievedItem {
	if meta == nil {
		return &pipeline.RetrievedItem{Score: score, Source: "pinecone"}
	}
	fields := meta.AsMap()
	str := func(key string) string {
		if v, ok := fields[key].(string); ok {
			return v
		}
		return ""
	}
	return &pipeline.RetrievedItem{
		URL:         str("url"),
		Name:        str("name"),
		Site:        str("site"),
		Description: str("description"),
		Score:       score,
		Source:      "pinecone",
	}
}

func mustStruct(m map[string]any) *pinecone.Metadata {
	if m == nil {
		return nil
	}
	s, err := pinecone.NewMetadata(m)
	if err != nil {
		return nil
	}
	return s
}
