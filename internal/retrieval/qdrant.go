package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/pkg/ptr"
)

const payloadSiteKey = "site"

// QdrantConfig configures a Qdrant-backed Backend. Each site is stored as a
// payload field within one shared collection rather than one collection
// per site, so Sites and DeleteBySite filter on that field.
type QdrantConfig struct {
	Client           *qdrant.Client
	CollectionName   string
	VectorSize       uint64
	InitializeSchema bool
}

func (c *QdrantConfig) validate() error {
	if c == nil {
		return errors.New("retrieval: qdrant config is nil")
	}
	if c.Client == nil {
		return errors.New("retrieval: qdrant client is required")
	}
	if c.CollectionName == "" {
		return errors.New("retrieval: qdrant collection name is required")
	}
	return nil
}

type qdrantBackend struct {
	client     *qdrant.Client
	collection string
}

// NewQdrant constructs a Backend backed by a Qdrant collection.
func NewQdrant(ctx context.Context, cfg *QdrantConfig) (Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &qdrantBackend{client: cfg.Client, collection: cfg.CollectionName}

	if cfg.InitializeSchema {
		exists, err := cfg.Client.CollectionExists(ctx, cfg.CollectionName)
		if err != nil {
			return nil, fmt.Errorf("retrieval: qdrant: checking collection: %w", err)
		}
		if !exists {
			err = cfg.Client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: cfg.CollectionName,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     cfg.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil {
				return nil, fmt.Errorf("retrieval: qdrant: creating collection: %w", err)
			}
		}
	}

	return b, nil
}

func (b *qdrantBackend) Name() string { return "qdrant" }

func (b *qdrantBackend) Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error) {
	query := &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          ptr.Pointer(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(sites) > 0 {
		query.Filter = siteFilter(sites)
	}

	points, err := b.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	items := make([]*pipeline.RetrievedItem, 0, len(points))
	for _, p := range points {
		items = append(items, itemFromPayload(p.GetPayload(), float64(p.GetScore())))
	}
	return items, nil
}

func (b *qdrantBackend) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("url", url),
		},
	}
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.collection,
		Filter:         filter,
		Limit:          ptr.Pointer(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return itemFromPayload(points[0].GetPayload(), 0), nil
}

func (b *qdrantBackend) Sites(ctx context.Context) ([]string, error) {
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.collection,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}

	seen := make(map[string]struct{})
	var sites []string
	for _, p := range points {
		site := p.GetPayload()[payloadSiteKey].GetStringValue()
		if site == "" {
			continue
		}
		if _, ok := seen[site]; !ok {
			seen[site] = struct{}{}
			sites = append(sites, site)
		}
	}
	return sites, nil
}

func (b *qdrantBackend) Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error {
	if len(items) != len(embeddings) {
		return errors.New("retrieval: qdrant: items and embeddings length mismatch")
	}

	points := make([]*qdrant.PointStruct, len(items))
	for i, item := range items {
		payload, err := qdrant.TryValueMap(payloadFromItem(item))
		if err != nil {
			return fmt.Errorf("qdrant: building payload: %w", err)
		}
		id := uuid.NewString()
		if item.URL != "" {
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(item.URL)).String()
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: payload,
		}
	}

	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Points:         points,
		Wait:           ptr.Pointer(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (b *qdrantBackend) DeleteBySite(ctx context.Context, site string) error {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(payloadSiteKey, site)}}
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (b *qdrantBackend) Ping(ctx context.Context) error {
	_, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("qdrant ping: %w", err)
	}
	return nil
}

func siteFilter(sites []string) *qdrant.Filter {
	should := make([]*qdrant.Condition, len(sites))
	for i, site := range sites {
		should[i] = qdrant.NewMatch(payloadSiteKey, site)
	}
	return &qdrant.Filter{Should: should}
}

func payloadFromItem(item *pipeline.RetrievedItem) map[string]any {
	return map[string]any{
		"url":         item.URL,
		"name":        item.Name,
		payloadSiteKey: item.Site,
		"description": item.Description,
		"schema":      item.Schema,
	}
}

func itemFromPayload(payload map[string]*qdrant.Value, score float64) *pipeline.RetrievedItem {
	get := func(key string) string { return payload[key].GetStringValue() }

	var schema map[string]any
	if sv := payload["schema"]; sv != nil && sv.GetStructValue() != nil {
		schema = make(map[string]any)
		for k, v := range sv.GetStructValue().GetFields() {
			schema[k] = v.AsInterface()
		}
	}

	return &pipeline.RetrievedItem{
		URL:         get("url"),
		Name:        get("name"),
		Site:        get(payloadSiteKey),
		Description: get("description"),
		Schema:      schema,
		Score:       score,
		Source:      "qdrant",
	}
}
