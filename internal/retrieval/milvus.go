package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// MilvusConfig configures a Milvus-backed Backend.
type MilvusConfig struct {
	Address          string
	CollectionName    string
	VectorDim        int
	InitializeSchema bool
}

func (c *MilvusConfig) validate() error {
	if c == nil {
		return errors.New("retrieval: milvus config is nil")
	}
	if c.Address == "" {
		return errors.New("retrieval: milvus address is required")
	}
	if c.CollectionName == "" {
		return errors.New("retrieval: milvus collection name is required")
	}
	return nil
}

type milvusBackend struct {
	client     *milvusclient.Client
	collection string
}

// NewMilvus constructs a Backend backed by a Milvus collection.
func NewMilvus(ctx context.Context, cfg *MilvusConfig) (Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("retrieval: milvus: connecting: %w", err)
	}

	b := &milvusBackend{client: client, collection: cfg.CollectionName}

	if cfg.InitializeSchema {
		has, err := client.HasCollection(ctx, milvusclient.NewHasCollectionOption(cfg.CollectionName))
		if err != nil {
			return nil, fmt.Errorf("retrieval: milvus: checking collection: %w", err)
		}
		if !has {
			schema := entity.NewSchema().
				WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256).WithIsPrimaryKey(true)).
				WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(cfg.VectorDim))).
				WithField(entity.NewField().WithName("url").WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048)).
				WithField(entity.NewField().WithName("name").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
				WithField(entity.NewField().WithName("site").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
				WithField(entity.NewField().WithName("description").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))

			err = client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(cfg.CollectionName, schema))
			if err != nil {
				return nil, fmt.Errorf("retrieval: milvus: creating collection: %w", err)
			}

			idx := index.NewAutoIndex(entity.COSINE)
			_, err = client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(cfg.CollectionName, "vector", idx))
			if err != nil {
				return nil, fmt.Errorf("retrieval: milvus: creating index: %w", err)
			}
		}
		if err := client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(cfg.CollectionName)); err != nil {
			return nil, fmt.Errorf("retrieval: milvus: loading collection: %w", err)
		}
	}

	return b, nil
}

func (b *milvusBackend) Name() string { return "milvus" }

func (b *milvusBackend) Search(ctx context.Context, embedding []float32, sites []string, topK int) ([]*pipeline.RetrievedItem, error) {
	opt := milvusclient.NewSearchOption(b.collection, topK, []entity.Vector{entity.FloatVector(embedding)}).
		WithOutputFields("url", "name", "site", "description")

	if len(sites) > 0 {
		opt = opt.WithFilter(siteInExpr(sites))
	}

	results, err := b.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var items []*pipeline.RetrievedItem
	for _, res := range results {
		for i := 0; i < res.ResultCount; i++ {
			items = append(items, &pipeline.RetrievedItem{
				URL:         fieldString(res.Fields, "url", i),
				Name:        fieldString(res.Fields, "name", i),
				Site:        fieldString(res.Fields, "site", i),
				Description: fieldString(res.Fields, "description", i),
				Score:       float64(res.Scores[i]),
				Source:      "milvus",
			})
		}
	}
	return items, nil
}

func (b *milvusBackend) SearchByURL(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
	res, err := b.client.Query(ctx, milvusclient.NewQueryOption(b.collection).
		WithFilter(fmt.Sprintf("url == %q", url)).
		WithOutputFields("url", "name", "site", "description").
		WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("milvus query: %w", err)
	}
	if res.ResultCount == 0 {
		return nil, nil
	}
	return &pipeline.RetrievedItem{
		URL:         fieldString(res.Fields, "url", 0),
		Name:        fieldString(res.Fields, "name", 0),
		Site:        fieldString(res.Fields, "site", 0),
		Description: fieldString(res.Fields, "description", 0),
		Source:      "milvus",
	}, nil
}

func (b *milvusBackend) Sites(ctx context.Context) ([]string, error) {
	res, err := b.client.Query(ctx, milvusclient.NewQueryOption(b.collection).
		WithFilter("site != \"\"").
		WithOutputFields("site"))
	if err != nil {
		return nil, fmt.Errorf("milvus query: %w", err)
	}

	seen := make(map[string]struct{})
	var sites []string
	for i := 0; i < res.ResultCount; i++ {
		site := fieldString(res.Fields, "site", i)
		if _, ok := seen[site]; !ok {
			seen[site] = struct{}{}
			sites = append(sites, site)
		}
	}
	return sites, nil
}

func (b *milvusBackend) Upload(ctx context.Context, items []*pipeline.RetrievedItem, embeddings [][]float32) error {
	if len(items) != len(embeddings) {
		return errors.New("retrieval: milvus: items and embeddings length mismatch")
	}

	ids := make([]string, len(items))
	urls := make([]string, len(items))
	names := make([]string, len(items))
	sites := make([]string, len(items))
	descriptions := make([]string, len(items))
	for i, item := range items {
		id := item.URL
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		urls[i] = item.URL
		names[i] = item.Name
		sites[i] = item.Site
		descriptions[i] = item.Description
	}

	_, err := b.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(b.collection).
		WithVarcharColumn("id", ids).
		WithFloatVectorColumn("vector", len(embeddings[0]), embeddings).
		WithVarcharColumn("url", urls).
		WithVarcharColumn("name", names).
		WithVarcharColumn("site", sites).
		WithVarcharColumn("description", descriptions))
	if err != nil {
		return fmt.Errorf("milvus insert: %w", err)
	}
	return nil
}

func (b *milvusBackend) DeleteBySite(ctx context.Context, site string) error {
	_, err := b.client.Delete(ctx, milvusclient.NewDeleteOption(b.collection).
		WithExpr(fmt.Sprintf("site == %q", site)))
	if err != nil {
		return fmt.Errorf("milvus delete: %w", err)
	}
	return nil
}

func (b *milvusBackend) Ping(ctx context.Context) error {
	_, err := b.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(b.collection))
	if err != nil {
		return fmt.Errorf("milvus ping: %w", err)
	}
	return nil
}

func siteInExpr(sites []string) string {
	expr := "site in ["
	for i, s := range sites {
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("%q", s)
	}
	return expr + "]"
}

func fieldString(fields []column.Column, name string, idx int) string {
	for _, f := range fields {
		if f.Name() != name {
			continue
		}
		v, err := f.GetAsString(idx)
		if err != nil {
			return ""
		}
		return v
	}
	return ""
}
