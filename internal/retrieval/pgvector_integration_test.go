package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// newPgvectorTestBackend spins up a real pgvector/pgvector Postgres
// container and returns a Backend wired against a freshly created table.
// Skipped under -short since it needs a container runtime.
func newPgvectorTestBackend(t *testing.T) Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed pgvector test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("nlweb"),
		postgres.WithUsername("nlweb"),
		postgres.WithPassword("nlweb"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating pgvector container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE TABLE items (
		url TEXT PRIMARY KEY, name TEXT, site TEXT, description TEXT,
		schema JSONB, embedding vector(3)
	)`)
	require.NoError(t, err)

	backend, err := NewPgvector(&PgvectorConfig{Pool: pool, Table: "items"})
	require.NoError(t, err)
	return backend
}

func TestPgvectorBackendRoundTrip(t *testing.T) {
	backend := newPgvectorTestBackend(t)
	ctx := context.Background()

	items := []*pipeline.RetrievedItem{
		{URL: "https://a.example/burger", Name: "Veggie Burger", Site: "a.example"},
		{URL: "https://a.example/wrap", Name: "Veggie Wrap", Site: "a.example"},
	}
	embeddings := [][]float32{{1, 0, 0}, {0, 1, 0}}

	require.NoError(t, backend.Upload(ctx, items, embeddings))

	found, err := backend.Search(ctx, []float32{1, 0, 0}, []string{"a.example"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "Veggie Burger", found[0].Name)

	byURL, err := backend.SearchByURL(ctx, "https://a.example/wrap")
	require.NoError(t, err)
	require.NotNil(t, byURL)
	require.Equal(t, "Veggie Wrap", byURL.Name)

	sites, err := backend.Sites(ctx)
	require.NoError(t, err)
	require.Contains(t, sites, "a.example")

	require.NoError(t, backend.DeleteBySite(ctx, "a.example"))
	sites, err = backend.Sites(ctx)
	require.NoError(t, err)
	require.Empty(t, sites)

	require.NoError(t, backend.Ping(ctx))
}
