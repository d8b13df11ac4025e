// Command nlweb-server runs the query pipeline's HTTP surface: the /ask
// SSE endpoint, /who, and /ready, wired from the YAML config files and
// .env-resolved provider credentials.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qdrant/go-client/qdrant"
	flag "github.com/spf13/pflag"

	"github.com/nlweb-go/nlweb/internal/config"
	"github.com/nlweb-go/nlweb/internal/embedding"
	"github.com/nlweb-go/nlweb/internal/handlers"
	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/logging"
	"github.com/nlweb-go/nlweb/internal/metrics"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/postrank"
	"github.com/nlweb-go/nlweb/internal/promptxml"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/retrieval"
	"github.com/nlweb-go/nlweb/internal/router"
	"github.com/nlweb-go/nlweb/internal/storage"
	"github.com/nlweb-go/nlweb/internal/toolxml"
	"github.com/nlweb-go/nlweb/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configDir = flag.String("config-dir", "config", "directory holding the config_*.yaml, prompts.yaml, prompts.xml and tools.xml files")
		envFile   = flag.String("env-file", ".env", "dotenv file to load into the process environment before resolving config")
		addr      = flag.String("addr", "", "listen address, overriding config_webserver.yaml's server.addr")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile,
		*configDir+"/config_llm.yaml",
		*configDir+"/config_retrieval.yaml",
		*configDir+"/config_embedding.yaml",
		*configDir+"/config_webserver.yaml",
		*configDir+"/config_nlweb.yaml",
	)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logMode := logging.ModeProd
	if cfg.IsDevelopment() {
		logMode = logging.ModeDev
	}
	logger := logging.New(logging.Options{Mode: logMode})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsReg := prometheus.NewRegistry()
	deps, err := wire(ctx, *configDir, cfg, logger, metrics.NewRegistry(metricsReg))
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	deps.Logger = logger

	srv := transport.New(*deps)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Router())
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "mode", cfg.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// wire constructs every component a request needs from cfg, resolving one
// LLM client per configured LLM provider and one retrieval backend per
// configured retrieval entry. Only the first configured embedding provider
// is built; any further embedding entries are ignored.
func wire(ctx context.Context, configDir string, cfg *config.Registry, logger interface {
	Warn(msg string, args ...any)
}, metricsReg *metrics.Registry) (*transport.Dependencies, error) {
	llmClients := make(map[string]llm.Client)
	for _, p := range cfg.LLMProviders {
		client, err := buildLLMClient(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("building llm provider %q: %w", p.Name, err)
		}
		llmClients[p.Name] = client
	}
	if len(llmClients) == 0 {
		return nil, errors.New("no llm_providers configured")
	}
	llmDefault := cfg.LLMProviders[0].Name
	llmRegistry, err := llm.NewRegistry(llmClients, llmDefault)
	if err != nil {
		return nil, err
	}

	if len(cfg.EmbeddingProviders) == 0 {
		return nil, errors.New("no embedding_providers configured")
	}
	embedder, err := buildEmbedder(ctx, cfg.EmbeddingProviders[0])
	if err != nil {
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}
	embedder = embedding.NewCaching(embedder)

	var pgPool *pgxpool.Pool
	if cfg.Storage.DSN != "" {
		pgPool, err = pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to storage DSN: %w", err)
		}
	}

	var backends []retrieval.Backend
	for _, p := range cfg.RetrievalBackends {
		backend, err := buildRetrievalBackend(ctx, p, pgPool)
		if err != nil {
			return nil, fmt.Errorf("building retrieval backend %q: %w", p.Name, err)
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, errors.New("no retrieval_backends configured")
	}

	aggregator, err := retrieval.New(retrieval.Config{Backends: backends, Embedder: embedder, Metrics: metricsReg})
	if err != nil {
		return nil, err
	}

	reg, err := prompts.Load(configDir + "/prompts.yaml")
	if err != nil {
		return nil, fmt.Errorf("loading prompts.yaml: %w", err)
	}

	if xmlReg, err := promptxml.Load(configDir + "/prompts.xml"); err == nil {
		logger.Warn("loaded prompts.xml lookup table alongside prompts.yaml; only prompts.yaml feeds the live ranking/routing path")
		_ = xmlReg
	}

	var tools []*toolxml.Tool
	if t, err := toolxml.LoadFile(configDir + "/tools.xml"); err == nil {
		tools = t
	} else {
		logger.Warn("no tools.xml loaded; every query routes to the default search handler", "error", err)
	}

	rtr, err := router.New(llmRegistry.Default(), reg, tools)
	if err != nil {
		return nil, err
	}

	h := handlers.New(aggregator, llmRegistry.Default(), reg)
	pr := postrank.New(llmRegistry.Default(), reg)

	var store storage.Store
	if pgPool != nil {
		store, err = storage.NewPostgres(storage.PostgresConfig{Pool: pgPool, Embedder: embedder})
		if err != nil {
			return nil, fmt.Errorf("building conversation storage: %w", err)
		}
	}

	return &transport.Dependencies{
		Config:    cfg,
		LLM:       llmRegistry,
		Prompts:   reg,
		Retriever: aggregator,
		Router:    rtr,
		Handlers:  h,
		PostRank:  pr,
		Storage:   store,
		FetchByURL: func(ctx context.Context, url string) (*pipeline.RetrievedItem, error) {
			return aggregator.SearchByURL(ctx, url)
		},
		Metrics: metricsReg,
	}, nil
}

func buildLLMClient(ctx context.Context, p config.Provider) (llm.Client, error) {
	switch p.Type {
	case "openai":
		return llm.NewOpenAI(&llm.OpenAIConfig{APIKey: p.APIKey, Model: p.Model, BaseURL: p.Endpoint})
	case "anthropic":
		maxTokens := int64(4096)
		if v, ok := p.Extra["max_tokens"]; ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				maxTokens = parsed
			}
		}
		return llm.NewAnthropic(&llm.AnthropicConfig{APIKey: p.APIKey, Model: p.Model, MaxTokens: maxTokens})
	case "gemini":
		return llm.NewGemini(ctx, &llm.GeminiConfig{APIKey: p.APIKey, Model: p.Model})
	default:
		return nil, fmt.Errorf("unrecognized llm provider type %q", p.Type)
	}
}

func buildEmbedder(ctx context.Context, p config.Provider) (embedding.Embedder, error) {
	switch p.Type {
	case "openai":
		return embedding.NewOpenAI(&embedding.OpenAIConfig{APIKey: p.APIKey, Model: p.Model})
	case "gemini":
		return embedding.NewGemini(ctx, &embedding.GeminiConfig{APIKey: p.APIKey, Model: p.Model})
	default:
		return nil, fmt.Errorf("unrecognized embedding provider type %q", p.Type)
	}
}

func buildRetrievalBackend(ctx context.Context, p config.Provider, pgPool *pgxpool.Pool) (retrieval.Backend, error) {
	switch p.Type {
	case "qdrant":
		client, err := qdrant.NewClient(&qdrant.Config{Host: p.Endpoint, APIKey: p.APIKey})
		if err != nil {
			return nil, err
		}
		size, _ := strconv.ParseUint(p.Extra["vector_size"], 10, 64)
		if size == 0 {
			size = 1536
		}
		return retrieval.NewQdrant(ctx, &retrieval.QdrantConfig{
			Client:           client,
			CollectionName:   p.Extra["collection"],
			VectorSize:       size,
			InitializeSchema: true,
		})
	case "pinecone":
		return retrieval.NewPinecone(ctx, &retrieval.PineconeConfig{
			APIKey:    p.APIKey,
			IndexHost: p.Endpoint,
			Namespace: p.Extra["namespace"],
		})
	case "milvus":
		dim, _ := strconv.Atoi(p.Extra["vector_dim"])
		if dim == 0 {
			dim = 1536
		}
		return retrieval.NewMilvus(ctx, &retrieval.MilvusConfig{
			Address:          p.Endpoint,
			CollectionName:   p.Extra["collection"],
			VectorDim:        dim,
			InitializeSchema: true,
		})
	case "pgvector":
		if pgPool == nil {
			return nil, errors.New("pgvector backend configured but storage.dsn is empty")
		}
		return retrieval.NewPgvector(&retrieval.PgvectorConfig{Pool: pgPool, Table: p.Extra["table"]})
	default:
		return nil, fmt.Errorf("unrecognized retrieval backend type %q", p.Type)
	}
}
