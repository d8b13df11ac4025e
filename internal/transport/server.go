package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/nlweb-go/nlweb/internal/config"
	"github.com/nlweb-go/nlweb/internal/handlers"
	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/logging"
	"github.com/nlweb-go/nlweb/internal/metrics"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/postrank"
	"github.com/nlweb-go/nlweb/internal/precheck"
	"github.com/nlweb-go/nlweb/internal/prompts"
	"github.com/nlweb-go/nlweb/internal/ranker"
	"github.com/nlweb-go/nlweb/internal/router"
	"github.com/nlweb-go/nlweb/internal/state"
	"github.com/nlweb-go/nlweb/internal/storage"
	"github.com/nlweb-go/nlweb/pkg/safe"
	"github.com/nlweb-go/nlweb/sse"
)

// heartBeat is the SSE keep-alive interval: a ": ping" comment every
// 30s so intermediate proxies don't close an idle connection.
const heartBeat = 30 * time.Second

// Retriever is the subset of internal/retrieval.Aggregator the server
// drives directly, beyond what it hands to internal/handlers.
type Retriever interface {
	handlers.Retriever
	Ping(ctx context.Context) map[string]error
}

// Dependencies bundles every already-constructed component the server
// wires into one /ask request. Each is shared across requests except where
// noted; per-request state (the handler Machine, the Emitter) is built
// fresh inside ServeHTTP.
type Dependencies struct {
	Config     *config.Registry
	LLM        *llm.Registry
	Prompts    *prompts.Registry
	Retriever  Retriever
	Router     *router.Router
	Handlers   *handlers.Handlers
	PostRank   *postrank.PostRank
	Storage    storage.Store
	FetchByURL func(ctx context.Context, url string) (*pipeline.RetrievedItem, error)
	Logger     *slog.Logger
	Metrics    *metrics.Registry
}

// Server exposes the HTTP surface spec.md §6 names: /ask, /who and /ready.
// It owns no per-request state; every field in Dependencies is safe to
// share across concurrently served requests.
type Server struct {
	deps Dependencies
}

// New constructs a Server. LLM, Prompts and Retriever are required.
func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// Router builds the chi.Mux serving /ask, /who, /ready and /health, with
// CORS preflight enabled on every route per spec.md §6.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleReady)
	r.Get("/ready", s.handleReady)
	r.Get("/who", s.handleWho)
	r.Get("/ask", s.handleAsk)
	r.Post("/ask", s.handleAsk)

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := s.deps.Retriever.Ping(r.Context())
	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"ok": len(failures) == 0}
	if len(failures) > 0 {
		errs := make(map[string]string, len(failures))
		for backend, err := range failures {
			errs[backend] = err.Error()
		}
		body["errors"] = errs
	}
	writeJSON(w, status, body)
}

func (s *Server) handleWho(w http.ResponseWriter, r *http.Request) {
	query := firstNonEmpty(r.URL.Query().Get("query"), r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query is required"})
		return
	}
	sites, err := s.deps.Handlers.Who(r.Context(), query)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

// askParams is every recognized /ask query parameter from spec.md §6.
type askParams struct {
	Query                 string
	PrevQueries           []string
	Sites                 []string
	Streaming             bool
	GenerateMode          string
	Model                 string
	DB                    string
	LLMProvider           string
	LLMLevel              string
	ContextURL            string
	ContextDescription    string
	DecontextualizedQuery string
	QueryID               string
}

func parseAskParams(r *http.Request) askParams {
	q := r.URL.Query()
	p := askParams{
		Query:                 firstNonEmpty(q.Get("query"), q.Get("q")),
		PrevQueries:           splitRepeatable(q["prev"]),
		Sites:                 normalizeSites(splitRepeatable(q["site"])),
		Streaming:             !isFalsy(q.Get("streaming")),
		GenerateMode:          firstNonEmpty(q.Get("generate_mode"), "list"),
		ContextURL:            q.Get("context_url"),
		ContextDescription:    q.Get("context_description"),
		DecontextualizedQuery: q.Get("decontextualized_query"),
		QueryID:               q.Get("query_id"),
	}
	if p.QueryID == "" {
		p.QueryID = uuid.NewString()
	}
	p.Model, p.DB, p.LLMProvider, p.LLMLevel = q.Get("model"), q.Get("db"), q.Get("llm_provider"), q.Get("llm_level")
	return p
}

func isFalsy(v string) bool {
	switch strings.ToLower(v) {
	case "false", "0":
		return true
	default:
		return false
	}
}

func splitRepeatable(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// normalizeSites maps "all"/"nlws" to the internal SiteAll sentinel, per
// SPEC_FULL.md's Open Question decision that this normalization happens
// once, at the transport boundary.
func normalizeSites(sites []string) []string {
	if len(sites) == 0 {
		return nil
	}
	out := make([]string, len(sites))
	for i, s := range sites {
		switch strings.ToLower(s) {
		case "all", "nlws":
			out[i] = storage.SiteAll
		default:
			out[i] = s
		}
	}
	return out
}

// needsToolRouting reports whether the tool router should run at all.
// generate and summarize modes always answer from the retrieved/ranked
// items directly, so routing to a specialized tool (item_details,
// compare_items, ...) never applies to them.
func needsToolRouting(generateMode string) bool {
	switch generateMode {
	case "summarize", "generate":
		return false
	default:
		return true
	}
}

// offersSiteSummary reports whether a request is scoped broadly enough
// (no site given, or explicitly "all"/"nlws") to offer an asking_sites
// breakdown of the retrieved items' sites.
func offersSiteSummary(sites []string) bool {
	if len(sites) == 0 {
		return true
	}
	for _, s := range sites {
		if s == storage.SiteAll {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveLLM honors the development-mode per-request overrides
// (model/llm_provider/llm_level), falling back to the server's default
// client outside development mode or when no override is present.
func (s *Server) resolveLLM(p askParams) llm.Client {
	if !s.deps.Config.IsDevelopment() {
		return s.deps.LLM.Default()
	}
	name := firstNonEmpty(p.LLMProvider, p.LLMLevel, p.Model)
	if name == "" {
		return s.deps.LLM.Default()
	}
	if client, err := s.deps.LLM.Get(name); err == nil {
		return client
	}
	return s.deps.LLM.Default()
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	params := parseAskParams(r)
	if params.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query is required"})
		return
	}

	base := logging.FromContext(r.Context())
	if s.deps.Logger != nil {
		base = s.deps.Logger
	}
	logger := base.With("query_id", params.QueryID)
	ctx := logging.WithLogger(r.Context(), logger)

	if params.Streaming {
		s.streamAsk(ctx, w, r, params, logger)
		return
	}
	s.bufferAsk(ctx, w, params, logger)
}

func (s *Server) streamAsk(ctx context.Context, w http.ResponseWriter, r *http.Request, params askParams, logger interface {
	Error(msg string, args ...any)
}) {
	writer, err := sse.NewWriter(&sse.WriterConfig{
		Context:        ctx,
		ResponseWriter: w,
		HeartBeat:      heartBeat,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	defer writer.Close()

	emitter := NewEmitter(writer, params.QueryID)
	s.runAsk(ctx, emitter, params, logger)
}

// bufferAsk runs the same pipeline as streamAsk but collects every frame
// into a response body instead of an SSE stream, for streaming=false.
func (s *Server) bufferAsk(ctx context.Context, w http.ResponseWriter, params askParams, logger interface {
	Error(msg string, args ...any)
}) {
	collector := &frameCollector{}
	emitter := NewEmitter(collector, params.QueryID)
	s.runAsk(ctx, emitter, params, logger)
	writeJSON(w, http.StatusOK, map[string]any{"messages": collector.frames})
}

type frameCollector struct {
	frames []any
}

func (c *frameCollector) SendData(data any) error {
	c.frames = append(c.frames, data)
	return nil
}

// runAsk drives one request through precheck, fast-track, tool routing,
// the selected method handler and post-ranking, emitting SSE frames as
// each stage resolves. Panics are recovered so a bug in one stage degrades
// to an error frame instead of taking the listener down.
func (s *Server) runAsk(ctx context.Context, emitter *Emitter, params askParams, logger interface {
	Error(msg string, args ...any)
}) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("ask handler panic", "recover", rec)
			_ = emitter.SendError(&panicError{rec})
		}
	}()

	machine := state.New(params.Query)
	machine.Site = params.Sites
	machine.PrevQueries = params.PrevQueries
	client := s.resolveLLM(params)
	offerSites := offersSiteSummary(params.Sites)

	pc, err := precheck.New(precheck.Config{
		LLM:                client,
		Prompts:            s.deps.Prompts,
		Flags:              precheck.DefaultStepFlags(),
		Sink:               emitter,
		FetchByURL:         s.deps.FetchByURL,
		OnDecontextualized: machine.MarkDecontextualized,
	})
	if err != nil {
		_ = emitter.SendError(err)
		return
	}

	fastRanker, err := ranker.New(ranker.Config{
		LLM:              client,
		Prompts:          s.deps.Prompts,
		Track:            ranker.FastTrack,
		GenerateMode:     params.GenerateMode,
		Gate:             precheck.NewGate(machine),
		Sink:             emitter,
		Metrics:          s.deps.Metrics,
		OfferSiteSummary: offerSites,
	})
	if err != nil {
		_ = emitter.SendError(err)
		return
	}
	postDeconRanker, err := ranker.New(ranker.Config{
		LLM:              client,
		Prompts:          s.deps.Prompts,
		Track:            ranker.PostDecontextualization,
		GenerateMode:     params.GenerateMode,
		Gate:             precheck.NewGate(machine),
		Sink:             emitter,
		Metrics:          s.deps.Metrics,
		OfferSiteSummary: offerSites,
	})
	if err != nil {
		_ = emitter.SendError(err)
		return
	}

	fastTrackDone := make(chan struct{})
	safe.Go(func() {
		defer close(fastTrackDone)
		rank := func(ctx context.Context, query string, items []*pipeline.RetrievedItem, postDecon bool) ([]*pipeline.RankedItem, error) {
			if postDecon {
				return postDeconRanker.Rank(ctx, query, items)
			}
			return fastRanker.Rank(ctx, query, items)
		}
		_, _ = precheck.RunFastTrack(ctx, machine, s.deps.Retriever, rank, params.Query, params.Sites)
	}, func(err error) {
		logger.Error("fast track recovered from panic", "error", err)
	})

	outcome := pc.Run(ctx, precheck.Input{
		Query:                 params.Query,
		PrevQueries:           params.PrevQueries,
		ContextURL:            params.ContextURL,
		Site:                  strings.Join(params.Sites, ","),
		DecontextualizedQuery: params.DecontextualizedQuery,
	})

	if outcome.QueryIsIrrelevant {
		machine.AbortFastTrack()
		machine.ApprovePreCheck(errQueryIrrelevant)
		machine.MarkQueryDone()
		<-fastTrackDone
		return
	}
	if !outcome.RequiredInfoFound {
		machine.AbortFastTrack()
		machine.ApprovePreCheck(errMissingRequiredInfo)
		machine.MarkQueryDone()
		<-fastTrackDone
		return
	}

	query := params.Query
	if outcome.RequiresDecontextualization && outcome.DecontextualizedQuery != "" {
		query = outcome.DecontextualizedQuery
		_ = emitter.SendDecontextualizedQuery(query)
	}
	if len(outcome.RewrittenQueries) > 0 {
		_ = emitter.SendQueryRewrite(outcome.RewrittenQueries)
	}
	machine.ApprovePreCheck(nil)
	<-fastTrackDone

	result := router.Result{}
	if needsToolRouting(params.GenerateMode) {
		routed, _, abortFastTrack, err := s.deps.Router.Route(ctx, query, outcome.ItemType)
		if err != nil {
			_ = emitter.SendError(err)
			return
		}
		result = routed
		if abortFastTrack {
			machine.AbortFastTrack()
			if s.deps.Metrics != nil {
				s.deps.Metrics.FastTrackAborted.Inc()
			}
		}
		machine.SetToolRoutingResult(result.Tool, result.Score)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ToolRouteSelected.WithLabelValues(result.Tool).Inc()
		}
		_ = emitter.SendToolSelection(result.Tool, result.Score)
	}

	rnk, err := ranker.New(ranker.Config{
		LLM:              client,
		Prompts:          s.deps.Prompts,
		Track:            ranker.RegularTrack,
		GenerateMode:     params.GenerateMode,
		Gate:             precheck.NewGate(machine),
		Sink:             emitter,
		Metrics:          s.deps.Metrics,
		OfferSiteSummary: offerSites,
	})
	if err != nil {
		_ = emitter.SendError(err)
		return
	}

	ranked, err := s.dispatch(ctx, emitter, result, query, params, rnk)
	if err != nil {
		_ = emitter.SendError(err)
		machine.MarkQueryDone()
		return
	}

	s.postRank(ctx, emitter, query, params.GenerateMode, ranked)

	if s.deps.Storage != nil {
		safe.Go(func() {
			if _, err := s.deps.Storage.AddConversation(context.Background(), "", strings.Join(params.Sites, ","), "", params.Query, summarizeForStorage(ranked)); err != nil {
				logger.Error("persisting conversation", "error", err)
			}
		}, func(err error) {
			logger.Error("persisting conversation recovered from panic", "error", err)
		})
	}

	machine.MarkQueryDone()
}

// dispatch runs the method handler the tool router selected. "search" (or
// any unrecognized tool) falls back to the default search handler.
func (s *Server) dispatch(ctx context.Context, emitter *Emitter, result router.Result, query string, params askParams, rnk *ranker.Ranker) ([]*pipeline.RankedItem, error) {
	switch result.Tool {
	case "item_details":
		req := handlers.ItemDetailsRequest{
			ItemURL:          stringParam(result.Params, "url"),
			ItemName:         stringParam(result.Params, "name"),
			DetailsRequested: stringParam(result.Params, "details"),
			Sites:            params.Sites,
		}
		res, err := s.deps.Handlers.ItemDetails(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			_ = emitter.SendItemDetails(res.Name, res.URL, res.Details)
		}
		return nil, nil

	case "compare_items":
		req := handlers.CompareItemsRequest{
			Item1Name: stringParam(result.Params, "item1_name"),
			Item1URL:  stringParam(result.Params, "item1_url"),
			Item2Name: stringParam(result.Params, "item2_name"),
			Item2URL:  stringParam(result.Params, "item2_url"),
			Sites:     params.Sites,
		}
		res, err := s.deps.Handlers.CompareItems(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			_ = emitter.SendCompareItems(res.Item1, res.Item2, res.Comparison)
		}
		return nil, nil

	case "accompaniment":
		mainItem := stringParam(result.Params, "main_item")
		return s.deps.Handlers.Accompaniment(ctx, rnk, query, mainItem, params.Sites)

	case "recipe_substitution":
		req := handlers.RecipeSubstitutionRequest{
			Query:           query,
			DietaryNeed:     stringParam(result.Params, "dietary_need"),
			UnavailableItem: stringParam(result.Params, "unavailable_item"),
			Sites:           params.Sites,
		}
		res, err := s.deps.Handlers.RecipeSubstitution(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			_ = emitter.SendSubstitutionSuggestions(res.NeedsSubstitution, res.Suggestion, res.Recipes)
		}
		return nil, nil

	default:
		return s.deps.Handlers.Search(ctx, rnk, query, params.Sites)
	}
}

func (s *Server) postRank(ctx context.Context, emitter *Emitter, query, generateMode string, ranked []*pipeline.RankedItem) {
	if len(ranked) == 0 {
		return
	}
	if locations, ok := s.deps.PostRank.DetectAddresses(ranked); ok {
		locs := make([]map[string]string, len(locations))
		for i, l := range locations {
			locs[i] = map[string]string{"title": l.Title, "address": l.Address}
		}
		_ = emitter.SendResultsMap(locs)
	}

	switch generateMode {
	case "summarize":
		summary, _, err := s.deps.PostRank.Summarize(ctx, query, ranked)
		if err == nil {
			_ = emitter.SendSummary(summary)
		}
	case "generate":
		result, err := s.deps.PostRank.Generate(ctx, query, ranked)
		if err == nil {
			_ = emitter.SendNLWS(result.Answer, result.Descriptions)
		}
	}
}

// stringParam extracts a tool-router param as a string. Router params
// originate from an LLM's tool-call arguments, which may decode a value as
// a number or bool even when the tool schema declares it a string, so a
// plain type assertion would silently drop the field; cast coerces it.
func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

func summarizeForStorage(ranked []*pipeline.RankedItem) string {
	var b strings.Builder
	for i, r := range ranked {
		if i >= 3 {
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(r.Item.Name)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type panicError struct{ value any }

func (e *panicError) Error() string {
	return "recovered panic: " + toString(e.value)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return strconv.Quote("unknown panic value")
}

var (
	errQueryIrrelevant     = &staticErr{"query is irrelevant to the configured sites"}
	errMissingRequiredInfo = &staticErr{"required information is missing"}
)

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
