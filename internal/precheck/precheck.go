// Package precheck runs the concurrent preprocessing steps that gate a
// query before retrieval: item-type detection, decontextualization,
// relevance, memory extraction, required-info checking and query rewriting,
// plus an opportunistic fast-track retrieval+ranking pass (RunFastTrack).
// Tool routing is not a precheck step; it lives in internal/router.
package precheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
)

// StepFlags toggles individual precheck steps. A disabled step completes
// immediately with a safe, non-aborting default.
type StepFlags struct {
	DetectItemType           bool
	DetectMultiItemTypeQuery bool
	DetectQueryType          bool
	Decon                    bool
	Relevance                bool
	Memory                   bool
	RequiredInfo             bool
	QueryRewrite             bool
}

// DefaultStepFlags enables every step.
func DefaultStepFlags() StepFlags {
	return StepFlags{true, true, true, true, true, true, true, true}
}

// Input is what the caller supplies for a single request.
type Input struct {
	Query       string
	PrevQueries []string
	ContextURL  string
	Site        string
	// DecontextualizedQuery, when non-empty, was already computed by the
	// caller (e.g. a client that decontextualizes itself); the Decon step
	// then becomes a NoOp.
	DecontextualizedQuery string
}

// Outcome is the accumulated result of every precheck step.
type Outcome struct {
	ItemType                    string
	DecontextualizedQuery       string
	RequiresDecontextualization bool
	QueryIsIrrelevant           bool
	RememberMessage             string
	RequiredInfoFound           bool
	AskUserMessage              string
	RewrittenQueries            []string

	// AbortFastTrack is true if any step determined fast-track results
	// must be discarded.
	AbortFastTrack bool
	// QueryDone is true if precheck already determined no answer should
	// be produced (e.g. the query is irrelevant, or required info is
	// missing and the user must be asked).
	QueryDone bool
}

// Sink receives the informational messages precheck steps emit directly
// (remember, ask_user, site_is_irrelevant_to_query).
type Sink interface {
	SendRemember(message string) error
	SendAskUser(message string) error
	SendSiteIrrelevant() error
}

// Config configures a precheck run.
type Config struct {
	LLM     llm.Client
	Prompts *prompts.Registry
	Flags   StepFlags
	Sink    Sink
	// FetchByURL resolves ContextURL to an item for the
	// ContextUrlDecontextualizer variant. Required only when ContextURL
	// may be set.
	FetchByURL func(ctx context.Context, url string) (*pipeline.RetrievedItem, error)
	// OnDecontextualized, if set, is invoked as soon as the Decon step
	// resolves, independently of the other concurrent steps, so a
	// fast-track pass racing against precheck can observe the result
	// without waiting for Run to return.
	OnDecontextualized func(query string, requiresRewrite bool)
}

// Precheck runs the concurrent preprocessing pipeline.
type Precheck struct {
	cfg Config
}

// New constructs a Precheck from cfg.
func New(cfg Config) (*Precheck, error) {
	if cfg.LLM == nil {
		return nil, errors.New("precheck: llm client is required")
	}
	if cfg.Prompts == nil {
		return nil, errors.New("precheck: prompt registry is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("precheck: sink is required")
	}
	return &Precheck{cfg: cfg}, nil
}

// Run executes every enabled precheck step concurrently and returns the
// merged outcome once all of them have completed. Individual step failures
// are swallowed: a failing step completes with its safe default rather
// than failing the whole request.
func (p *Precheck) Run(ctx context.Context, in Input) Outcome {
	var mu sync.Mutex
	out := Outcome{
		DecontextualizedQuery: in.Query,
		RequiredInfoFound:     true,
	}

	var wg sync.WaitGroup
	run := func(name string, enabled bool, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !enabled {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					defer mu.Unlock()
					_ = fmt.Sprintf("precheck: step %s panicked: %v", name, r)
				}
			}()
			_ = fn(ctx)
		}()
	}

	run("DetectItemType", p.cfg.Flags.DetectItemType, func(ctx context.Context) error {
		itemType, err := p.detectItemType(ctx, in.Query)
		if err != nil {
			return err
		}
		mu.Lock()
		out.ItemType = itemType
		mu.Unlock()
		return nil
	})

	run("Decon", p.cfg.Flags.Decon, func(ctx context.Context) error {
		query, requires, err := p.decontextualize(ctx, in)
		if err != nil {
			return err
		}
		mu.Lock()
		out.DecontextualizedQuery = query
		out.RequiresDecontextualization = requires
		if requires {
			out.AbortFastTrack = true
		}
		mu.Unlock()
		if p.cfg.OnDecontextualized != nil {
			p.cfg.OnDecontextualized(query, requires)
		}
		return nil
	})

	run("Relevance", p.cfg.Flags.Relevance, func(ctx context.Context) error {
		irrelevant, err := p.checkRelevance(ctx, in.Query, in.Site)
		if err != nil {
			return err
		}
		mu.Lock()
		out.QueryIsIrrelevant = irrelevant
		if irrelevant {
			out.AbortFastTrack = true
			out.QueryDone = true
		}
		mu.Unlock()
		if irrelevant {
			return p.cfg.Sink.SendSiteIrrelevant()
		}
		return nil
	})

	run("Memory", p.cfg.Flags.Memory, func(ctx context.Context) error {
		remember, err := p.detectMemory(ctx, in.Query)
		if err != nil || remember == "" {
			return err
		}
		mu.Lock()
		out.RememberMessage = remember
		mu.Unlock()
		return p.cfg.Sink.SendRemember(remember)
	})

	run("RequiredInfo", p.cfg.Flags.RequiredInfo, func(ctx context.Context) error {
		found, ask, err := p.checkRequiredInfo(ctx, in.Query)
		if err != nil {
			return err
		}
		mu.Lock()
		out.RequiredInfoFound = found
		out.AskUserMessage = ask
		if !found {
			out.AbortFastTrack = true
			out.QueryDone = true
		}
		mu.Unlock()
		if !found && ask != "" {
			return p.cfg.Sink.SendAskUser(ask)
		}
		return nil
	})

	run("QueryRewrite", p.cfg.Flags.QueryRewrite, func(ctx context.Context) error {
		rewrites, err := p.rewriteQuery(ctx, in.Query)
		if err != nil {
			return err
		}
		mu.Lock()
		out.RewrittenQueries = rewrites
		mu.Unlock()
		return nil
	})

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return out
}

type singleFieldResponse struct {
	Value string `json:"value"`
}

func (p *Precheck) complete(ctx context.Context, promptName string, vars map[string]any) (string, error) {
	rendered, err := p.cfg.Prompts.Render(promptName, vars)
	if err != nil {
		return "", fmt.Errorf("precheck: rendering %s: %w", promptName, err)
	}
	resp, err := p.cfg.LLM.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: "user", Content: rendered}}})
	if err != nil {
		return "", fmt.Errorf("precheck: llm call for %s: %w", promptName, err)
	}
	return resp.Text, nil
}

func (p *Precheck) detectItemType(ctx context.Context, query string) (string, error) {
	text, err := p.complete(ctx, "DetectItemTypePrompt", map[string]any{"query": query})
	if err != nil {
		return "Item", nil
	}
	var parsed singleFieldResponse
	if json.Unmarshal([]byte(text), &parsed) == nil && parsed.Value != "" {
		return parsed.Value, nil
	}
	return "Item", nil
}

func (p *Precheck) checkRelevance(ctx context.Context, query, site string) (bool, error) {
	text, err := p.complete(ctx, "RelevancePrompt", map[string]any{"query": query, "site": site})
	if err != nil {
		return false, nil
	}
	var parsed struct {
		Irrelevant bool `json:"irrelevant"`
	}
	_ = json.Unmarshal([]byte(text), &parsed)
	return parsed.Irrelevant, nil
}

func (p *Precheck) detectMemory(ctx context.Context, query string) (string, error) {
	text, err := p.complete(ctx, "MemoryPrompt", map[string]any{"query": query})
	if err != nil {
		return "", nil
	}
	var parsed struct {
		Remember string `json:"remember"`
	}
	_ = json.Unmarshal([]byte(text), &parsed)
	return parsed.Remember, nil
}

func (p *Precheck) checkRequiredInfo(ctx context.Context, query string) (bool, string, error) {
	text, err := p.complete(ctx, "RequiredInfoPrompt", map[string]any{"query": query})
	if err != nil {
		return true, "", nil
	}
	var parsed struct {
		Found     bool   `json:"found"`
		AskUser   string `json:"ask_user"`
	}
	parsed.Found = true
	if json.Unmarshal([]byte(text), &parsed) != nil {
		return true, "", nil
	}
	return parsed.Found, parsed.AskUser, nil
}

func (p *Precheck) rewriteQuery(ctx context.Context, query string) ([]string, error) {
	text, err := p.complete(ctx, "QueryRewritePrompt", map[string]any{"query": query})
	if err != nil {
		return nil, nil
	}
	var parsed struct {
		Queries []string `json:"queries"`
	}
	if json.Unmarshal([]byte(text), &parsed) != nil {
		return nil, nil
	}
	if len(parsed.Queries) > 5 {
		parsed.Queries = parsed.Queries[:5]
	}
	return parsed.Queries, nil
}
