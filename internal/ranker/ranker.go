// Package ranker scores retrieved items against a query using an LLM,
// streaming high-confidence results as soon as they are scored and forcing
// a final flush of everything above the publication threshold.
package ranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/samber/lo"

	"github.com/nlweb-go/nlweb/internal/llm"
	"github.com/nlweb-go/nlweb/internal/metrics"
	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/prompts"
	syncpool "github.com/nlweb-go/nlweb/pkg/sync"
)

// Track selects the abort-sensitivity and result-coordination semantics a
// ranking pass runs with.
type Track int

const (
	// RegularTrack is the default post-tool-routing ranking pass.
	RegularTrack Track = iota
	// FastTrack runs opportunistically before decontextualization finishes
	// and must discard its work silently if aborted before its first send.
	FastTrack
	// PostDecontextualization runs once decontextualization has resolved
	// the query but before the rest of precheck has finished.
	PostDecontextualization
)

const (
	// publishThreshold is the minimum score (exclusive) an item needs to
	// ever reach the client, in either early-send or forced-flush form.
	publishThreshold = 51
	// resultCap bounds how many items are ever sent for one request.
	resultCap = 10
)

// earlySendThreshold returns the score an item must exceed to be streamed
// immediately rather than waiting for the forced flush, which is lower in
// generate mode since fewer items are needed to synthesize an answer.
func earlySendThreshold(generateMode string) int {
	if generateMode == "generate" {
		return 55
	}
	return 59
}

// Scored is one item's ranking outcome, in completion order.
type Scored struct {
	Item  *pipeline.RetrievedItem
	Rank  pipeline.Ranking
	Index int // order in which this item's score arrived, for tie-breaking
}

// Gate exposes the handler-state-machine hooks the ranker needs: whether
// precheck has finished, whether fast-track results should be discarded,
// and the cross-pass sent-item/asking-sites bookkeeping both the fast-track
// and regular ranking passes for one request share.
type Gate interface {
	WaitPreChecksDone(ctx context.Context) error
	ShouldAbortFastTrack() bool
	// RecordSent reports whether item should be sent now: false if some
	// pass (fast-track or regular) already sent its URL, or the request's
	// shared result cap is full.
	RecordSent(item *pipeline.RankedItem) bool
	// MarkFastTrackWorked records that a FastTrack-track pass sent at
	// least one item.
	MarkFastTrackWorked()
	// MarkAskingSitesSent reports whether this is the first call for the
	// request, so asking_sites is sent at most once.
	MarkAskingSitesSent() bool
}

// Sink receives batches of ranked items as they become eligible to send,
// and the ranker's informational messages.
type Sink interface {
	SendResultBatch(items []*pipeline.RankedItem) error
	SendAskingSites(sites []string) error
}

// Config configures a ranking pass.
type Config struct {
	LLM          llm.Client
	Prompts      *prompts.Registry
	Track        Track
	GenerateMode string // "list", "summarize" or "generate"
	Gate         Gate
	Sink         Sink
	// OfferSiteSummary enables the asking_sites informational message for
	// this request; set only when the request's site scope is unfiltered
	// ("all"/"nlws"), per spec §4.5.
	OfferSiteSummary bool
	// MaxConcurrency bounds simultaneous LLM calls. <= 0 defaults to 8.
	MaxConcurrency int
	// Metrics records ranker activity if non-nil.
	Metrics *metrics.Registry
}

// Ranker scores a batch of retrieved items against a query.
type Ranker struct {
	cfg Config
}

// New constructs a Ranker from cfg.
func New(cfg Config) (*Ranker, error) {
	if cfg.LLM == nil {
		return nil, errors.New("ranker: llm client is required")
	}
	if cfg.Prompts == nil {
		return nil, errors.New("ranker: prompt registry is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("ranker: gate is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("ranker: sink is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Ranker{cfg: cfg}, nil
}

type scoreResult struct {
	item *pipeline.RetrievedItem
	rank pipeline.Ranking
	ok   bool
}

// promptResponse is the structured shape the ranking prompt asks the LLM
// to return.
type promptResponse struct {
	Score       int    `json:"score"`
	Description string `json:"description"`
}

// Rank scores every item against query, streaming eligible items through
// Sink.SendResultBatch as they cross the early-send threshold, then forces
// a final flush of every remaining item above the publish threshold (up to
// the result cap). It returns the final ranked answers sorted by score
// descending.
func (r *Ranker) Rank(ctx context.Context, query string, items []*pipeline.RetrievedItem) ([]*pipeline.RankedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	r.emitAskingSites(items)

	results := make(chan scoreResult, len(items))
	wp := workerpool.New(r.cfg.MaxConcurrency)
	defer wp.Stop()
	scorePool := syncpool.PoolOfWorkerpool(wp)
	var wg sync.WaitGroup

	for _, item := range items {
		item := item
		wg.Add(1)
		_ = scorePool.Submit(func() {
			defer wg.Done()

			rank, err := r.score(ctx, query, item)
			if err != nil {
				results <- scoreResult{item: item, ok: false}
				return
			}
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RankerItemsScored.Inc()
			}
			results <- scoreResult{item: item, rank: rank, ok: true}
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	threshold := earlySendThreshold(r.cfg.GenerateMode)

	var mu sync.Mutex
	var sent []*pipeline.RankedItem
	var all []*pipeline.RankedItem
	sentURLs := make(map[string]struct{})

	gated := false
	for res := range results {
		if !res.ok {
			continue
		}
		ranked := &pipeline.RankedItem{Item: res.item, Rank: res.rank}

		mu.Lock()
		all = append(all, ranked)
		mu.Unlock()

		if res.rank.Score <= threshold {
			continue
		}

		if !gated {
			// FastTrack (and the once-decontextualization-resolved
			// PostDecontextualization variant) must bypass the
			// pre_checks_done gate entirely and send opportunistically,
			// honoring only the explicit abort event: waiting here would
			// block on the very thing fast-track exists to race ahead of.
			// Only the regular, post-tool-routing pass waits for precheck.
			if r.cfg.Track != RegularTrack {
				if r.cfg.Gate.ShouldAbortFastTrack() {
					return nil, nil
				}
			} else if err := r.cfg.Gate.WaitPreChecksDone(ctx); err != nil {
				return nil, err
			}
			gated = true
		}

		if r.cfg.Gate.RecordSent(ranked) {
			mu.Lock()
			sent = append(sent, ranked)
			sentURLs[ranked.Item.URL] = struct{}{}
			mu.Unlock()
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RankerEarlySends.Inc()
			}
			if err := r.cfg.Sink.SendResultBatch([]*pipeline.RankedItem{ranked}); err != nil {
				return nil, err
			}
			if r.cfg.Track != RegularTrack {
				r.cfg.Gate.MarkFastTrackWorked()
			}
		}
	}

	// Forced flush: everything above publishThreshold, sorted by score
	// descending (ties keep first-completed order), truncated to the cap.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score() > all[j].Score() })

	var final []*pipeline.RankedItem
	for _, ranked := range all {
		if ranked.Score() <= publishThreshold {
			continue
		}
		final = append(final, ranked)
		if len(final) >= resultCap {
			break
		}
	}

	var toFlush []*pipeline.RankedItem
	for _, ranked := range final {
		if _, already := sentURLs[ranked.Item.URL]; already {
			continue
		}
		if r.cfg.Gate.RecordSent(ranked) {
			toFlush = append(toFlush, ranked)
		}
	}
	if len(toFlush) > 0 {
		if err := r.cfg.Sink.SendResultBatch(toFlush); err != nil {
			return nil, err
		}
	}

	return final, nil
}

func (r *Ranker) score(ctx context.Context, query string, item *pipeline.RetrievedItem) (pipeline.Ranking, error) {
	promptName := rankingPromptName(item)
	if !r.cfg.Prompts.Has(promptName) {
		promptName = "RankingPrompt." + item.Site + ".Item"
	}
	if r.cfg.GenerateMode == "generate" && r.cfg.Prompts.Has("RankingPromptForGenerate") {
		promptName = "RankingPromptForGenerate"
	}
	rendered, err := r.cfg.Prompts.Render(promptName, map[string]any{
		"query":       query,
		"name":        item.Name,
		"description": item.Description,
		"schema":      item.Schema,
	})
	if err != nil {
		return pipeline.Ranking{}, fmt.Errorf("ranker: rendering prompt: %w", err)
	}

	model := ""
	if r.cfg.GenerateMode == "summarize" {
		model = "high-tier"
	}

	resp, err := r.cfg.LLM.Complete(ctx, &llm.Request{
		Model:    model,
		Messages: []llm.Message{{Role: "user", Content: rendered}},
	})
	if err != nil {
		return pipeline.Ranking{}, fmt.Errorf("ranker: llm call: %w", err)
	}

	var parsed promptResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return pipeline.Ranking{}, fmt.Errorf("ranker: parsing response: %w", err)
	}

	return pipeline.Ranking{Score: parsed.Score, Description: parsed.Description}, nil
}

// rankingPromptName names the site+item-type specific ranking prompt,
// using the "Item" type when the item has no @type. score falls back to
// the site's generic "Item" prompt when this name is not registered.
func rankingPromptName(item *pipeline.RetrievedItem) string {
	itemType, _ := item.Schema["@type"].(string)
	if itemType == "" {
		itemType = "Item"
	}
	name := "RankingPrompt." + item.Site + "." + itemType
	return name
}

// emitAskingSites sends the informational top-3-sites message at most once
// per request, and only when the request's site scope is unfiltered
// ("all"/"nlws"): it ignores the caller's abort/gating state, since it is
// advisory only and not subject to the checks that guard result batches,
// but it must still dedup across both the fast-track and regular passes.
func (r *Ranker) emitAskingSites(items []*pipeline.RetrievedItem) {
	if !r.cfg.OfferSiteSummary {
		return
	}
	if !r.cfg.Gate.MarkAskingSitesSent() {
		return
	}

	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Site]++
	}
	type siteCount struct {
		site  string
		count int
	}
	var ordered []siteCount
	for site, count := range counts {
		ordered = append(ordered, siteCount{site, count})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].count > ordered[j].count })

	top := lo.Map(ordered, func(sc siteCount, _ int) string { return sc.site })
	if len(top) > 3 {
		top = top[:3]
	}
	_ = r.cfg.Sink.SendAskingSites(top)
}
