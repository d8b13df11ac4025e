// Package state implements the per-request handler state machine described
// by the precheck/fast-track design: a thin layer of coordination over
// internal/pipeline's State, so the precheck, fast-track and ranker
// goroutines can share sent-item bookkeeping without polling.
package state

import (
	"context"
	"sync"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

// resultCap bounds how many ranked items are ever sent for one request,
// across both the fast-track and regular ranking passes.
const resultCap = 10

// gate is a one-shot broadcast: it starts closed-for-waiting and opens
// exactly once, after which every Wait call returns immediately.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Machine coordinates the stages of a single query: it owns the gate that
// lets the ranker wait for precheck approval, the shared sent-item
// bookkeeping fast-track and regular ranking share, and it embeds the
// request's *pipeline.State so callers have one value to thread through the
// pipeline.
type Machine struct {
	*pipeline.State

	decontextualized gate
	precheckApproved gate
	askingSitesOnce  sync.Once

	mu                          sync.Mutex
	precheckErr                 error
	requiresDecontextualization bool
	fastTrackWorked             bool
	sentURLs                    map[string]struct{}
}

// New creates a Machine for a single query, wrapping a freshly constructed
// pipeline.State.
func New(query string) *Machine {
	return &Machine{
		State:            pipeline.NewState(query),
		decontextualized: *newGate(),
		precheckApproved: *newGate(),
		sentURLs:         make(map[string]struct{}),
	}
}

// MarkDecontextualized records the decontextualized query and whether the
// Decon step determined a rewrite was needed, then releases anything
// observing DecontextualizationResolved/RequiresDecontextualization.
func (m *Machine) MarkDecontextualized(query string, requiresRewrite bool) {
	m.mu.Lock()
	m.DecontextualizedQuery = query
	m.requiresDecontextualization = requiresRewrite
	m.mu.Unlock()
	m.decontextualized.open()
}

// DecontextualizationResolved reports whether MarkDecontextualized has run
// yet, without blocking: fast-track must never wait on decontextualization,
// only check whether it happened to finish first.
func (m *Machine) DecontextualizationResolved() bool {
	return m.decontextualized.isOpen()
}

// RequiresDecontextualization reports the Decon step's verdict. Only
// meaningful once DecontextualizationResolved is true.
func (m *Machine) RequiresDecontextualization() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requiresDecontextualization
}

// ApprovePreCheck records the precheck stage's verdict (nil on approval, a
// rejection error otherwise) and releases anything blocked on it.
func (m *Machine) ApprovePreCheck(err error) {
	m.mu.Lock()
	m.precheckErr = err
	m.mu.Unlock()
	m.precheckApproved.open()
}

// PreCheckApproval blocks until ApprovePreCheck has run, or ctx is done,
// returning the recorded rejection error, if any.
func (m *Machine) PreCheckApproval(ctx context.Context) error {
	if err := m.precheckApproved.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.precheckErr
}

// ShouldAbortFastTrack reports whether fast-track results computed so far
// should be discarded. This is the explicit monotone abort event only: it
// must never be tripped just because the slow path has also approved, or a
// fast-track pass gated on it before its first send could never fire, since
// the slow path only approves after fast-track has already had its one
// chance to check this.
func (m *Machine) ShouldAbortFastTrack() bool {
	return m.FastTrackAborted()
}

// MarkFastTrackWorked records that the fast-track pass produced at least
// one send, so the regular pass (or anything else inspecting the request)
// can tell fast-track already answered part of it.
func (m *Machine) MarkFastTrackWorked() {
	m.mu.Lock()
	m.fastTrackWorked = true
	m.mu.Unlock()
}

// FastTrackWorked reports whether the fast-track pass has sent at least one
// result so far.
func (m *Machine) FastTrackWorked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fastTrackWorked
}

// RecordSent atomically dedupes item against every item already sent for
// this request by either ranking pass, and enforces the shared result cap.
// It reports whether the caller should actually send item now, and when it
// does, threads the item into the embedded pipeline.State's ranked-answer
// set so any stage can read back the request's final answers.
func (m *Machine) RecordSent(item *pipeline.RankedItem) bool {
	m.mu.Lock()
	if _, already := m.sentURLs[item.Item.URL]; already {
		m.mu.Unlock()
		return false
	}
	if len(m.sentURLs) >= resultCap {
		m.mu.Unlock()
		return false
	}
	m.sentURLs[item.Item.URL] = struct{}{}
	m.mu.Unlock()

	m.AddRankedAnswers(item)
	return true
}

// MarkAskingSitesSent reports whether this is the first call for the
// request, so the asking_sites message is sent at most once.
func (m *Machine) MarkAskingSitesSent() bool {
	first := false
	m.askingSitesOnce.Do(func() { first = true })
	return first
}
