package precheck

import (
	"context"

	"github.com/nlweb-go/nlweb/internal/pipeline"
	"github.com/nlweb-go/nlweb/internal/state"
)

// Retriever is the subset of internal/retrieval.Aggregator that fast-track
// retrieval needs.
type Retriever interface {
	Search(ctx context.Context, query string, sites []string) ([]*pipeline.RetrievedItem, error)
}

// RankFunc runs a ranking pass over retrieved items. postDecon is true when
// decontextualization has already resolved, with no rewrite needed, by the
// time retrieval finished, letting the caller switch to its
// PostDecontextualization-tracked ranker instead of the FastTrack one; both
// gate the same way (abort-only), but the distinction matters for logging
// and metrics.
type RankFunc func(ctx context.Context, query string, items []*pipeline.RetrievedItem, postDecon bool) ([]*pipeline.RankedItem, error)

// machineGate adapts *state.Machine to the narrower wait/record surface the
// fast-track orchestrator and the ranker need, without the ranker package
// importing internal/state.
type machineGate struct {
	machine *state.Machine
}

func (g machineGate) WaitPreChecksDone(ctx context.Context) error {
	return g.machine.PreCheckApproval(ctx)
}

func (g machineGate) ShouldAbortFastTrack() bool {
	return g.machine.ShouldAbortFastTrack()
}

func (g machineGate) RecordSent(item *pipeline.RankedItem) bool {
	return g.machine.RecordSent(item)
}

func (g machineGate) MarkFastTrackWorked() {
	g.machine.MarkFastTrackWorked()
}

func (g machineGate) MarkAskingSitesSent() bool {
	return g.machine.MarkAskingSitesSent()
}

// NewGate wraps a state machine as a ranker.Gate-compatible value.
func NewGate(m *state.Machine) machineGate {
	return machineGate{machine: m}
}

// RunFastTrack launches retrieval for the raw query immediately. Once
// retrieval finishes, it checks whether decontextualization happened to
// resolve first, without ever blocking on it, which would cost fast-track
// the head start it exists for: if it resolved with no rewrite needed, rank
// runs in POST_DECONTEXTUALIZATION mode; otherwise it runs in FAST_TRACK
// mode. Either way the ranker itself is responsible for discarding its work
// if the fast track is aborted before its first send (see ranker.Track).
//
// site is the optional site scoping to retrieve within; an empty slice
// searches every site.
func RunFastTrack(ctx context.Context, machine *state.Machine, retriever Retriever, rank RankFunc, query string, sites []string) ([]*pipeline.RankedItem, error) {
	items, err := retriever.Search(ctx, query, sites)
	if err != nil {
		return nil, err
	}
	machine.AddRetrievedItems(items...)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if machine.ShouldAbortFastTrack() {
		return nil, nil
	}

	postDecon := machine.DecontextualizationResolved() && !machine.RequiresDecontextualization()
	return rank(ctx, query, items, postDecon)
}
