package state

import (
	"context"
	"testing"

	"github.com/nlweb-go/nlweb/internal/pipeline"
)

func TestDecontextualizationResolved(t *testing.T) {
	m := New("raw query")
	if m.DecontextualizationResolved() {
		t.Fatal("expected unresolved before MarkDecontextualized")
	}

	m.MarkDecontextualized("resolved query", true)

	if !m.DecontextualizationResolved() {
		t.Fatal("expected resolved after MarkDecontextualized")
	}
	if m.DecontextualizedQuery != "resolved query" {
		t.Fatalf("got %q, want %q", m.DecontextualizedQuery, "resolved query")
	}
	if !m.RequiresDecontextualization() {
		t.Fatal("expected requires-rewrite flag to be recorded")
	}
}

func TestPreCheckApprovalRejection(t *testing.T) {
	m := New("q")
	wantErr := context.DeadlineExceeded
	m.ApprovePreCheck(wantErr)

	if err := m.PreCheckApproval(context.Background()); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestShouldAbortFastTrackIgnoresPrecheckApproval(t *testing.T) {
	m := New("q")
	m.ApprovePreCheck(nil)
	if m.ShouldAbortFastTrack() {
		t.Fatal("precheck approval alone must not abort fast track: fast-track would never be able to send")
	}
	m.AbortFastTrack()
	if !m.ShouldAbortFastTrack() {
		t.Fatal("expected fast track to abort once explicitly aborted")
	}
}

func TestRecordSentDedupesAndCaps(t *testing.T) {
	m := New("q")
	item := &pipeline.RankedItem{Item: &pipeline.RetrievedItem{URL: "https://a.test"}, Rank: pipeline.Ranking{Score: 80}}

	if !m.RecordSent(item) {
		t.Fatal("expected first record to succeed")
	}
	if m.RecordSent(item) {
		t.Fatal("expected duplicate URL to be rejected")
	}
	if got := m.RankedAnswers(); len(got) != 1 {
		t.Fatalf("expected the sent item to be threaded into RankedAnswers, got %d", len(got))
	}

	for i := 0; i < resultCap; i++ {
		other := &pipeline.RankedItem{Item: &pipeline.RetrievedItem{URL: string(rune('b' + i)) + ".test"}, Rank: pipeline.Ranking{Score: 80}}
		m.RecordSent(other)
	}
	overflow := &pipeline.RankedItem{Item: &pipeline.RetrievedItem{URL: "overflow.test"}, Rank: pipeline.Ranking{Score: 80}}
	if m.RecordSent(overflow) {
		t.Fatal("expected the shared result cap to reject sends once full")
	}
}

func TestFastTrackWorked(t *testing.T) {
	m := New("q")
	if m.FastTrackWorked() {
		t.Fatal("expected fast track worked to start false")
	}
	m.MarkFastTrackWorked()
	if !m.FastTrackWorked() {
		t.Fatal("expected fast track worked to be true after marking")
	}
}

func TestMarkAskingSitesSentOnlyOnce(t *testing.T) {
	m := New("q")
	if !m.MarkAskingSitesSent() {
		t.Fatal("expected the first call to report true")
	}
	if m.MarkAskingSitesSent() {
		t.Fatal("expected subsequent calls to report false")
	}
}
