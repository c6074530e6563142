package aggregator

import (
	"testing"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

func TestIsCompleteOnLinkedIDEnd(t *testing.T) {
	g := &models.CallGroup{CELs: []models.CEL{{EventType: models.EventLinkedIDEnd, EventTime: time.Now()}}}
	if !isComplete(g) {
		t.Fatalf("expected LINKEDID_END to mark complete")
	}
}

func TestIsCompleteWhenHangupsMatchChanStarts(t *testing.T) {
	now := time.Now()
	g := &models.CallGroup{CELs: []models.CEL{
		{EventType: models.EventChanStart, UniqueID: "a", EventTime: now},
		{EventType: models.EventChanStart, UniqueID: "b", EventTime: now},
		{EventType: models.EventHangup, UniqueID: "a", EventTime: now},
		{EventType: models.EventHangup, UniqueID: "b", EventTime: now},
	}}
	if !isComplete(g) {
		t.Fatalf("expected complete when every started channel has hung up")
	}
}

func TestIsCompleteNotYetForOngoingCall(t *testing.T) {
	now := time.Now()
	g := &models.CallGroup{
		CELs: []models.CEL{{EventType: models.EventChanStart, UniqueID: "a", EventTime: now}},
		CDRs: []models.CDR{{CallDate: now, Disposition: models.DispositionNull}},
	}
	if isComplete(g) {
		t.Fatalf("expected call still in progress to be incomplete")
	}
}

func TestIsCompleteViaStaleDisposedCDR(t *testing.T) {
	old := time.Now().Add(-5 * time.Minute)
	g := &models.CallGroup{CDRs: []models.CDR{{CallDate: old, Disposition: models.DispositionAnswered}}}
	if !isComplete(g) {
		t.Fatalf("expected a disposed CDR stale for >60s to count as complete")
	}
}

func TestDecidePhaseFirstSeenCompleteModeEmitsOnlyWhenComplete(t *testing.T) {
	a := &Aggregator{cfg: config.AggregationConfig{ShippingMode: "complete"}}

	incomplete := &models.CallGroup{CDRs: []models.CDR{{Disposition: models.DispositionNull, CallDate: time.Now()}}}
	if _, shouldEmit := a.decidePhase(nil, incomplete, false); shouldEmit {
		t.Fatalf("expected no emission for a new, incomplete call in complete mode")
	}

	complete := &models.CallGroup{CDRs: []models.CDR{{Disposition: models.DispositionAnswered, CallDate: time.Now()}}}
	phase, shouldEmit := a.decidePhase(nil, complete, true)
	if !shouldEmit || phase != models.ShipPhaseComplete {
		t.Fatalf("expected complete-phase emission for a new, complete call, got phase=%v emit=%v", phase, shouldEmit)
	}
}

func TestDecidePhaseNeverReshipsAfterComplete(t *testing.T) {
	a := &Aggregator{cfg: config.AggregationConfig{ShippingMode: "complete"}}
	prev := &models.CallShippingState{IsComplete: true, ShippedAt: time.Now().Add(-time.Hour)}
	_, shouldEmit := a.decidePhase(prev, &models.CallGroup{}, true)
	if shouldEmit {
		t.Fatalf("expected no re-emission once a call has shipped complete")
	}
}

func TestDecidePhaseProgressiveEmitsOnGrowth(t *testing.T) {
	a := &Aggregator{cfg: config.AggregationConfig{ShippingMode: "progressive"}}
	prev := &models.CallShippingState{LastCDRCount: 1, LastCELCount: 2, LastUpdated: time.Now()}
	group := &models.CallGroup{CDRs: []models.CDR{{}, {}}, CELs: []models.CEL{{}, {}}}

	phase, shouldEmit := a.decidePhase(prev, group, false)
	if !shouldEmit || phase != models.ShipPhaseUpdate {
		t.Fatalf("expected update-phase emission on growth, got phase=%v emit=%v", phase, shouldEmit)
	}
}

func TestBuildCallThreadsOrdersCDRBeforeCELOnTie(t *testing.T) {
	ts := time.Now()
	group := &models.CallGroup{
		CDRs: []models.CDR{{CallDate: ts, Src: "1001", Dst: "1002"}},
		CELs: []models.CEL{{EventType: models.EventAnswer, EventTime: ts}},
	}
	threads := buildCallThreads(group)
	if len(threads) != 2 {
		t.Fatalf("expected 2 projected entries, got %d", len(threads))
	}
	if threads[0].Event != "CDR" || threads[1].Event != models.EventAnswer {
		t.Fatalf("expected CDR to sort before CEL at equal timestamps, got %+v", threads)
	}
}

func TestBuildCallThreadsSkipsNonAllowlistedEvents(t *testing.T) {
	group := &models.CallGroup{CELs: []models.CEL{{EventType: "SOME_UNKNOWN_EVENT", EventTime: time.Now()}}}
	threads := buildCallThreads(group)
	if len(threads) != 0 {
		t.Fatalf("expected unrecognized CEL event types to be dropped, got %+v", threads)
	}
}
