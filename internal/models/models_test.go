package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCallGroupCallDateIsEarliestCDR(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	g := &CallGroup{CDRs: []CDR{{CallDate: t2}, {CallDate: t1}}}
	if !g.CallDate().Equal(t1) {
		t.Fatalf("expected earliest CDR calldate, got %v", g.CallDate())
	}
}

func TestCallGroupDurationSecondsIsMax(t *testing.T) {
	g := &CallGroup{CDRs: []CDR{{Duration: 10}, {Duration: 45}, {Duration: 20}}}
	if got := g.DurationSeconds(); got != 45 {
		t.Fatalf("expected max duration 45, got %d", got)
	}
}

func TestCallGroupDispositionPicksLongestCDR(t *testing.T) {
	g := &CallGroup{CDRs: []CDR{
		{Duration: 5, Disposition: DispositionNoAnswer},
		{Duration: 30, Disposition: DispositionAnswered},
	}}
	if got := g.Disposition(); got != DispositionAnswered {
		t.Fatalf("expected disposition of longest CDR, got %v", got)
	}
}

func TestCallGroupDispositionEmptyGroup(t *testing.T) {
	g := &CallGroup{}
	if got := g.Disposition(); got != DispositionNull {
		t.Fatalf("expected NULL disposition for an empty group, got %v", got)
	}
}

func TestEventProjectionMarshalJSONFlattensExtra(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := EventProjection{Time: ts, Event: "ANSWER", Extra: map[string]interface{}{"channel": "PJSIP/1001-1"}}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["event"] != "ANSWER" {
		t.Fatalf("expected event field, got %v", out)
	}
	if out["channel"] != "PJSIP/1001-1" {
		t.Fatalf("expected Extra fields flattened into the object, got %v", out)
	}
	if out["time"] != ts.Format(time.RFC3339) {
		t.Fatalf("expected RFC3339 time, got %v", out["time"])
	}
}
