package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "state.db"), filepath.Join(dir, "fallback.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartupWatermarkPersistsOnce(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	wm, err := st.StartupWatermark(now, time.Time{})
	if err != nil {
		t.Fatalf("StartupWatermark failed: %v", err)
	}
	if !wm.Equal(now) {
		t.Fatalf("expected watermark %v, got %v", now, wm)
	}

	later := now.Add(time.Hour)
	wm2, err := st.StartupWatermark(later, time.Time{})
	if err != nil {
		t.Fatalf("StartupWatermark failed: %v", err)
	}
	if !wm2.Equal(now) {
		t.Fatalf("expected persisted watermark to stick across restarts, got %v", wm2)
	}
}

func TestCallStateRoundTrip(t *testing.T) {
	st := openTestStore(t)
	cs := &models.CallShippingState{LinkedID: "abc123", ShipCount: 1, FirstSeen: time.Now()}
	if err := st.SaveCallState(cs); err != nil {
		t.Fatalf("SaveCallState failed: %v", err)
	}

	got, err := st.GetCallState("abc123")
	if err != nil {
		t.Fatalf("GetCallState failed: %v", err)
	}
	if got == nil || got.ShipCount != 1 {
		t.Fatalf("expected round-tripped call state, got %+v", got)
	}

	missing, err := st.GetCallState("nonexistent")
	if err != nil {
		t.Fatalf("GetCallState failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for untracked linkedid")
	}
}

func TestListFailedCallsForRetryRespectsBackoff(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	st.SaveCallState(&models.CallShippingState{
		LinkedID: "recent-failure", ErrorCount: 1, FirstSeen: now, LastUpdated: now,
	})
	st.SaveCallState(&models.CallShippingState{
		LinkedID: "ready-to-retry", ErrorCount: 1, FirstSeen: now.Add(-time.Hour), LastUpdated: now.Add(-10 * time.Minute),
	})
	st.SaveCallState(&models.CallShippingState{
		LinkedID: "already-shipped", ErrorCount: 2, FirstSeen: now, LastUpdated: now.Add(-time.Hour), ShippedAt: now,
	})

	failed, err := st.ListFailedCallsForRetry(48*time.Hour, 100)
	if err != nil {
		t.Fatalf("ListFailedCallsForRetry failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LinkedID != "ready-to-retry" {
		t.Fatalf("expected only the backoff-elapsed failure, got %+v", failed)
	}
}

func TestPurgeOldCallStates(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	st.SaveCallState(&models.CallShippingState{LinkedID: "old", ShippedAt: now.Add(-72 * time.Hour)})
	st.SaveCallState(&models.CallShippingState{LinkedID: "fresh", ShippedAt: now})

	n, err := st.PurgeOldCallStates(48 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldCallStates failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged state, got %d", n)
	}
	if got, _ := st.GetCallState("old"); got != nil {
		t.Fatalf("expected old state purged")
	}
	if got, _ := st.GetCallState("fresh"); got == nil {
		t.Fatalf("expected fresh state retained")
	}
}

func TestRecordingUploadEligibility(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	st.SaveRecording(&models.RecordingDescriptor{
		Filename: "ready.wav", RecordingComplete: true, EarliestUploadTime: now.Add(-time.Minute),
	})
	st.SaveRecording(&models.RecordingDescriptor{
		Filename: "not-yet.wav", RecordingComplete: true, EarliestUploadTime: now.Add(time.Hour),
	})
	st.SaveRecording(&models.RecordingDescriptor{
		Filename: "incomplete.wav", RecordingComplete: false,
	})
	st.SaveRecording(&models.RecordingDescriptor{
		Filename: "abandoned.wav", RecordingComplete: true,
		StartedAt: now.Add(-49 * time.Hour), UploadAttempts: 7,
		EarliestUploadTime: now.Add(-time.Minute),
	})

	eligible, err := st.ListUploadEligible(now)
	if err != nil {
		t.Fatalf("ListUploadEligible failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].Filename != "ready.wav" {
		t.Fatalf("expected only ready.wav eligible (abandoned.wav past the 48h retry ceiling), got %+v", eligible)
	}
}

func TestBackoffCooldownSchedule(t *testing.T) {
	cases := map[int]time.Duration{
		0: 5 * time.Minute,
		1: 5 * time.Minute,
		2: 10 * time.Minute,
		3: 20 * time.Minute,
		4: 40 * time.Minute,
		5: time.Hour,
		9: time.Hour,
	}
	for errorCount, want := range cases {
		if got := BackoffCooldown(errorCount); got != want {
			t.Errorf("BackoffCooldown(%d) = %v, want %v", errorCount, got, want)
		}
	}
}
