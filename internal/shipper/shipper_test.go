package shipper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
)

func testShipperConfig(endpoint, recEndpoint string) config.ShipperConfig {
	return config.ShipperConfig{
		Endpoint:             endpoint,
		RecordingEndpoint:    recEndpoint,
		APIKey:               "sk_t3_testkey",
		Mode:                 "direct",
		QueueCapacity:        4,
		BatchSize:            10,
		BatchTimeout:         50 * time.Millisecond,
		MaxConcurrentUploads: 2,
		MaxRetries:           3,
		BackoffBase:          time.Millisecond,
		BackoffCap:           10 * time.Millisecond,
		ShutdownDeadline:     time.Second,
	}
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, "state.db"), filepath.Join(dir, "fallback.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	cfg.QueueCapacity = 1
	s := New(cfg, st, "test-host", "1.0.0")

	doc1 := &models.ConsolidatedCall{LinkedID: "a"}
	doc2 := &models.ConsolidatedCall{LinkedID: "b"}

	if err := s.Emit(context.Background(), doc1); err != nil {
		t.Fatalf("first emit should succeed: %v", err)
	}
	if err := s.Emit(context.Background(), doc2); err == nil {
		t.Fatalf("second emit should be dropped when queue is full")
	}
	if s.Dropped() != 1 {
		t.Fatalf("expected 1 dropped document, got %d", s.Dropped())
	}
}

func TestShipWithRetryEventuallySucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	s := New(cfg, st, "test-host", "1.0.0")

	doc := &models.ConsolidatedCall{LinkedID: "retry-me", IsComplete: true}
	s.shipWithRetry(context.Background(), doc)

	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}

	got, err := st.GetCallState("retry-me")
	if err != nil {
		t.Fatalf("GetCallState: %v", err)
	}
	if got == nil || got.ShipCount != 1 {
		t.Fatalf("expected ship count 1 after eventual success, got %+v", got)
	}
	if got.ErrorCount != 0 {
		t.Fatalf("expected error count reset to 0 after success, got %d", got.ErrorCount)
	}
}

func TestShipWithRetryStopsOnRejection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	s := New(cfg, st, "test-host", "1.0.0")

	doc := &models.ConsolidatedCall{LinkedID: "rejected"}
	s.shipWithRetry(context.Background(), doc)

	if calls != 1 {
		t.Fatalf("expected a 4xx rejection to stop retries immediately, got %d attempts", calls)
	}

	got, err := st.GetCallState("rejected")
	if err != nil {
		t.Fatalf("GetCallState: %v", err)
	}
	if got == nil || got.ErrorCount != 1 {
		t.Fatalf("expected error count 1 after rejection, got %+v", got)
	}
}

func TestUploadEligibleRecordingsMarksUploaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	s := New(cfg, st, "test-host", "1.0.0")

	dir := t.TempDir()
	path := filepath.Join(dir, "rec.wav")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rd := &models.RecordingDescriptor{
		Filename:           "rec.wav",
		FilePath:           path,
		FileExists:         true,
		RecordingComplete:  true,
		EarliestUploadTime: time.Now().UTC().Add(-time.Minute),
	}
	if err := st.SaveRecording(rd); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}

	s.UploadEligibleRecordings(context.Background())

	got, err := st.GetRecording("rec.wav")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got == nil || !got.Uploaded {
		t.Fatalf("expected recording to be marked uploaded, got %+v", got)
	}
}

func TestUploadOneAdvancesBackoffOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	cfg.MaxRetries = 1 // one attempt per uploadOne call, so the scheduled cooldown is deterministic
	s := New(cfg, st, "test-host", "1.0.0")

	dir := t.TempDir()
	path := filepath.Join(dir, "rec.wav")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rd := &models.RecordingDescriptor{
		Filename:           "rec.wav",
		FilePath:           path,
		FileExists:         true,
		RecordingComplete:  true,
		StartedAt:          time.Now().UTC(),
		EarliestUploadTime: time.Now().UTC().Add(-time.Minute),
	}
	if err := st.SaveRecording(rd); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}

	s.uploadOne(context.Background(), rd)

	got, err := st.GetRecording("rec.wav")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got == nil {
		t.Fatalf("expected recording descriptor to still exist")
	}
	if got.Uploaded {
		t.Fatalf("expected upload to still be failed, not marked uploaded")
	}
	if got.UploadAttempts != 1 {
		t.Fatalf("expected 1 upload attempt recorded, got %d", got.UploadAttempts)
	}
	wantCooldown := state.BackoffCooldown(1)
	if !got.EarliestUploadTime.After(time.Now().UTC().Add(wantCooldown - time.Minute)) {
		t.Fatalf("expected earliest_upload_time advanced by the backoff schedule, got %v", got.EarliestUploadTime)
	}

	// A second tick immediately after must not re-attempt the upload since
	// the cooldown hasn't elapsed.
	s.UploadEligibleRecordings(context.Background())
	got2, err := st.GetRecording("rec.wav")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got2.UploadAttempts != 1 {
		t.Fatalf("expected no retry before the backoff cooldown elapses, attempts now %d", got2.UploadAttempts)
	}
}

func TestUploadEligibleRecordingsAbandonsAfter48h(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cfg := testShipperConfig(srv.URL, srv.URL)
	s := New(cfg, st, "test-host", "1.0.0")

	dir := t.TempDir()
	path := filepath.Join(dir, "rec.wav")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rd := &models.RecordingDescriptor{
		Filename:           "rec.wav",
		FilePath:           path,
		FileExists:         true,
		RecordingComplete:  true,
		StartedAt:          time.Now().UTC().Add(-49 * time.Hour),
		UploadAttempts:     6,
		EarliestUploadTime: time.Now().UTC().Add(-time.Minute),
	}
	if err := st.SaveRecording(rd); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}

	s.UploadEligibleRecordings(context.Background())

	got, err := st.GetRecording("rec.wav")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.UploadAttempts != 6 {
		t.Fatalf("expected upload past the 48h ceiling to be skipped entirely, attempts now %d", got.UploadAttempts)
	}
}

func TestRateForAPIKeyTiers(t *testing.T) {
	cases := map[string]float64{
		"sk_t0_abc": 2,
		"sk_t1_abc": 5,
		"sk_t2_abc": 20,
		"sk_t3_abc": 100,
		"sk_t9_abc": 2, // unknown tier falls back to the conservative default
		"malformed": 2,
	}
	for key, want := range cases {
		if got := RateForAPIKey(key); got != want {
			t.Errorf("RateForAPIKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	base := 10 * time.Millisecond
	cap := 50 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt, base, cap)
		if d > cap {
			t.Fatalf("backoff(%d) = %v exceeds cap %v", attempt, d, cap)
		}
		if d < 0 {
			t.Fatalf("backoff(%d) = %v is negative", attempt, d)
		}
	}
}
