package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLivenessOKWhenNoChecksFail(t *testing.T) {
	hs := NewHealthService(0)
	hs.RegisterLivenessCheck("always_ok", CheckFunc(func(ctx context.Context) error { return nil }))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	hs.handleLiveness(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if resp.Checks["always_ok"].Status != "ok" {
		t.Fatalf("expected always_ok check to report ok, got %+v", resp.Checks)
	}
}

func TestReadinessFailsWhenAnyCheckFails(t *testing.T) {
	hs := NewHealthService(0)
	hs.RegisterReadinessCheck("broken", CheckFunc(func(ctx context.Context) error {
		return errors.New("queue saturated")
	}))
	hs.RegisterReadinessCheck("fine", CheckFunc(func(ctx context.Context) error { return nil }))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	hs.handleReadiness(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "failed" {
		t.Fatalf("expected overall status failed, got %q", resp.Status)
	}
	if resp.Checks["broken"].Status != "failed" || resp.Checks["broken"].Error != "queue saturated" {
		t.Fatalf("expected broken check to report its error, got %+v", resp.Checks["broken"])
	}
	if resp.Checks["fine"].Status != "ok" {
		t.Fatalf("expected unaffected check to still report ok, got %+v", resp.Checks["fine"])
	}
}
