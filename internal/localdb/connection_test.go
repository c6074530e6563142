package localdb

import (
	"errors"
	"testing"
)

func TestIsRetryableError(t *testing.T) {
	cases := map[string]bool{
		"dial tcp: connection refused":          true,
		"read tcp: connection reset by peer":     true,
		"write: broken pipe":                     true,
		"context deadline exceeded: i/o timeout": true,
		"Error 1213: Deadlock found":             true,
		"Error 1205: Lock wait timeout, try restarting transaction": true,
		"Error 1062: Duplicate entry":                              false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errors.New(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsRetryableErrorNil(t *testing.T) {
	if isRetryableError(nil) {
		t.Fatalf("expected nil error to be non-retryable")
	}
}
