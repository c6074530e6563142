package cache

import (
	"context"
	"testing"
	"time"
)

func TestDisabledCacheIsANoOp(t *testing.T) {
	c, err := New(Config{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("New with disabled cache should never error: %v", err)
	}

	ctx := context.Background()
	var dest string
	if err := c.Get(ctx, "some-key", &dest); err != nil {
		t.Fatalf("Get on disabled cache should never error: %v", err)
	}
	if dest != "" {
		t.Fatalf("expected Get to leave dest untouched on a miss, got %q", dest)
	}

	if err := c.Set(ctx, "some-key", "value", time.Minute); err != nil {
		t.Fatalf("Set on disabled cache should never error: %v", err)
	}
	if err := c.Delete(ctx, "some-key"); err != nil {
		t.Fatalf("Delete on disabled cache should never error: %v", err)
	}

	if c.SeenDocument(ctx, "linked1", "hash1", time.Minute) {
		t.Fatalf("expected SeenDocument to always report false on a disabled cache")
	}

	unlock, err := c.Lock(ctx, "lock-key", time.Minute)
	if err != nil {
		t.Fatalf("Lock on disabled cache should never error: %v", err)
	}
	unlock() // must not panic

	if err := c.Close(); err != nil {
		t.Fatalf("Close on disabled cache should never error: %v", err)
	}
}

func TestCacheKeyPrefixing(t *testing.T) {
	c := &Cache{prefix: "agent"}
	if got := c.key("linked1"); got != "agent:linked1" {
		t.Fatalf("expected prefixed key, got %q", got)
	}

	noPrefix := &Cache{}
	if got := noPrefix.key("linked1"); got != "linked1" {
		t.Fatalf("expected unprefixed key when no prefix is set, got %q", got)
	}
}
