package cache

import (
	"testing"
	"time"
)

func TestTTLGetSet(t *testing.T) {
	t.Parallel()

	c := New[int](50 * time.Millisecond)
	c.Set("a", 1)

	if got, ok := c.Get("a"); !ok || got != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatalf("Get(missing) = _, true, want false")
	}
}

func TestTTLExpires(t *testing.T) {
	t.Parallel()

	c := New[string](10 * time.Millisecond)
	c.Set("k", "v")
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("Get(k) after expiry = _, true, want false")
	}
}

func TestTTLPurgeRemovesExpiredOnly(t *testing.T) {
	t.Parallel()

	c := New[int](20 * time.Millisecond)
	c.Set("stale", 1)
	time.Sleep(30 * time.Millisecond)
	c.Set("fresh", 2)

	removed := c.Purge()
	if removed != 1 {
		t.Fatalf("Purge() removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestTTLDelete(t *testing.T) {
	t.Parallel()

	c := New[int](time.Minute)
	c.Set("k", 1)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("Get(k) after Delete = _, true, want false")
	}
}
