package cache

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(maxSize int) (*QueryCache, *time.Time) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(maxSize, time.Minute)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestQueryCache_GetSet(t *testing.T) {
	c, now := newTestCache(10)

	if _, ok := c.Get("accounts:c1"); ok {
		t.Error("Get() hit on empty cache")
	}

	c.Set("accounts:c1", []string{"a"})
	v, ok := c.Get("accounts:c1")
	if !ok {
		t.Fatal("Get() missed a fresh entry")
	}
	if got := v.([]string); len(got) != 1 || got[0] != "a" {
		t.Errorf("Get() = %v", got)
	}

	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get("accounts:c1"); ok {
		t.Error("Get() returned an expired entry")
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after expiry", c.Size())
	}
}

func TestQueryCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("accounts:c1", 1)
	c.Set("accounts:c2", 2)
	c.Set("connectors:c1:individual", 3)

	c.Invalidate("accounts:c1")
	if _, ok := c.Get("accounts:c1"); ok {
		t.Error("invalidated key still cached")
	}
	if _, ok := c.Get("accounts:c2"); !ok {
		t.Error("unrelated key invalidated")
	}

	c.Invalidate("connectors:")
	if _, ok := c.Get("connectors:c1:individual"); ok {
		t.Error("prefix invalidation missed a key")
	}
}

func TestQueryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(3)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	c.Get("k0")
	c.Set("k3", 3)

	if _, ok := c.Get("k1"); ok {
		t.Error("least recently used key was not evicted")
	}
	if _, ok := c.Get("k0"); !ok {
		t.Error("recently used key was evicted")
	}
	if c.Size() != 3 {
		t.Errorf("Size() = %d, want 3", c.Size())
	}
}

func TestQueryCache_CleanExpired(t *testing.T) {
	c, now := newTestCache(10)
	c.Set("old", 1)
	*now = now.Add(45 * time.Second)
	c.Set("new", 2)
	*now = now.Add(30 * time.Second)

	if n := c.CleanExpired(); n != 1 {
		t.Errorf("CleanExpired() = %d, want 1", n)
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("fresh entry removed")
	}
}
