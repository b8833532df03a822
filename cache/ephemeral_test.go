package cache

import (
	"testing"
	"time"

	"github.com/queryweave/queryweave/config"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) *ephemeralCache {
	t.Helper()
	c, ok := New(cfg).(*ephemeralCache)
	if !ok {
		t.Fatalf("expected *ephemeralCache")
	}
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	c.Put("k1", "answer", CategoryRAGAnswer)

	got, ok := c.Get("k1", CategoryRAGAnswer)
	if !ok || got != "answer" {
		t.Fatalf("expected hit with %q, got %v %v", "answer", got, ok)
	}
	if _, ok := c.Get("absent", CategoryRAGAnswer); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestTTLExpiryIsLazy(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{SQLResultTTLSeconds: 900})
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("k1", "rows", CategorySQLResult)

	// Read just before expiry: hit.
	c.now = func() time.Time { return base.Add(14 * time.Minute) }
	if _, ok := c.Get("k1", CategorySQLResult); !ok {
		t.Fatalf("entry expired too early")
	}

	// Read past TTL: miss, and the entry is evicted.
	c.now = func() time.Time { return base.Add(16 * time.Minute) }
	if _, ok := c.Get("k1", CategorySQLResult); ok {
		t.Fatalf("expected miss after TTL")
	}
	if c.Stats().Entries != 0 {
		t.Fatalf("expected expired entry to be evicted, have %d entries", c.Stats().Entries)
	}
}

func TestOverwriteIsLastWriterWins(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	c.Put("k1", "first", CategoryRAGAnswer)
	c.Put("k1", "second", CategoryRAGAnswer)
	got, _ := c.Get("k1", CategoryRAGAnswer)
	if got != "second" {
		t.Fatalf("expected last write to win, got %v", got)
	}
	if c.Stats().Entries != 1 {
		t.Fatalf("overwrite must not duplicate entries")
	}
}

func TestCapacityEviction(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{MaxEntries: 2})
	c.Put("a", 1, CategoryEmbedding)
	c.Put("b", 2, CategoryEmbedding)
	c.Get("a", CategoryEmbedding) // a is now most recent
	c.Put("c", 3, CategoryEmbedding)

	if _, ok := c.Get("b", CategoryEmbedding); ok {
		t.Fatalf("expected least recently used entry to be evicted")
	}
	if _, ok := c.Get("a", CategoryEmbedding); !ok {
		t.Fatalf("recently used entry should survive eviction")
	}
}

func TestClearByCategory(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	c.Put("a", 1, CategoryRAGAnswer)
	c.Put("b", 2, CategorySQLResult)
	c.Put("c", 3, CategorySQLResult)

	c.Clear(CategorySQLResult)
	if _, ok := c.Get("a", CategoryRAGAnswer); !ok {
		t.Fatalf("other categories must survive a scoped clear")
	}
	if _, ok := c.Get("b", CategorySQLResult); ok {
		t.Fatalf("cleared category entry still present")
	}

	c.Clear()
	if c.Stats().Entries != 0 {
		t.Fatalf("full clear left %d entries", c.Stats().Entries)
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	c.Put("a", 1, CategoryRAGAnswer)
	c.Invalidate("a")
	if _, ok := c.Get("a", CategoryRAGAnswer); ok {
		t.Fatalf("invalidated key still present")
	}
}

func TestStatsCounts(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	c.Put("a", 1, CategoryRAGAnswer)
	c.Get("a", CategoryRAGAnswer)
	c.Get("missing", CategoryRAGAnswer)

	s := c.Stats()
	if s.Hits[CategoryRAGAnswer] != 1 || s.Misses[CategoryRAGAnswer] != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestNoopAlwaysMisses(t *testing.T) {
	n := NewNoop()
	n.Put("k", "v", CategoryRAGAnswer)
	if _, ok := n.Get("k", CategoryRAGAnswer); ok {
		t.Fatalf("noop cache must always miss")
	}
}
