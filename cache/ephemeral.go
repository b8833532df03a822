package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/queryweave/queryweave/config"
)

// Category tags a cached value with its TTL class.
type Category string

const (
	CategoryRAGAnswer     Category = "RAG_ANSWER"
	CategorySQLGeneration Category = "SQL_GENERATION"
	CategorySQLResult     Category = "SQL_RESULT"
	CategoryEmbedding     Category = "EMBEDDING"
)

// Stats reports cache effectiveness per category.
type Stats struct {
	Entries int              `json:"entries"`
	Hits    map[Category]int `json:"hits"`
	Misses  map[Category]int `json:"misses"`
}

// Cache is the ephemeral hot-result tier. Expiry is evaluated lazily on
// read; writes are last-writer-wins. Losing a racing write costs only a
// recomputation, never correctness, so there is no per-key locking.
type Cache interface {
	Get(key string, category Category) (any, bool)
	Put(key string, value any, category Category)
	Invalidate(key string)
	// Clear removes all entries, or only those of the given category when
	// one is passed. Operational tooling only; the orchestrator never calls it.
	Clear(category ...Category)
	Stats() Stats
}

type entry struct {
	key      string
	value    any
	category Category
	expires  time.Time
	element  *list.Element
}

type ephemeralCache struct {
	mu       sync.Mutex
	capacity int
	ttls     map[Category]time.Duration
	items    map[string]*entry
	order    *list.List
	hits     map[Category]int
	misses   map[Category]int
	now      func() time.Time
}

// New creates an ephemeral cache with bounded capacity and TTLs taken from
// configuration (built-in category defaults when unset).
func New(cfg config.CacheConfig) Cache {
	capacity := cfg.MaxEntries
	if capacity <= 0 {
		capacity = 2048
	}
	return &ephemeralCache{
		capacity: capacity,
		ttls: map[Category]time.Duration{
			CategoryRAGAnswer:     cfg.RAGAnswerTTL(),
			CategorySQLGeneration: cfg.SQLGenerationTTL(),
			CategorySQLResult:     cfg.SQLResultTTL(),
			CategoryEmbedding:     cfg.EmbeddingTTL(),
		},
		items:  make(map[string]*entry, capacity),
		order:  list.New(),
		hits:   make(map[Category]int),
		misses: make(map[Category]int),
		now:    time.Now,
	}
}

func (c *ephemeralCache) Get(key string, category Category) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		if c.now().Before(ent.expires) {
			c.order.MoveToFront(ent.element)
			c.hits[category]++
			return ent.value, true
		}
		// Expired entries are misses and are evicted on the spot.
		c.removeEntry(ent)
	}
	c.misses[category]++
	return nil, false
}

func (c *ephemeralCache) Put(key string, value any, category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl(category))
	if ent, ok := c.items[key]; ok {
		// Overwrite-on-recompute; entries are never partially updated.
		ent.value = value
		ent.category = category
		ent.expires = expires
		c.order.MoveToFront(ent.element)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(key)
	c.items[key] = &entry{
		key:      key,
		value:    value,
		category: category,
		expires:  expires,
		element:  elem,
	}
}

func (c *ephemeralCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
}

func (c *ephemeralCache) Clear(category ...Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(category) == 0 {
		c.items = make(map[string]*entry, c.capacity)
		c.order.Init()
		return
	}
	for _, cat := range category {
		for _, ent := range c.items {
			if ent.category == cat {
				c.removeEntry(ent)
			}
		}
	}
}

func (c *ephemeralCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries: len(c.items),
		Hits:    make(map[Category]int, len(c.hits)),
		Misses:  make(map[Category]int, len(c.misses)),
	}
	for k, v := range c.hits {
		s.Hits[k] = v
	}
	for k, v := range c.misses {
		s.Misses[k] = v
	}
	return s
}

func (c *ephemeralCache) ttl(category Category) time.Duration {
	if ttl, ok := c.ttls[category]; ok && ttl > 0 {
		return ttl
	}
	return time.Minute
}

func (c *ephemeralCache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(string)
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
}

func (c *ephemeralCache) removeEntry(ent *entry) {
	if ent.element != nil {
		c.order.Remove(ent.element)
	}
	delete(c.items, ent.key)
}
