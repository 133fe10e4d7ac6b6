// Package cache implements the bounded query-result cache: LRU eviction,
// lazy TTL expiry, wholesale invalidation on agent-set change, and an
// opt-in fuzzy lookup for near-duplicate queries.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"

	"quorum/internal/logging"
	"quorum/internal/textutil"
	"quorum/internal/types"
)

// Entry is one cached final response.
type Entry struct {
	Query     string // normalized query text, kept for fuzzy matching
	Response  string
	Strategy  string
	Usage     types.UsageMetadata
	SubQCount int
	CreatedAt time.Time
	TTL       time.Duration
}

// expired reports whether the entry is past its TTL. An expired entry is
// treated as absent regardless of its LRU position.
func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Stats counts cache activity.
type Stats struct {
	Hits        uint64
	FuzzyHits   uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Options configures a Cache.
type Options struct {
	MaxEntries  int
	TTL         time.Duration
	EnableFuzzy bool
	FuzzyMinSim float64 // similarity floor for fuzzy matches, (0,1]
}

// Cache is a bounded LRU+TTL cache keyed on normalized query, sorted
// active-agent ids, and execution mode.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Entry]
	opts  Options
	stats Stats

	now func() time.Time // test seam
}

// New creates a cache. MaxEntries < 1 is coerced to 1.
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 1
	}
	c := &Cache{opts: opts, now: time.Now}
	l, err := lru.NewWithEvict[string, *Entry](opts.MaxEntries, func(string, *Entry) {
		c.stats.Evictions++
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Key builds the cache key from the normalized query, the sorted enabled
// agent ids, and the execution mode. Callers pass ids already sorted.
func Key(query string, agentIDs []string, mode string) string {
	return textutil.Normalize(query) + "\x1f" + strings.Join(agentIDs, ",") + "\x1f" + mode
}

// Get looks up an exact key. Expired entries are removed and reported as
// misses.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	logging.Cache("hit: %.60s", e.Query)
	return e, true
}

// GetFuzzy tries an exact lookup first, then (when fuzzy is enabled) scans
// cached keys with the same agent set and mode for a query within the
// similarity threshold. Fuzzy hits risk returning stale near-duplicates,
// which is why the mode is opt-in.
func (c *Cache) GetFuzzy(query string, agentIDs []string, mode string) (*Entry, bool) {
	key := Key(query, agentIDs, mode)
	if e, ok := c.Get(key); ok {
		return e, true
	}
	if !c.opts.EnableFuzzy {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	norm := textutil.Normalize(query)
	suffix := "\x1f" + strings.Join(agentIDs, ",") + "\x1f" + mode
	now := c.now()

	for _, k := range c.lru.Keys() {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		cand := strings.SplitN(k, "\x1f", 2)[0]
		if similarity(norm, cand) < c.opts.FuzzyMinSim {
			continue
		}
		e, ok := c.lru.Peek(k)
		if !ok || e.expired(now) {
			continue
		}
		c.lru.Get(k) // promote
		c.stats.FuzzyHits++
		logging.Cache("fuzzy hit: %.40s ~ %.40s", norm, cand)
		return e, true
	}
	return nil, false
}

// similarity converts edit distance to a [0,1] score over the longer string.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// Put stores an entry under the exact key.
func (c *Cache) Put(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if e.TTL == 0 {
		e.TTL = c.opts.TTL
	}
	c.lru.Add(key, e)
}

// InvalidateAll drops every entry. Called whenever the agent set changes,
// since agent identity is part of answer correctness.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.lru.Purge()
	// Purge fires the evict callback per entry; those were invalidations,
	// not capacity evictions.
	c.stats.Evictions -= uint64(n)
	logging.Cache("invalidated %d entries", n)
}

// Len returns the number of resident entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
