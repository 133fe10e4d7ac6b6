package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 4, TTL: time.Minute})

	key := Key("What happened?", []string{"a1", "a2"}, "standard")
	c.Put(key, &Entry{Query: "what happened?", Response: "things"})

	e, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "things", e.Response)
}

func TestCache_KeyNormalization(t *testing.T) {
	k1 := Key("  What   HAPPENED? ", []string{"a1"}, "standard")
	k2 := Key("what happened?", []string{"a1"}, "standard")
	assert.Equal(t, k1, k2)

	// Different agent set, different key.
	k3 := Key("what happened?", []string{"a1", "a2"}, "standard")
	assert.NotEqual(t, k1, k3)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 4, TTL: time.Minute})

	now := time.Now()
	c.now = func() time.Time { return now }

	key := Key("q", []string{"a1"}, "standard")
	c.Put(key, &Entry{Query: "q", Response: "r"})

	_, ok := c.Get(key)
	assert.True(t, ok)

	// An entry past its TTL is absent regardless of LRU position.
	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_LRUEviction(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 2, TTL: time.Hour})

	for i := 0; i < 3; i++ {
		k := Key(fmt.Sprintf("q%d", i), []string{"a1"}, "standard")
		c.Put(k, &Entry{Query: fmt.Sprintf("q%d", i), Response: "r"})
	}

	assert.Equal(t, 2, c.Len())
	// Oldest entry went first.
	_, ok := c.Get(Key("q0", []string{"a1"}, "standard"))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_InvalidateAll(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 8, TTL: time.Hour})
	c.Put(Key("q1", []string{"a1"}, "standard"), &Entry{Response: "r"})
	c.Put(Key("q2", []string{"a1"}, "standard"), &Entry{Response: "r"})

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_FuzzyDisabledByDefault(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 8, TTL: time.Hour})
	c.Put(Key("what decisions were made", []string{"a1"}, "standard"),
		&Entry{Query: "what decisions were made", Response: "r"})

	_, ok := c.GetFuzzy("what decisions were madee", []string{"a1"}, "standard")
	assert.False(t, ok)
}

func TestCache_FuzzyMatch(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 8, TTL: time.Hour, EnableFuzzy: true, FuzzyMinSim: 0.88})
	c.Put(Key("what decisions were made", []string{"a1"}, "standard"),
		&Entry{Query: "what decisions were made", Response: "r"})

	// One character off: well inside the threshold.
	e, ok := c.GetFuzzy("what decisions were madee", []string{"a1"}, "standard")
	require.True(t, ok)
	assert.Equal(t, "r", e.Response)

	// Different agent set never fuzzy-matches.
	_, ok = c.GetFuzzy("what decisions were madee", []string{"a2"}, "standard")
	assert.False(t, ok)

	// A different question stays a miss.
	_, ok = c.GetFuzzy("summarize the risks", []string{"a1"}, "standard")
	assert.False(t, ok)
}
