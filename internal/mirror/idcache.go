package mirror

import (
	"math"
	"sort"
	"sync"
)

type linkKey struct {
	source FeedID
	id     MessageID
	dest   FeedID
}

type cacheEntry struct {
	link Link
	seq  uint64
}

// IDCache is the in-memory identifier cache. It holds at most capacity
// entries plus one eviction sweep's worth; crossing the cap evicts the
// oldest evictFraction of entries at once.
type IDCache struct {
	mu       sync.Mutex
	entries  map[linkKey]cacheEntry
	seq      uint64
	capacity int
	sweep    int
	evicted  uint64
}

func NewIDCache(capacity int, evictFraction float64) *IDCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.1
	}
	sweep := int(math.Ceil(float64(capacity) * evictFraction))
	if sweep < 1 {
		sweep = 1
	}
	return &IDCache{entries: make(map[linkKey]cacheEntry, capacity), capacity: capacity, sweep: sweep}
}

func keyOf(l Link) linkKey { return linkKey{source: l.Source, id: l.SourceID, dest: l.Dest} }

// Put inserts or replaces the entry for the link's key.
func (c *IDCache) Put(l Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[keyOf(l)] = cacheEntry{link: l, seq: c.seq}
	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

func (c *IDCache) Get(source FeedID, id MessageID, dest FeedID) (Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[linkKey{source: source, id: id, dest: dest}]
	return e.link, ok
}

func (c *IDCache) Forget(source FeedID, id MessageID, dest FeedID) {
	c.mu.Lock()
	delete(c.entries, linkKey{source: source, id: id, dest: dest})
	c.mu.Unlock()
}

func (c *IDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evicted returns how many entries sweeps have removed so far.
func (c *IDCache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

func (c *IDCache) evictLocked() {
	type aged struct {
		k   linkKey
		seq uint64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k: k, seq: e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	n := min(c.sweep, len(all))
	for _, a := range all[:n] {
		delete(c.entries, a.k)
	}
	c.evicted += uint64(n)
}
