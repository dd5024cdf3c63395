package mirror

import "sync"

// DedupGuard admits one processing of a source message at a time. The key
// is shared by every destination of the message and is reference counted:
// deferred tasks and batch items keep it held until they finish.
type DedupGuard struct {
	mu   sync.Mutex
	refs map[msgKey]int
}

func NewDedupGuard() *DedupGuard {
	return &DedupGuard{refs: map[msgKey]int{}}
}

// TryAcquire takes the key with one reference. It fails when the message
// is already in flight.
func (g *DedupGuard) TryAcquire(feed FeedID, id MessageID) bool {
	k := msgKey{feed: feed, id: id}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs[k] > 0 {
		return false
	}
	g.refs[k] = 1
	return true
}

// Retain adds a reference to a held key.
func (g *DedupGuard) Retain(feed FeedID, id MessageID) {
	k := msgKey{feed: feed, id: id}
	g.mu.Lock()
	g.refs[k]++
	g.mu.Unlock()
}

// Release drops one reference; the key is free once none remain.
func (g *DedupGuard) Release(feed FeedID, id MessageID) {
	k := msgKey{feed: feed, id: id}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch n := g.refs[k]; {
	case n <= 1:
		delete(g.refs, k)
	default:
		g.refs[k] = n - 1
	}
}

func (g *DedupGuard) InFlight(feed FeedID, id MessageID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs[msgKey{feed: feed, id: id}] > 0
}

// Len returns the number of messages in flight.
func (g *DedupGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs)
}
