package mirror

import (
	"sync"
	"time"
)

// FloodRegistry remembers until when each destination is cooling down
// after a rate-limit signal. Entries expire lazily on read.
type FloodRegistry struct {
	mu    sync.Mutex
	until map[FeedID]time.Time
	now   func() time.Time
}

func NewFloodRegistry() *FloodRegistry {
	return &FloodRegistry{until: map[FeedID]time.Time{}, now: time.Now}
}

// Block records that dest accepts nothing for wait. A shorter wait never
// shortens an existing block.
func (f *FloodRegistry) Block(dest FeedID, wait time.Duration) time.Time {
	if wait <= 0 {
		return time.Time{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	at := f.now().Add(wait)
	if cur, ok := f.until[dest]; ok && cur.After(at) {
		return cur
	}
	f.until[dest] = at
	return at
}

// Remaining returns how long dest is still blocked, 0 when it is free.
func (f *FloodRegistry) Remaining(dest FeedID) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.until[dest]
	if !ok {
		return 0
	}
	left := at.Sub(f.now())
	if left <= 0 {
		delete(f.until, dest)
		return 0
	}
	return left
}

// Active returns the destinations currently blocked and their resume time.
func (f *FloodRegistry) Active() map[FeedID]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	out := make(map[FeedID]time.Time, len(f.until))
	for d, at := range f.until {
		if !at.After(now) {
			delete(f.until, d)
			continue
		}
		out[d] = at
	}
	return out
}
