package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. The file driver embeds it as its
// in-memory view.
type memoryStore struct {
	mu       sync.RWMutex
	links    map[LinkKey]Link
	stats    map[string]int64
	disabled map[Route]struct{}
	dedup    map[string]int64 // unix milli
}

// NewMemory returns a process-local store.
func NewMemory() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{
		links:    map[LinkKey]Link{},
		stats:    map[string]int64{},
		disabled: map[Route]struct{}{},
		dedup:    map[string]int64{},
	}
}

func (m *memoryStore) PutLink(_ context.Context, l Link) error {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	m.mu.Lock()
	m.links[l.Key()] = l
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetLink(_ context.Context, k LinkKey) (Link, bool, error) {
	m.mu.RLock()
	l, ok := m.links[k]
	m.mu.RUnlock()
	return l, ok, nil
}

func (m *memoryStore) DeleteLink(_ context.Context, k LinkKey) error {
	m.mu.Lock()
	delete(m.links, k)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) AddStat(_ context.Context, name string, n int64) error {
	m.mu.Lock()
	m.stats[name] += n
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Stats(context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) DisableRoute(_ context.Context, r Route) error {
	m.mu.Lock()
	m.disabled[r] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) EnableRoute(_ context.Context, r Route) error {
	m.mu.Lock()
	delete(m.disabled, r)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DisabledRoutes(context.Context) ([]Route, error) {
	m.mu.RLock()
	out := make([]Route, 0, len(m.disabled))
	for r := range m.disabled {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortRoutes(out)
	return out, nil
}

func (m *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until.UnixMilli()
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	ms, ok := m.dedup[key]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (m *memoryStore) Close() error { return nil }

// prune drops expired dedup windows and links older than ttl.
func (m *memoryStore) prune(now time.Time, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := now.UnixMilli()
	for k, v := range m.dedup {
		if v < ms {
			delete(m.dedup, k)
		}
	}
	if ttl <= 0 {
		return
	}
	cutoff := now.Add(-ttl)
	for k, l := range m.links {
		if l.At.Before(cutoff) {
			delete(m.links, k)
		}
	}
}

func sortRoutes(rs []Route) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Source != rs[j].Source {
			return rs[i].Source < rs[j].Source
		}
		return rs[i].Dest < rs[j].Dest
	})
}
