// Package mapping resolves source feeds to their destinations and keeps
// relay links and counters in a storage.Store.
package mapping

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"mirrorbot/internal/mirror"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

// Routes is the configured routing table before disabled routes are
// taken out. Legacy is the one-to-one channel_mappings form.
type Routes struct {
	Legacy  map[string]string
	Source  int64
	Targets []int64
}

// Registry implements mirror.Mapping.
type Registry struct {
	log   logx.Logger
	store storage.Store

	mu       sync.RWMutex
	routes   map[mirror.FeedID][]mirror.FeedID
	disabled map[storage.Route]struct{}
}

var _ mirror.Mapping = (*Registry)(nil)

// New builds a registry. A nil store keeps everything in memory.
func New(ctx context.Context, st storage.Store, r Routes, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = storage.NewMemory()
	}
	reg := &Registry{log: log, store: st, disabled: map[storage.Route]struct{}{}}

	disabled, err := st.DisabledRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load disabled routes: %w", err)
	}
	for _, d := range disabled {
		reg.disabled[d] = struct{}{}
	}
	if err := reg.Apply(r); err != nil {
		return nil, err
	}
	return reg, nil
}

// Apply replaces the routing table. Routes removed after a fatal failure
// stay removed until Enable is called.
func (r *Registry) Apply(rt Routes) error {
	table, err := buildTable(rt)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.routes = table
	r.mu.Unlock()
	r.log.Info("routes applied", logx.Int("sources", len(table)))
	return nil
}

func buildTable(rt Routes) (map[mirror.FeedID][]mirror.FeedID, error) {
	table := map[mirror.FeedID][]mirror.FeedID{}
	add := func(src, dst int64) {
		if src == 0 || dst == 0 || src == dst {
			return
		}
		s, d := mirror.FeedID(src), mirror.FeedID(dst)
		if !slices.Contains(table[s], d) {
			table[s] = append(table[s], d)
		}
	}
	for k, v := range rt.Legacy {
		src, err := parseFeed(k)
		if err != nil {
			return nil, fmt.Errorf("channel_mappings key %q: %w", k, err)
		}
		dst, err := parseFeed(v)
		if err != nil {
			return nil, fmt.Errorf("channel_mappings[%s]: %w", k, err)
		}
		add(src, dst)
	}
	for _, t := range rt.Targets {
		add(rt.Source, t)
	}
	for _, ds := range table {
		slices.Sort(ds)
	}
	return table, nil
}

func parseFeed(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// ResolveDestinations returns the live destinations of source in a stable
// order.
func (r *Registry) ResolveDestinations(_ context.Context, source mirror.FeedID) []mirror.FeedID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.routes[source]
	out := make([]mirror.FeedID, 0, len(all))
	for _, d := range all {
		if _, off := r.disabled[storage.Route{Source: int64(source), Dest: int64(d)}]; !off {
			out = append(out, d)
		}
	}
	return out
}

// Sources lists every configured source feed.
func (r *Registry) Sources() []mirror.FeedID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mirror.FeedID, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// RemoveMapping disables the route durably. It is idempotent.
func (r *Registry) RemoveMapping(ctx context.Context, source, dest mirror.FeedID) error {
	rt := storage.Route{Source: int64(source), Dest: int64(dest)}
	r.mu.Lock()
	_, already := r.disabled[rt]
	r.disabled[rt] = struct{}{}
	r.mu.Unlock()
	if already {
		return nil
	}
	r.log.Warn("route disabled", logx.Int64("source", rt.Source), logx.Int64("dest", rt.Dest))
	return r.store.DisableRoute(ctx, rt)
}

// Enable brings a removed route back.
func (r *Registry) Enable(ctx context.Context, source, dest mirror.FeedID) error {
	rt := storage.Route{Source: int64(source), Dest: int64(dest)}
	r.mu.Lock()
	delete(r.disabled, rt)
	r.mu.Unlock()
	return r.store.EnableRoute(ctx, rt)
}

// Disabled lists routes removed after fatal failures.
func (r *Registry) Disabled() []storage.Route {
	r.mu.RLock()
	out := make([]storage.Route, 0, len(r.disabled))
	for d := range r.disabled {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b storage.Route) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Dest, b.Dest))
	})
	return out
}

func (r *Registry) CacheMessage(ctx context.Context, l mirror.Link) error {
	return r.store.PutLink(ctx, toStorage(l))
}

func (r *Registry) GetCachedMessage(ctx context.Context, source mirror.FeedID, id mirror.MessageID, dest mirror.FeedID) (mirror.Link, bool, error) {
	sl, ok, err := r.store.GetLink(ctx, storage.LinkKey{Source: int64(source), SourceID: int(id), Dest: int64(dest)})
	if err != nil || !ok {
		return mirror.Link{}, false, err
	}
	return fromStorage(sl), true, nil
}

func (r *Registry) ForgetMessage(ctx context.Context, source mirror.FeedID, id mirror.MessageID, dest mirror.FeedID) error {
	return r.store.DeleteLink(ctx, storage.LinkKey{Source: int64(source), SourceID: int(id), Dest: int64(dest)})
}

// IncrementStat never fails; a store error is logged.
func (r *Registry) IncrementStat(ctx context.Context, name string, n int64) {
	if err := r.store.AddStat(ctx, name, n); err != nil {
		r.log.Debug("stat update failed", logx.String("name", name), logx.Err(err))
	}
}

// Stats returns the persisted counters.
func (r *Registry) Stats(ctx context.Context) (map[string]int64, error) {
	return r.store.Stats(ctx)
}

func toStorage(l mirror.Link) storage.Link {
	return storage.Link{
		Source:   int64(l.Source),
		SourceID: int(l.SourceID),
		Dest:     int64(l.Dest),
		DestID:   int(l.DestID),
		Kind:     l.Kind.String(),
		MediaRef: l.MediaRef,
		At:       l.At,
	}
}

func fromStorage(l storage.Link) mirror.Link {
	return mirror.Link{
		Source:   mirror.FeedID(l.Source),
		SourceID: mirror.MessageID(l.SourceID),
		Dest:     mirror.FeedID(l.Dest),
		DestID:   mirror.MessageID(l.DestID),
		Kind:     mirror.ParseContentKind(l.Kind),
		MediaRef: l.MediaRef,
		At:       l.At,
	}
}
