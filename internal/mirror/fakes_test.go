package mirror

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"
)

type sentText struct {
	Dest    FeedID
	Text    string
	Spans   []Span
	Preview bool
}

type sentMedia struct {
	Dest    FeedID
	Payload MediaPayload
	Caption string
}

type editCall struct {
	Dest FeedID
	ID   MessageID
	Edit Edit
}

type deleteCall struct {
	Dest FeedID
	IDs  []MessageID
}

// fakeTransport records every call. failSend, when set, is consulted
// before each send and edit; returning a non-nil error fails the call.
type fakeTransport struct {
	mu       sync.Mutex
	nextID   map[FeedID]MessageID
	texts    []sentText
	media    []sentMedia
	albums   [][]MediaPayload
	edits    []editCall
	deletes  []deleteCall
	download int

	failSend     func(dest FeedID, call int) error
	failDelete   func(dest FeedID) error
	downloadData []byte
	downloadErr  error
	history      []Message
	calls        map[FeedID]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextID: map[FeedID]MessageID{}, calls: map[FeedID]int{}, downloadData: []byte("blob")}
}

func (f *fakeTransport) next(dest FeedID) (MessageID, error) {
	f.calls[dest]++
	if f.failSend != nil {
		if err := f.failSend(dest, f.calls[dest]); err != nil {
			return 0, err
		}
	}
	f.nextID[dest]++
	return 1000 + f.nextID[dest], nil
}

func (f *fakeTransport) SendText(_ context.Context, dest FeedID, text string, spans []Span, preview bool) (MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.next(dest)
	if err != nil {
		return 0, err
	}
	f.texts = append(f.texts, sentText{Dest: dest, Text: text, Spans: spans, Preview: preview})
	return id, nil
}

func (f *fakeTransport) SendMedia(_ context.Context, dest FeedID, p MediaPayload, caption string, _ []Span) (MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.next(dest)
	if err != nil {
		return 0, err
	}
	f.media = append(f.media, sentMedia{Dest: dest, Payload: p, Caption: caption})
	return id, nil
}

func (f *fakeTransport) SendAlbum(_ context.Context, dest FeedID, items []MediaPayload, _ string, _ []Span) ([]MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]MessageID, 0, len(items))
	for range items {
		id, err := f.next(dest)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	f.albums = append(f.albums, items)
	return ids, nil
}

func (f *fakeTransport) DownloadMedia(context.Context, *Media) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.download++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.downloadData, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, dest FeedID, id MessageID, e Edit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[dest]++
	if f.failSend != nil {
		if err := f.failSend(dest, f.calls[dest]); err != nil {
			return err
		}
	}
	f.edits = append(f.edits, editCall{Dest: dest, ID: id, Edit: e})
	return nil
}

func (f *fakeTransport) DeleteMessages(_ context.Context, dest FeedID, ids []MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		if err := f.failDelete(dest); err != nil {
			return err
		}
	}
	f.deletes = append(f.deletes, deleteCall{Dest: dest, IDs: append([]MessageID(nil), ids...)})
	return nil
}

func (f *fakeTransport) IterateHistory(ctx context.Context, feed FeedID, fromID MessageID, _ bool) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		f.mu.Lock()
		hist := append([]Message(nil), f.history...)
		f.mu.Unlock()
		for _, m := range hist {
			if m.Feed != feed || m.ID < fromID {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (f *fakeTransport) textsTo(dest FeedID) []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentText
	for _, t := range f.texts {
		if t.Dest == dest {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTransport) snapshot() (texts []sentText, media []sentMedia, edits []editCall, deletes []deleteCall, downloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...), append([]sentMedia(nil), f.media...),
		append([]editCall(nil), f.edits...), append([]deleteCall(nil), f.deletes...), f.download
}

type fakeMapping struct {
	mu      sync.Mutex
	routes  map[FeedID][]FeedID
	removed [][2]FeedID
	links   map[linkKey]Link
	stats   map[string]int64
}

func newFakeMapping(routes map[FeedID][]FeedID) *fakeMapping {
	return &fakeMapping{routes: routes, links: map[linkKey]Link{}, stats: map[string]int64{}}
}

func (m *fakeMapping) ResolveDestinations(_ context.Context, source FeedID) []FeedID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FeedID(nil), m.routes[source]...)
}

func (m *fakeMapping) RemoveMapping(_ context.Context, source, dest FeedID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, [2]FeedID{source, dest})
	kept := m.routes[source][:0]
	for _, d := range m.routes[source] {
		if d != dest {
			kept = append(kept, d)
		}
	}
	m.routes[source] = kept
	return nil
}

func (m *fakeMapping) CacheMessage(_ context.Context, l Link) error {
	m.mu.Lock()
	m.links[keyOf(l)] = l
	m.mu.Unlock()
	return nil
}

func (m *fakeMapping) GetCachedMessage(_ context.Context, source FeedID, id MessageID, dest FeedID) (Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkKey{source: source, id: id, dest: dest}]
	return l, ok, nil
}

func (m *fakeMapping) ForgetMessage(_ context.Context, source FeedID, id MessageID, dest FeedID) error {
	m.mu.Lock()
	delete(m.links, linkKey{source: source, id: id, dest: dest})
	m.mu.Unlock()
	return nil
}

func (m *fakeMapping) IncrementStat(_ context.Context, name string, n int64) {
	m.mu.Lock()
	m.stats[name] += n
	m.mu.Unlock()
}

func (m *fakeMapping) stat(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[name]
}

func (m *fakeMapping) link(source FeedID, id MessageID, dest FeedID) (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkKey{source: source, id: id, dest: dest}]
	return l, ok
}

func (m *fakeMapping) removals() [][2]FeedID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]FeedID(nil), m.removed...)
}

type recordingSink struct {
	mu    sync.Mutex
	notes []string
}

func (s *recordingSink) Notify(text string, _ Level) {
	s.mu.Lock()
	s.notes = append(s.notes, text)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// testConfig keeps timers short and pacing off so scenarios run fast.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pace = PaceConfig{}
	cfg.Batch = BatchConfig{MaxItems: 10, MaxAge: 50 * time.Millisecond}
	cfg.RetryBase = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.FloodRecheck = 10 * time.Millisecond
	cfg.Workers = 2
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, tr *fakeTransport, mp *fakeMapping) (*Engine, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	e, err := New(cfg, Deps{Transport: tr, Mapping: mp, Sink: sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, sink
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fakeTransport) callsTo(dest FeedID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dest]
}
