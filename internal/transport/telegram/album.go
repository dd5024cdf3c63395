package telegram

import (
	"slices"
	"sync"
	"time"

	"mirrorbot/internal/mirror"
)

type albumKey struct {
	feed mirror.FeedID
	id   string
}

type albumEntry struct {
	items []mirror.Message
	timer *time.Timer
}

// albumBuffer collects the messages of one media group. Telegram delivers
// them as separate updates; the group is emitted once no new member has
// arrived for the window.
type albumBuffer struct {
	window time.Duration
	emit   func(mirror.Event)

	mu      sync.Mutex
	pending map[albumKey]*albumEntry
}

func newAlbumBuffer(window time.Duration, emit func(mirror.Event)) *albumBuffer {
	if window <= 0 {
		window = 800 * time.Millisecond
	}
	return &albumBuffer{window: window, emit: emit, pending: make(map[albumKey]*albumEntry)}
}

func (b *albumBuffer) add(albumID string, m mirror.Message) {
	k := albumKey{feed: m.Feed, id: albumID}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.pending[k]
	if e == nil {
		e = &albumEntry{}
		b.pending[k] = e
		e.timer = time.AfterFunc(b.window, func() { b.fire(k, e) })
	} else {
		e.timer.Reset(b.window)
	}
	e.items = append(e.items, m)
}

func (b *albumBuffer) fire(k albumKey, e *albumEntry) {
	b.mu.Lock()
	if b.pending[k] != e {
		// Already flushed; a late Reset re-armed the timer.
		b.mu.Unlock()
		return
	}
	delete(b.pending, k)
	items := e.items
	b.mu.Unlock()

	b.emit(groupEvent(k.feed, items))
}

// flushAll emits every pending group immediately.
func (b *albumBuffer) flushAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[albumKey]*albumEntry)
	b.mu.Unlock()

	for k, e := range pending {
		e.timer.Stop()
		b.emit(groupEvent(k.feed, e.items))
	}
}

func (b *albumBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// groupEvent orders items by id and hoists the single caption to the
// group.
func groupEvent(feed mirror.FeedID, items []mirror.Message) mirror.Event {
	items = slices.Clone(items)
	slices.SortFunc(items, func(a, b mirror.Message) int { return int(a.ID) - int(b.ID) })
	var caption string
	var spans []mirror.Span
	for i := range items {
		if caption == "" && items[i].Text != "" {
			caption, spans = items[i].Text, items[i].Spans
		}
		items[i].Text, items[i].Spans = "", nil
	}
	return mirror.Grouped(feed, caption, spans, items)
}
