package mirror

import (
	"strings"
	"sync"
	"time"
	"unicode/utf16"
)

type BatchConfig struct {
	MaxItems int
	MaxAge   time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxItems <= 0 {
		c.MaxItems = 10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 2 * time.Second
	}
	return c
}

type pending struct {
	items  []Message
	opened time.Time
}

// BatchBuffer accumulates short text messages per destination. Callers
// own flushing: Add and Due hand back the items whose buffer tripped.
type BatchBuffer struct {
	mu   sync.Mutex
	cfg  BatchConfig
	bufs map[FeedID]*pending
	now  func() time.Time
}

func NewBatchBuffer(cfg BatchConfig) *BatchBuffer {
	return &BatchBuffer{cfg: cfg.withDefaults(), bufs: map[FeedID]*pending{}, now: time.Now}
}

func (b *BatchBuffer) SetConfig(cfg BatchConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *BatchBuffer) Config() BatchConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Add buffers m for dest. When the buffer reaches MaxItems or is older
// than MaxAge it is removed and its items returned for flushing.
func (b *BatchBuffer) Add(dest FeedID, m Message) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	p, ok := b.bufs[dest]
	if !ok {
		p = &pending{opened: now}
		b.bufs[dest] = p
	}
	p.items = append(p.items, m)
	if len(p.items) >= b.cfg.MaxItems || now.Sub(p.opened) >= b.cfg.MaxAge {
		delete(b.bufs, dest)
		return p.items
	}
	return nil
}

// Due removes and returns every buffer that has aged out.
func (b *BatchBuffer) Due() map[FeedID][]Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out map[FeedID][]Message
	for dest, p := range b.bufs {
		if now.Sub(p.opened) < b.cfg.MaxAge {
			continue
		}
		if out == nil {
			out = map[FeedID][]Message{}
		}
		out[dest] = p.items
		delete(b.bufs, dest)
	}
	return out
}

// Drain removes and returns every buffer regardless of age.
func (b *BatchBuffer) Drain() map[FeedID][]Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[FeedID][]Message, len(b.bufs))
	for dest, p := range b.bufs {
		out[dest] = p.items
	}
	b.bufs = map[FeedID]*pending{}
	return out
}

// Len returns the number of buffered messages across destinations.
func (b *BatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.bufs {
		n += len(p.items)
	}
	return n
}

const batchSeparator = "\n\n"

// combine joins item texts with a blank line, shifting spans so each
// keeps pointing at its own text. Link preview is kept if any item had one.
func combine(items []Message) (string, []Span, bool) {
	var (
		b       strings.Builder
		spans   []Span
		offset  int
		preview bool
	)
	sepLen := utf16Len(batchSeparator)
	for i, m := range items {
		if i > 0 {
			b.WriteString(batchSeparator)
			offset += sepLen
		}
		b.WriteString(m.Text)
		for _, s := range m.Spans {
			s.Offset += offset
			spans = append(spans, s)
		}
		offset += utf16Len(m.Text)
		preview = preview || m.WebPreview
	}
	return b.String(), spans, preview
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
