package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the relay engine and its services.
const (
	TopicRelayed        = "mirror.relayed"
	TopicRelayFailed    = "mirror.failed"
	TopicTaskQueued     = "mirror.task.queued"
	TopicTaskDropped    = "mirror.task.dropped"
	TopicMappingRemoved = "mirror.mapping.removed"
	TopicBatchFlushed   = "mirror.batch.flushed"
	TopicBackfill       = "mirror.backfill"
	TopicConfigReloaded = "config.reloaded"

	TopicNotifySent    = "notifier.sent"
	TopicNotifyFailed  = "notifier.failed"
	TopicNotifyDropped = "notifier.dropped"
	TopicNotifyDeduped = "notifier.deduped"
)

// Event is a small in-memory signal. Publish never blocks; slow
// subscribers lose events. Data should be JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type starts with one of prefixes
	// (all events when none are given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Recent returns up to n of the latest events, oldest first.
	Recent(n int) []Event
	Dropped() uint64
}

// New returns an in-memory fan-out bus keeping the last historySize events.
// It owns no goroutines.
func New(historySize int) Bus {
	if historySize <= 0 {
		historySize = 128
	}
	return &memBus{subs: map[uint64]*subscriber{}, ring: make([]Event, historySize)}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(t string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	hmu  sync.Mutex
	ring []Event
	next int
	full bool

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.hmu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	b.hmu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Recent(n int) []Event {
	b.hmu.Lock()
	defer b.hmu.Unlock()

	var all []Event
	if b.full {
		all = append(all, b.ring[b.next:]...)
	}
	all = append(all, b.ring[:b.next]...)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
