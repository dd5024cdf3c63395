package mirror

import (
	"context"
	"sync"
	"time"
)

// taskQueue is a bounded FIFO per priority tier. Workers always take
// from the highest non-empty tier.
type taskQueue struct {
	mu     sync.Mutex
	tiers  [PriorityCritical + 1][]*Task
	size   int
	cap    int
	closed bool
	ready  chan struct{}

	// delayed counts tasks parked in timers, waiting to be pushed.
	delayed int
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &taskQueue{cap: capacity, ready: make(chan struct{}, 1)}
}

// signal must be called with mu held.
func (q *taskQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *taskQueue) push(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(t)
}

func (q *taskQueue) pushLocked(t *Task) error {
	if q.closed {
		return ErrStopped
	}
	if q.size >= q.cap {
		return ErrQueueFull
	}
	p := t.Priority
	if p < PriorityNormal || p > PriorityCritical {
		p = PriorityNormal
	}
	q.tiers[p] = append(q.tiers[p], t)
	q.size++
	q.signal()
	return nil
}

// pushAfter re-inserts t once d has passed. onFail runs if the queue
// is closed or full at that point.
func (q *taskQueue) pushAfter(t *Task, d time.Duration, onFail func(*Task, error)) {
	if d <= 0 {
		if err := q.push(t); err != nil && onFail != nil {
			onFail(t, err)
		}
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if onFail != nil {
			onFail(t, ErrStopped)
		}
		return
	}
	q.delayed++
	q.mu.Unlock()

	time.AfterFunc(d, func() {
		q.mu.Lock()
		q.delayed--
		err := q.pushLocked(t)
		q.mu.Unlock()
		if err != nil && onFail != nil {
			onFail(t, err)
		}
	})
}

// pop blocks until a task is available, the queue is closed and empty,
// or ctx is done.
func (q *taskQueue) pop(ctx context.Context) (*Task, bool) {
	for {
		q.mu.Lock()
		for p := PriorityCritical; p >= PriorityNormal; p-- {
			if len(q.tiers[p]) == 0 {
				continue
			}
			t := q.tiers[p][0]
			q.tiers[p][0] = nil
			q.tiers[p] = q.tiers[p][1:]
			q.size--
			if q.size > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.ready:
		}
	}
}

// close stops intake. Queued tasks stay poppable so workers can drain.
func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	// Wake every waiting worker.
	close(q.ready)
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drain removes and returns every queued task.
func (q *taskQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for p := PriorityCritical; p >= PriorityNormal; p-- {
		out = append(out, q.tiers[p]...)
		q.tiers[p] = nil
	}
	q.size = 0
	return out
}

type queueDepth struct {
	Normal   int `json:"normal"`
	High     int `json:"high"`
	Critical int `json:"critical"`
	Delayed  int `json:"delayed"`
}

func (d queueDepth) Total() int { return d.Normal + d.High + d.Critical + d.Delayed }

func (q *taskQueue) depth() queueDepth {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queueDepth{
		Normal:   len(q.tiers[PriorityNormal]),
		High:     len(q.tiers[PriorityHigh]),
		Critical: len(q.tiers[PriorityCritical]),
		Delayed:  q.delayed,
	}
}
