package mirror

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/eventbus"
	logx "mirrorbot/pkg/logx"
)

// Submit hands ev to a supervised goroutine and returns immediately.
// Ingress handlers call this so they never wait on the network.
func (e *Engine) Submit(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return ErrStopped
	}
	sup := e.sup
	e.dispatchWG.Add(1)
	e.runMu.Unlock()

	// Dispatch outcomes are per event and never fail the supervisor group.
	sup.Go0("dispatch."+string(ev.Kind), func(ctx context.Context) {
		defer e.dispatchWG.Done()
		if err := e.Dispatch(ctx, ev); err != nil && ctx.Err() == nil {
			e.log.Debug("event not dispatched", logx.String("kind", string(ev.Kind)), logx.Int64("feed", int64(ev.Source())), logx.Err(err))
		}
	})
	return nil
}

// Dispatch relays ev to every destination of its source and returns once
// each destination has either landed, been deferred to the retry queue,
// or been buffered. Per-destination failures never surface here.
func (e *Engine) Dispatch(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	cfg := e.config()
	if !cfg.Enabled {
		return nil
	}

	switch ev.Kind {
	case EventCreated:
		if !wanted(cfg.Options, ev.Message) {
			return nil
		}
		return e.dispatchNew(ctx, ev, cfg)
	case EventGrouped:
		if !cfg.Options.Media {
			return nil
		}
		return e.dispatchNew(ctx, ev, cfg)
	case EventEdited:
		if !cfg.Options.Edits || !wanted(cfg.Options, ev.Message) {
			return nil
		}
		e.propagateEdit(ctx, ev.Message, cfg)
		return nil
	case EventDeleted:
		if !cfg.Options.Deletes {
			return nil
		}
		e.propagateDelete(ctx, ev.Feed, ev.IDs)
		return nil
	}
	return nil
}

func wanted(o Options, m Message) bool {
	if m.Media == nil {
		return o.Text
	}
	return o.Media
}

func (e *Engine) dispatchNew(ctx context.Context, ev Event, cfg Config) error {
	dests := e.mapping.ResolveDestinations(ctx, ev.Source())
	if len(dests) == 0 {
		return nil
	}

	k := ev.key()
	if !e.guard.TryAcquire(k.feed, k.id) {
		e.log.Debug("duplicate trigger skipped", logx.Int64("feed", int64(k.feed)), logx.Int("id", int(k.id)))
		return ErrDuplicate
	}
	defer e.guard.Release(k.feed, k.id)

	s := classify(ev, cfg)
	log := e.log.With(logx.Int64("source", int64(k.feed)), logx.Int("id", int(k.id)), logx.String("strategy", s.String()))

	if s == StrategyBatch {
		for _, d := range dests {
			e.guard.Retain(k.feed, k.id)
			if items := e.batch.Add(d, ev.Message); items != nil {
				e.flushBatch(ctx, d, items)
			}
		}
		log.Debug("buffered for batch", logx.Int("dests", len(dests)))
		return nil
	}

	// Siblings never cancel each other; every goroutine returns nil.
	var g errgroup.Group
	for _, d := range dests {
		t := e.newTask(ev, d, s, cfg)
		g.Go(func() error {
			if wait := e.flood.Remaining(d); wait > 0 {
				t.Priority = PriorityHigh
				e.requeue(t, wait)
				return nil
			}
			e.attempt(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// classify picks the strategy once per message.
func classify(ev Event, cfg Config) Strategy {
	sel := cfg.selector()
	if ev.Kind != EventGrouped {
		return SelectStrategy(ev.Message, sel)
	}
	for _, it := range ev.Items {
		if s := SelectStrategy(it, sel); s == StrategyBypass {
			return StrategyBypass
		}
	}
	return StrategyDirect
}

// newTask builds a task holding one reference on the event's guard key.
func (e *Engine) newTask(ev Event, dest FeedID, s Strategy, cfg Config) *Task {
	k := ev.key()
	e.guard.Retain(k.feed, k.id)
	return &Task{
		ID:         uuid.NewString(),
		Event:      ev,
		Source:     ev.Source(),
		Dest:       dest,
		Strategy:   s,
		MaxRetries: cfg.MaxRetries,
		CreatedAt:  e.now(),
		Priority:   PriorityNormal,
	}
}

// finish releases the task's guard reference.
func (e *Engine) finish(t *Task) {
	k := t.Event.key()
	e.guard.Release(k.feed, k.id)
}

func (e *Engine) recordSuccess(ctx context.Context, t *Task, links []Link) {
	e.remember(ctx, links)
	var text, media int64
	for _, l := range links {
		if l.Kind == ContentNone {
			text++
		} else {
			media++
		}
	}
	e.stat(ctx, StatMessages, text)
	e.stat(ctx, StatMedia, media)
	e.relayed.Add(1)
	e.publish(eventbus.TopicRelayed, map[string]any{
		"source": t.Source, "dest": t.Dest, "strategy": t.Strategy.String(), "links": len(links), "retries": t.Retries,
	})
}

// ---- batch flush ----

func (e *Engine) flushBatch(ctx context.Context, dest FeedID, items []Message) {
	if len(items) == 0 {
		return
	}
	text, spans, preview := combine(items)
	head := items[0]
	combined := Message{Feed: head.Feed, ID: head.ID, Text: text, Spans: spans, WebPreview: preview}

	var err error
	if wait := e.flood.Remaining(dest); wait > 0 {
		err = RateLimited(nil, wait)
	} else {
		_, err = e.exec.Relay(ctx, Created(combined), dest, StrategyDirect)
	}

	release := func() {
		for _, m := range items {
			e.guard.Release(m.Feed, m.ID)
		}
	}

	f, wait := Classify(err)
	switch f {
	case FailureNone, FailureNotModified:
		release()
		e.stat(ctx, StatMessages, int64(len(items)))
		e.stat(ctx, StatBatchesFlushed, 1)
		e.relayed.Add(uint64(len(items)))
		e.publish(eventbus.TopicBatchFlushed, map[string]any{"dest": dest, "items": len(items)})
		return
	case FailureFatal:
		seen := map[FeedID]bool{}
		for _, m := range items {
			if !seen[m.Feed] {
				seen[m.Feed] = true
				e.removeMapping(ctx, m.Feed, dest, err)
			}
		}
		release()
		return
	case FailureRateLimited:
		e.flood.Block(dest, wait)
	}

	e.log.Warn("batch flush failed; requeueing items", logx.Int64("dest", int64(dest)), logx.Int("items", len(items)), logx.Err(err))
	cfg := e.config()
	for _, m := range items {
		// The item's guard reference moves to its task.
		t := &Task{
			ID:         uuid.NewString(),
			Event:      Created(m),
			Source:     m.Feed,
			Dest:       dest,
			Strategy:   StrategyDirect,
			Retries:    1,
			MaxRetries: cfg.MaxRetries,
			CreatedAt:  e.now(),
			Priority:   PriorityNormal,
		}
		delay := e.backoff(t.Retries)
		if f == FailureRateLimited {
			t.Priority = PriorityHigh
			delay = wait
		}
		e.requeue(t, delay)
	}
}

// sweepLoop flushes buffers that aged out without new arrivals.
func (e *Engine) sweepLoop(ctx context.Context) {
	for {
		every := max(e.batch.Config().MaxAge/2, 10*time.Millisecond)
		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		for dest, items := range e.batch.Due() {
			e.flushBatch(ctx, dest, items)
		}
	}
}
