package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"mirrorbot/internal/eventbus"
	logx "mirrorbot/pkg/logx"
)

func (e *Engine) workerLoop(ctx context.Context, q *taskQueue) {
	for {
		t, ok := q.pop(ctx)
		if !ok {
			return
		}
		e.runTask(ctx, t)
	}
}

func (e *Engine) runTask(ctx context.Context, t *Task) {
	cfg := e.config()

	if age := e.now().Sub(t.CreatedAt); age > cfg.MaxTaskAge {
		e.stat(ctx, StatStaleDropped, 1)
		e.dropped.Add(1)
		e.log.Debug("stale task dropped", logx.String("task", t.ID), logx.Int64("dest", int64(t.Dest)), logx.Duration("age", age))
		e.publish(eventbus.TopicTaskDropped, taskInfo(t, "stale"))
		e.finish(t)
		return
	}

	if wait := e.flood.Remaining(t.Dest); wait > 0 {
		e.requeue(t, min(wait, cfg.FloodRecheck))
		return
	}

	e.attempt(ctx, t)
}

// attempt runs one relay of t and routes the outcome: success, requeue,
// mapping removal or drop. It always disposes of t's guard reference,
// directly or through the queue.
func (e *Engine) attempt(ctx context.Context, t *Task) {
	links, err := e.exec.Relay(ctx, t.Event, t.Dest, t.Strategy)
	f, wait := Classify(err)
	log := e.log.With(logx.String("task", t.ID), logx.Int64("source", int64(t.Source)), logx.Int64("dest", int64(t.Dest)), logx.Int("retries", t.Retries))

	switch f {
	case FailureNone:
		e.recordSuccess(ctx, t, links)
		e.finish(t)

	case FailureNotModified:
		e.finish(t)

	case FailureUnavailable:
		// The executor already degraded to text; nothing is left to send.
		log.Debug("content unavailable; relay skipped", logx.Err(err))
		e.finish(t)

	case FailureFatal:
		e.removeMapping(ctx, t.Source, t.Dest, err)
		e.finish(t)

	case FailureRateLimited:
		until := e.flood.Block(t.Dest, wait)
		t.Retries++
		if t.Retries > t.MaxRetries {
			e.exhausted(ctx, t, err)
			return
		}
		t.Priority = t.Priority.raise()
		log.Info("destination flood wait; task requeued", logx.Duration("wait", wait), logx.String("priority", t.Priority.String()))
		e.requeue(t, time.Until(until))

	default:
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			e.dropTask(t, err)
			return
		}
		t.Retries++
		if t.Retries > t.MaxRetries {
			e.exhausted(ctx, t, err)
			return
		}
		delay := e.backoff(t.Retries)
		log.Warn("relay failed; retrying", logx.Duration("backoff", delay), logx.Err(err))
		e.requeue(t, delay)
	}
}

// requeue parks t in the queue after delay. If the queue refuses it the
// task is dropped.
func (e *Engine) requeue(t *Task, delay time.Duration) {
	e.runMu.Lock()
	q := e.queue
	e.runMu.Unlock()
	e.publish(eventbus.TopicTaskQueued, taskInfo(t, ""))
	q.pushAfter(t, delay, e.dropTask)
}

func (e *Engine) dropTask(t *Task, cause error) {
	e.dropped.Add(1)
	e.log.Warn("task dropped", logx.String("task", t.ID), logx.Int64("dest", int64(t.Dest)), logx.Err(cause))
	e.publish(eventbus.TopicTaskDropped, taskInfo(t, cause.Error()))
	e.finish(t)
}

func (e *Engine) exhausted(ctx context.Context, t *Task, err error) {
	e.stat(ctx, StatErrors, 1)
	e.failed.Add(1)
	e.log.Error("relay gave up after retries", logx.String("task", t.ID), logx.Int64("source", int64(t.Source)), logx.Int64("dest", int64(t.Dest)), logx.Int("retries", t.Retries), logx.Err(err))
	e.sink.Notify(fmt.Sprintf("Relay %d → %d gave up after %d retries: %v", t.Source, t.Dest, t.MaxRetries, err), LevelWarn)
	e.publish(eventbus.TopicRelayFailed, taskInfo(t, err.Error()))
	e.finish(t)
}

// backoff returns RetryBase * 2^retries with 20% jitter, capped at RetryMaxDelay.
func (e *Engine) backoff(retries int) time.Duration {
	cfg := e.config()
	d := cfg.RetryBase
	for i := 0; i < retries && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

func taskInfo(t *Task, reason string) map[string]any {
	m := map[string]any{
		"task":     t.ID,
		"kind":     t.Event.Kind,
		"source":   t.Source,
		"dest":     t.Dest,
		"retries":  t.Retries,
		"priority": t.Priority.String(),
	}
	if reason != "" {
		m["reason"] = reason
	}
	return m
}
