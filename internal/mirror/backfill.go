package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mirrorbot/internal/eventbus"
	logx "mirrorbot/pkg/logx"
)

type BackfillConfig struct {
	PauseEvery    int
	PauseFor      time.Duration
	ProgressEvery int
}

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.PauseEvery <= 0 {
		c.PauseEvery = 10
	}
	if c.PauseFor <= 0 {
		c.PauseFor = time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}
	return c
}

// BackfillRequest copies existing history of Source. Limit 0 means no
// limit; empty Targets means every configured destination.
type BackfillRequest struct {
	Source  FeedID    `json:"source"`
	FromID  MessageID `json:"from_id"`
	Limit   int       `json:"limit,omitempty"`
	Targets []FeedID  `json:"targets,omitempty"`
}

type BackfillReport struct {
	Source    FeedID    `json:"source"`
	Copied    int       `json:"copied"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	LastID    MessageID `json:"last_id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Err       string    `json:"error,omitempty"`
}

type BackfillStatus struct {
	Running  bool             `json:"running"`
	Request  *BackfillRequest `json:"request,omitempty"`
	Progress *BackfillReport  `json:"progress,omitempty"`
}

type backfillSlot struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	req     BackfillRequest
	report  BackfillReport
	last    *BackfillReport
}

// Backfill walks Source history oldest first and relays each message to
// its destinations, one at a time. Only one backfill runs at a time.
func (e *Engine) Backfill(ctx context.Context, req BackfillRequest) (BackfillReport, error) {
	if req.Source == 0 {
		return BackfillReport{}, errors.New("backfill: source is required")
	}
	targets := req.Targets
	if len(targets) == 0 {
		targets = e.mapping.ResolveDestinations(ctx, req.Source)
	}
	if len(targets) == 0 {
		return BackfillReport{}, ErrNoDestinations
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.bf.mu.Lock()
	if e.bf.running {
		e.bf.mu.Unlock()
		return BackfillReport{}, ErrBackfillRunning
	}
	e.bf.running, e.bf.cancel, e.bf.req = true, cancel, req
	e.bf.report = BackfillReport{Source: req.Source, Started: e.now()}
	e.bf.mu.Unlock()

	rep, err := e.runBackfill(ctx, req, targets)

	rep.Finished = e.now()
	if err != nil {
		rep.Err = err.Error()
	}
	e.bf.mu.Lock()
	e.bf.running, e.bf.cancel = false, nil
	e.bf.report = rep
	last := rep
	e.bf.last = &last
	e.bf.mu.Unlock()

	level := LevelInfo
	if err != nil || rep.Failed > 0 {
		level = LevelWarn
	}
	e.log.Info("backfill finished", logx.Int64("source", int64(rep.Source)), logx.Int("copied", rep.Copied), logx.Int("skipped", rep.Skipped), logx.Int("failed", rep.Failed), logx.Bool("cancelled", rep.Cancelled))
	e.sink.Notify(fmt.Sprintf("Backfill of %d finished: %d copied, %d skipped, %d failed (last id %d)", rep.Source, rep.Copied, rep.Skipped, rep.Failed, rep.LastID), level)
	e.publish(eventbus.TopicBackfill, rep)
	return rep, err
}

func (e *Engine) runBackfill(ctx context.Context, req BackfillRequest, targets []FeedID) (BackfillReport, error) {
	cfg := e.config()
	bc := cfg.Backfill
	sel := cfg.selector()
	sel.Batch = false

	rep := BackfillReport{Source: req.Source, Started: e.now()}
	log := e.log.With(logx.String("comp", "mirror.backfill"), logx.Int64("source", int64(req.Source)))
	log.Info("backfill started", logx.Int("from_id", int(req.FromID)), logx.Int("limit", req.Limit), logx.Int("targets", len(targets)))

	live := make(map[FeedID]bool, len(targets))
	for _, d := range targets {
		live[d] = true
	}

	seen := 0
	for m, err := range e.tr.IterateHistory(ctx, req.Source, req.FromID, true) {
		if err != nil {
			if ctx.Err() != nil {
				rep.Cancelled = true
				return rep, nil
			}
			return rep, fmt.Errorf("backfill history: %w", err)
		}
		seen++
		rep.LastID = m.ID

		switch {
		case !wanted(cfg.Options, m):
			rep.Skipped++
		case !e.guard.TryAcquire(m.Feed, m.ID):
			// A live dispatch owns it and will link it.
			log.Debug("backfill skipped in-flight message", logx.Int("id", int(m.ID)))
			rep.Skipped++
		default:
			s := SelectStrategy(m, sel)
			for _, d := range targets {
				if !live[d] {
					continue
				}
				switch e.backfillOne(ctx, m, d, s, cfg.MaxRetries) {
				case backfillCopied:
					rep.Copied++
				case backfillSkipped:
					rep.Skipped++
				case backfillDeadRoute:
					live[d] = false
					rep.Failed++
				default:
					rep.Failed++
				}
			}
			e.guard.Release(m.Feed, m.ID)
		}
		e.bf.progress(rep)

		if seen%bc.ProgressEvery == 0 {
			log.Info("backfill progress", logx.Int("processed", seen), logx.Int("copied", rep.Copied), logx.Int("last_id", int(rep.LastID)))
		}
		if seen%bc.PauseEvery == 0 {
			if err := sleepCtx(ctx, bc.PauseFor); err != nil {
				rep.Cancelled = true
				return rep, nil
			}
		}
		if ctx.Err() != nil {
			rep.Cancelled = true
			return rep, nil
		}
		if req.Limit > 0 && seen >= req.Limit {
			break
		}
	}
	return rep, nil
}

type backfillOutcome int

const (
	backfillCopied backfillOutcome = iota
	backfillSkipped
	backfillFailed
	backfillDeadRoute
)

func (e *Engine) backfillOne(ctx context.Context, m Message, dest FeedID, s Strategy, maxRetries int) backfillOutcome {
	if _, ok := e.lookup(ctx, m.Feed, m.ID, dest); ok {
		return backfillSkipped
	}
	for attempt := 0; ; attempt++ {
		if wait := e.flood.Remaining(dest); wait > 0 {
			if sleepCtx(ctx, wait) != nil {
				return backfillFailed
			}
		}
		links, err := e.exec.Relay(ctx, Created(m), dest, s)
		f, wait := Classify(err)
		switch f {
		case FailureNone:
			e.remember(ctx, links)
			e.stat(ctx, StatMessages, 1)
			return backfillCopied
		case FailureNotModified, FailureUnavailable:
			return backfillSkipped
		case FailureFatal:
			e.removeMapping(ctx, m.Feed, dest, err)
			return backfillDeadRoute
		case FailureRateLimited:
			e.flood.Block(dest, wait)
		default:
			if attempt >= maxRetries {
				e.log.Warn("backfill relay failed", logx.Int("id", int(m.ID)), logx.Int64("dest", int64(dest)), logx.Err(err))
				e.stat(ctx, StatErrors, 1)
				return backfillFailed
			}
			if sleepCtx(ctx, e.backoff(attempt+1)) != nil {
				return backfillFailed
			}
			continue
		}
		if attempt >= maxRetries {
			e.stat(ctx, StatErrors, 1)
			return backfillFailed
		}
	}
}

// CancelBackfill stops a running backfill. It reports whether one was running.
func (e *Engine) CancelBackfill() bool {
	e.bf.mu.Lock()
	defer e.bf.mu.Unlock()
	if !e.bf.running || e.bf.cancel == nil {
		return false
	}
	e.bf.cancel()
	return true
}

// BackfillStatus reports the running backfill, or the last finished one.
func (e *Engine) BackfillStatus() BackfillStatus {
	e.bf.mu.Lock()
	defer e.bf.mu.Unlock()
	if e.bf.running {
		req, rep := e.bf.req, e.bf.report
		return BackfillStatus{Running: true, Request: &req, Progress: &rep}
	}
	if e.bf.last != nil {
		rep := *e.bf.last
		return BackfillStatus{Progress: &rep}
	}
	return BackfillStatus{}
}

func (b *backfillSlot) progress(rep BackfillReport) {
	b.mu.Lock()
	b.report = rep
	b.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
