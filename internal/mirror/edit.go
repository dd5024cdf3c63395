package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "mirrorbot/pkg/logx"
)

// editGate serializes edits of the same source message. While one edit
// is being applied, later ones collapse into a single pending slot that
// holds the newest version.
type editGate struct {
	mu      sync.Mutex
	pending map[msgKey]*Message
}

func newEditGate() *editGate {
	return &editGate{pending: map[msgKey]*Message{}}
}

// begin reports whether the caller owns the key. If another edit holds
// it, m replaces whatever was waiting and the caller returns.
func (g *editGate) begin(m Message) bool {
	k := msgKey{feed: m.Feed, id: m.ID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.pending[k]; busy {
		g.pending[k] = &m
		return false
	}
	g.pending[k] = nil
	return true
}

// next hands the owner the newest waiting version, or releases the key.
func (g *editGate) next(k msgKey) (Message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending[k]
	if p == nil {
		delete(g.pending, k)
		return Message{}, false
	}
	g.pending[k] = nil
	return *p, true
}

func (e *Engine) propagateEdit(ctx context.Context, m Message, cfg Config) {
	if !e.edits.begin(m) {
		e.log.Debug("edit coalesced", logx.Int64("source", int64(m.Feed)), logx.Int("id", int(m.ID)))
		return
	}
	k := msgKey{feed: m.Feed, id: m.ID}
	for {
		e.applyEdit(ctx, m, cfg)
		next, ok := e.edits.next(k)
		if !ok {
			return
		}
		m, cfg = next, e.config()
	}
}

func (e *Engine) applyEdit(ctx context.Context, m Message, cfg Config) {
	dests := e.mapping.ResolveDestinations(ctx, m.Feed)
	s := SelectStrategy(m, cfg.selector())

	var g errgroup.Group
	for _, d := range dests {
		g.Go(func() error {
			old, ok := e.lookup(ctx, m.Feed, m.ID, d)
			if !ok {
				e.log.Debug("edit of unmirrored message ignored", logx.Int64("source", int64(m.Feed)), logx.Int("id", int(m.ID)), logx.Int64("dest", int64(d)))
				return nil
			}
			if wait := e.flood.Remaining(d); wait > 0 {
				e.deferEdit(old, m, s, wait)
				return nil
			}
			e.editOne(ctx, old, m, s, true)
			return nil
		})
	}
	_ = g.Wait()
}

// editOne applies a single destination edit. retry allows one deferred
// attempt when the destination is rate limited.
func (e *Engine) editOne(ctx context.Context, old Link, m Message, s Strategy, retry bool) {
	log := e.log.With(logx.Int64("source", int64(old.Source)), logx.Int("id", int(old.SourceID)), logx.Int64("dest", int64(old.Dest)))

	next, err := e.exec.ApplyEdit(ctx, old, m, s)
	if errors.Is(err, ErrNotFound) {
		log.Debug("destination message gone; link forgotten")
		e.forget(ctx, old)
		return
	}
	f, wait := Classify(err)
	switch f {
	case FailureNone:
		if next.DestID != old.DestID || next.Kind != old.Kind || next.MediaRef != old.MediaRef {
			e.remember(ctx, []Link{next})
		}
		e.stat(ctx, StatEdits, 1)
	case FailureNotModified:
		e.stat(ctx, StatEdits, 1)
	case FailureRateLimited:
		e.flood.Block(old.Dest, wait)
		if retry {
			e.deferEdit(old, m, s, wait)
			return
		}
		log.Warn("edit dropped after flood wait", logx.Duration("wait", wait))
		e.stat(ctx, StatErrors, 1)
	default:
		log.Warn("edit failed", logx.Err(err))
		e.stat(ctx, StatErrors, 1)
	}
}

// deferEdit retries once after the flood window, unless the engine stops first.
func (e *Engine) deferEdit(old Link, m Message, s Strategy, wait time.Duration) {
	e.runMu.Lock()
	sup, bg := e.sup, e.bgCtx
	e.runMu.Unlock()
	if sup == nil || bg == nil {
		return
	}
	sup.Go0("edit.deferred", func(context.Context) {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-bg.Done():
			return
		case <-t.C:
		}
		// A newer link may have been written meanwhile.
		if cur, ok := e.lookup(bg, old.Source, old.SourceID, old.Dest); ok {
			old = cur
		}
		e.editOne(bg, old, m, s, false)
	})
}
