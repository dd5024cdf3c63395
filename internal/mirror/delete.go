package mirror

import (
	"context"

	"golang.org/x/sync/errgroup"

	logx "mirrorbot/pkg/logx"
)

// maxDeleteIDs is the most ids a single DeleteMessages call may carry.
const maxDeleteIDs = 100

func (e *Engine) propagateDelete(ctx context.Context, feed FeedID, ids []MessageID) {
	dests := e.mapping.ResolveDestinations(ctx, feed)

	var g errgroup.Group
	for _, d := range dests {
		g.Go(func() error {
			var links []Link
			for _, id := range ids {
				if l, ok := e.lookup(ctx, feed, id, d); ok {
					links = append(links, l)
				}
			}
			for start := 0; start < len(links); start += maxDeleteIDs {
				e.deleteChunk(ctx, d, links[start:min(start+maxDeleteIDs, len(links))])
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) deleteChunk(ctx context.Context, dest FeedID, links []Link) {
	ids := make([]MessageID, len(links))
	for i, l := range links {
		ids[i] = l.DestID
	}
	log := e.log.With(logx.Int64("dest", int64(dest)), logx.Int("count", len(ids)))

	err := e.tr.DeleteMessages(ctx, dest, ids)
	f, wait := Classify(err)
	switch f {
	case FailureNone, FailureNotModified:
		for _, l := range links {
			e.forget(ctx, l)
		}
		e.stat(ctx, StatDeletes, int64(len(links)))
	case FailureFatal:
		// Already gone, or we lost rights there; either way the links are dead.
		log.Debug("delete rejected; links forgotten", logx.Err(err))
		for _, l := range links {
			e.forget(ctx, l)
		}
	case FailureRateLimited:
		e.flood.Block(dest, wait)
		log.Warn("delete rate limited", logx.Duration("wait", wait))
		e.stat(ctx, StatErrors, 1)
	default:
		log.Warn("delete failed", logx.Err(err))
		e.stat(ctx, StatErrors, 1)
	}
}
