package telegram

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	tele "gopkg.in/telebot.v4"

	"mirrorbot/internal/mirror"
)

// ErrNoHistoryChat is returned by IterateHistory when no scratch chat is
// configured. The Bot API has no history call; messages are read by
// forwarding them into that chat one at a time.
var ErrNoHistoryChat = errors.New("telegram: history_chat is not configured")

// forwarder is the slice of the Bot API the history walk needs.
type forwarder interface {
	forward(feed mirror.FeedID, id mirror.MessageID) (*tele.Message, error)
	discard(m *tele.Message)
}

type historyWalk struct {
	fw  forwarder
	gap int
	// sleep waits out a flood wait; it returns early when ctx ends.
	sleep func(ctx context.Context, d time.Duration) error
}

// walk yields messages of feed starting at fromID. Ascending walks stop
// after gap consecutive missing ids; descending walks stop at id 1.
func (h historyWalk) walk(ctx context.Context, feed mirror.FeedID, fromID mirror.MessageID, ascending bool) iter.Seq2[mirror.Message, error] {
	return func(yield func(mirror.Message, error) bool) {
		id := max(fromID, 1)
		if !ascending && fromID < 1 {
			yield(mirror.Message{}, errors.New("telegram: descending history walk needs a start id"))
			return
		}
		gap := h.gap
		if gap <= 0 {
			gap = 50
		}
		misses := 0
		step := mirror.MessageID(1)
		if !ascending {
			step = -1
		}

		for id >= 1 {
			if err := ctx.Err(); err != nil {
				yield(mirror.Message{}, err)
				return
			}

			copied, err := h.fw.forward(feed, id)
			if err != nil {
				cerr := classify(err)
				var rl *mirror.RateLimitedError
				switch {
				case errors.As(cerr, &rl):
					if serr := h.sleep(ctx, rl.Wait); serr != nil {
						yield(mirror.Message{}, serr)
						return
					}
					continue // same id
				case protectedForward(err):
					yield(mirror.Message{}, fmt.Errorf("%w: source %d forbids forwarding: %w", mirror.ErrPermissionDenied, feed, err))
					return
				case unforwardable(err):
					id += step
					continue
				case errors.Is(cerr, mirror.ErrNotFound):
					misses++
					if ascending && misses >= gap {
						return
					}
					id += step
					continue
				default:
					yield(mirror.Message{}, cerr)
					return
				}
			}

			misses = 0
			msg, _, ok := messageFrom(copied)
			h.fw.discard(copied)
			if ok {
				msg.Feed, msg.ID = feed, id
				if !yield(msg, nil) {
					return
				}
			}
			id += step
		}
	}
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
