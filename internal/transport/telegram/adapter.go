package telegram

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"mirrorbot/internal/mirror"
	rtsup "mirrorbot/internal/runtime/supervisor"
	logx "mirrorbot/pkg/logx"
)

// Config is the adapter's static configuration. Changing any of it
// requires a restart.
type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	AlbumWindow time.Duration

	// HistoryChat is a private scratch chat used to read source history.
	HistoryChat int64
	// HistoryGap ends an ascending history walk after this many
	// consecutive missing ids.
	HistoryGap int
}

// Sink receives ingress events. The mirror engine satisfies it.
type Sink interface {
	Submit(ev mirror.Event) error
}

type sinkRef struct{ s Sink }

// Adapter is the Telegram Bot API transport: it turns updates into mirror
// events and implements mirror.Transport for the relay.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot    *tele.Bot
	sink   atomic.Value // stores sinkRef
	albums *albumBuffer

	runMu   sync.Mutex
	running bool

	// sup owns adapter goroutines (poll loop, drop report, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// dropped counts events the sink refused, reported periodically to
	// avoid per-update log spam.
	dropped  atomic.Uint64
	received atomic.Uint64
}

var (
	_ mirror.Transport = (*Adapter)(nil)
	_ forwarder        = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.sink.Store(sinkRef{})
	a.albums = newAlbumBuffer(cfg.AlbumWindow, a.submit)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Username is the bot account's handle.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		a.ingest(c.Message(), false)
		return nil
	}
	for _, ep := range []string{
		tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnAudio, tele.OnVoice,
		tele.OnVideoNote, tele.OnAnimation, tele.OnSticker, tele.OnDocument,
		tele.OnPoll, tele.OnLocation, tele.OnVenue, tele.OnChannelPost,
	} {
		a.bot.Handle(ep, onMessage)
	}

	onEdit := func(c tele.Context) error {
		a.ingest(c.Message(), true)
		return nil
	}
	a.bot.Handle(tele.OnEdited, onEdit)
	a.bot.Handle(tele.OnEditedChannelPost, onEdit)
}

func (a *Adapter) ingest(m *tele.Message, edited bool) {
	msg, albumID, ok := messageFrom(m)
	if !ok {
		return
	}
	a.received.Add(1)
	switch {
	case edited:
		a.submit(mirror.Edited(msg))
	case albumID != "":
		a.albums.add(albumID, msg)
	default:
		a.submit(mirror.Created(msg))
	}
}

func (a *Adapter) submit(ev mirror.Event) {
	ref, _ := a.sink.Load().(sinkRef)
	if ref.s == nil {
		a.dropped.Add(1)
		return
	}
	err := ref.s.Submit(ev)
	switch {
	case err == nil:
	case errors.Is(err, mirror.ErrQueueFull), errors.Is(err, mirror.ErrStopped):
		a.dropped.Add(1)
	default:
		a.log.Debug("event rejected", logx.String("kind", string(ev.Kind)), logx.Feed("feed", int64(ev.Source())), logx.Err(err))
	}
}

func (a *Adapter) Start(ctx context.Context, sink Sink) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sink.Store(sinkRef{s: sink})
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return
			case <-ticker.C:
				a.reportDropped()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) reportDropped() {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming events dropped", logx.Uint64("count", n))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping",
		logx.Uint64("received", a.received.Load()),
		logx.Int("albums_pending", a.albums.size()),
	)

	if sup != nil {
		sup.Cancel()
	}
	go a.bot.Stop()

	// Albums still inside their window go out now, while the sink is live.
	a.albums.flushAll()
	a.sink.Store(sinkRef{})

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// IterateHistory reads feed by forwarding each id into the history chat.
// Flood waits are slept through; missing ids are skipped.
func (a *Adapter) IterateHistory(ctx context.Context, feed mirror.FeedID, fromID mirror.MessageID, reverse bool) iter.Seq2[mirror.Message, error] {
	if a.cfg.HistoryChat == 0 {
		return func(yield func(mirror.Message, error) bool) {
			yield(mirror.Message{}, ErrNoHistoryChat)
		}
	}
	h := historyWalk{fw: a, gap: a.cfg.HistoryGap, sleep: sleepCtx}
	return h.walk(ctx, feed, fromID, reverse)
}

func (a *Adapter) forward(feed mirror.FeedID, id mirror.MessageID) (*tele.Message, error) {
	return a.bot.Forward(&tele.Chat{ID: a.cfg.HistoryChat}, storedMessage(feed, id), &tele.SendOptions{DisableNotification: true})
}

func (a *Adapter) discard(m *tele.Message) {
	if m == nil {
		return
	}
	if err := a.bot.Delete(m); err != nil {
		a.log.Debug("history copy not deleted", logx.Int("id", m.ID), logx.Err(err))
	}
}
