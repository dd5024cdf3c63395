package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mirrorbot/internal/eventbus"
	"mirrorbot/internal/mirror"
	rtsup "mirrorbot/internal/runtime/supervisor"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notifier has no target chat")
)

type job struct {
	text  string
	level string
	// dedupKey is computed at enqueue time for cheap worker processing.
	dedupKey string
}

// Service implements an async notification pipeline:
// queue + worker + rate limit + retry + dedup.
//
// It is safe for concurrent use and implements both mirror.LogSink and
// logx.LineSink.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	target  Target
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

var (
	_ mirror.LogSink = (*Service)(nil)
	_ logx.LineSink  = (*Service)(nil)
)

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetTarget changes the destination chat. Queued notifications go to the
// new target.
func (s *Service) SetTarget(t Target) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled service does not start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart0("dedup.persist", func(c context.Context) {
			s.persistLoop(c, pch, st)
		}, rtsup.WithPublishFirstError(true))
	}
	// One worker keeps notifications in order in the log chat.
	sup.GoRestart0("worker", func(c context.Context) {
		s.workerLoop(c, q)
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so the worker drains it.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
	}
}

// Notify implements mirror.LogSink. It never blocks; a full queue drops
// the notification.
func (s *Service) Notify(text string, level mirror.Level) {
	if err := s.Enqueue(context.Background(), text, levelName(level)); err != nil &&
		!errors.Is(err, ErrDisabled) && !errors.Is(err, ErrNoTarget) {
		s.log.Debug("notification dropped", logx.Err(err))
	}
}

// NotifyLine implements logx.LineSink for forwarded log lines.
func (s *Service) NotifyLine(level logx.Level, line string) {
	// Log lines are not routed back through the logger on failure to avoid
	// feeding the sink with its own errors.
	_ = s.Enqueue(context.Background(), line, level.String())
}

func levelName(l mirror.Level) string {
	switch l {
	case mirror.LevelError:
		return "error"
	case mirror.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}

// Enqueue queues text for delivery.
func (s *Service) Enqueue(ctx context.Context, text, level string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.target.ChatID == 0 {
		s.mu.Unlock()
		return ErrNoTarget
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	// Capture current config snapshot for dedup computation.
	dedupWindow, dedupMax := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist, st, pch := s.cfg.PersistDedup, s.store, s.persistCh
	target := s.target
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(target, level, text)
	if dedupWindow > 0 {
		if !s.dedupAllow(ctx, key, dedupWindow, dedupMax, persist, st, pch) {
			s.publish(eventbus.TopicNotifyDeduped, target, key, nil)
			return nil
		}
	}

	select {
	case q <- job{text: text, level: level, dedupKey: key}:
		return nil
	default:
		s.publish(eventbus.TopicNotifyDropped, target, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(topic string, t Target, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{ChatID: t.ChatID, ThreadID: t.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

// History returns recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(level, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Level: level, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender, target := s.cfg, s.limiter, s.sender, s.target
	s.mu.Unlock()

	if sender == nil || target.ChatID == 0 {
		return
	}
	text := prefixForLevel(j.level) + j.text

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		// Bound per-send call. Keep tight to avoid hanging the worker.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.SendNotice(callCtx, target.ChatID, target.ThreadID, text)
		cancel()
		if err == nil {
			s.appendHistory(j.level, j.text)
			s.publish(eventbus.TopicNotifySent, target, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		// A flood wait from the platform overrides the local backoff.
		if f, wait := mirror.Classify(err); f == mirror.FailureRateLimited && wait > delay {
			delay = wait
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.publish(eventbus.TopicNotifyFailed, target, j.dedupKey, lastErr)
}

func prefixForLevel(level string) string {
	switch level {
	case "error", "fatal", "panic":
		return "🚨 "
	case "warn":
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(t Target, level, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|%s|", t.ChatID, t.ThreadID, level)
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
