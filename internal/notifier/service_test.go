package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mirrorbot/internal/eventbus"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first n calls
	calls int
}

func (f *fakeSender) SendNotice(_ context.Context, chatID int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("boom")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, snd *fakeSender, bus eventbus.Bus, st storage.Store) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop(), bus, st)
	s.SetTarget(Target{ChatID: -100})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNotifyDeliversWithLevelPrefix(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	s := startService(t, testConfig(), snd, nil, nil)

	s.Notify("mapping removed", mirror.LevelError)
	s.NotifyLine(logx.LevelWarn, "[WARN] slow")
	s.Notify("report", mirror.LevelInfo)

	waitFor(t, "three sends", func() bool { return len(snd.texts()) == 3 })
	got := snd.texts()
	if !strings.HasPrefix(got[0], "🚨 ") || !strings.HasPrefix(got[1], "⚠️ ") || got[2] != "report" {
		t.Fatalf("sent = %q", got)
	}
	if h := s.History(); len(h) != 3 || h[0].Level != "error" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	bus := eventbus.New(16)
	s := startService(t, testConfig(), snd, bus, nil)

	for i := 0; i < 3; i++ {
		s.Notify("same text", mirror.LevelWarn)
	}
	s.Notify("other text", mirror.LevelWarn)

	waitFor(t, "two sends", func() bool { return len(snd.texts()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(snd.texts()); n != 2 {
		t.Fatalf("sent %d, want 2", n)
	}
	deduped := 0
	for _, e := range bus.Recent(16) {
		if e.Type == eventbus.TopicNotifyDeduped {
			deduped++
		}
	}
	if deduped != 2 {
		t.Fatalf("deduped events = %d", deduped)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	cfg := testConfig()
	cfg.PersistDedup = true

	snd := &fakeSender{}
	s := New(cfg, snd, logx.Nop(), nil, st)
	s.SetTarget(Target{ChatID: -100})
	s.Start(context.Background())
	s.Notify("once", mirror.LevelInfo)
	waitFor(t, "first send", func() bool { return len(snd.texts()) == 1 })
	s.Stop(context.Background())

	snd2 := &fakeSender{}
	s2 := startService(t, cfg, snd2, nil, st)
	s2.Notify("once", mirror.LevelInfo)
	s2.Notify("twice", mirror.LevelInfo)
	waitFor(t, "second service send", func() bool { return len(snd2.texts()) == 1 })
	if got := snd2.texts(); got[0] != "twice" {
		t.Fatalf("sent = %q", got)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{fails: 2}
	s := startService(t, testConfig(), snd, nil, nil)
	s.Notify("eventually", mirror.LevelInfo)
	waitFor(t, "retried send", func() bool { return len(snd.texts()) == 1 })

	bus := eventbus.New(8)
	snd2 := &fakeSender{fails: 100}
	s2 := startService(t, testConfig(), snd2, bus, nil)
	s2.Notify("never", mirror.LevelInfo)
	waitFor(t, "failure event", func() bool {
		for _, e := range bus.Recent(8) {
			if e.Type == eventbus.TopicNotifyFailed {
				return true
			}
		}
		return false
	})
	snd2.mu.Lock()
	calls := snd2.calls
	snd2.mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 1 + retry_max", calls)
	}
}

func TestEnqueueRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	off := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := off.Enqueue(ctx, "x", "info"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	noTarget := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	noTarget.Start(ctx)
	defer noTarget.Stop(ctx)
	if err := noTarget.Enqueue(ctx, "x", "info"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("no target: %v", err)
	}

	stopped := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	stopped.SetTarget(Target{ChatID: 1})
	if err := stopped.Enqueue(ctx, "x", "info"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
}
