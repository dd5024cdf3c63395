package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mirrorbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the config whenever its file changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are seen too. A broken watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	r := &reloader{m: m, ctx: ctx}
	defer r.stop()

	wait := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, r.trigger)
		if ctx.Err() != nil {
			break
		}
		d := wait + rand.N(wait/2+1)
		wait = min(wait*2, watchBackoffMax)
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.String("path", m.path), logx.Duration("backoff", d))

		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx is done.
func (m *ConfigManager) watchOnce(ctx context.Context, changed func()) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&^fsnotify.Chmod != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may be lost; reload once to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
		}
	}
}

// reloader debounces bursts of file events into one reload.
type reloader struct {
	m   *ConfigManager
	ctx context.Context

	mu    sync.Mutex
	timer *time.Timer
}

func (r *reloader) trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Reset(reloadDebounce)
		return
	}
	r.timer = time.AfterFunc(reloadDebounce, r.reload)
}

func (r *reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *reloader) reload() {
	if r.ctx.Err() != nil {
		return
	}
	m := r.m
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping current", logx.Err(err))
		return
	}

	fp := fingerprint(cfg)
	if m.unchanged(fp) {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err), logx.String("path", m.path))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%x", fp)))
}
