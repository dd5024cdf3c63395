package app

import (
	"strings"
	"time"

	"mirrorbot/internal/mapping"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/notifier"
	"mirrorbot/internal/status"
	"mirrorbot/internal/storage"
	"mirrorbot/internal/transport/telegram"
	logx "mirrorbot/pkg/logx"
)

// mapEngineConfig overlays the engine, monitor, backfill and mirror
// sections onto mirror.DefaultConfig. Omitted values keep the defaults.
func mapEngineConfig(cfg *Config) (mirror.Config, error) {
	c := mirror.DefaultConfig()
	if cfg == nil {
		return c, nil
	}
	c.Enabled = cfg.MirrorEnabled()
	c.Options.Text, c.Options.Media, c.Options.Edits, c.Options.Deletes, c.Options.Bypass = cfg.Mirror.Options.Resolved()

	var err error
	if e := cfg.Engine; e != nil {
		if e.Workers > 0 {
			c.Workers = e.Workers
		}
		if e.QueueSize > 0 {
			c.QueueSize = e.QueueSize
		}
		if e.MaxRetries != nil {
			c.MaxRetries = *e.MaxRetries
		}
		if c.MaxTaskAge, err = parseDurationOrDefault("engine.max_task_age", e.MaxTaskAge, c.MaxTaskAge); err != nil {
			return mirror.Config{}, err
		}
		if c.RetryBase, err = parseDurationOrDefault("engine.retry_base", e.RetryBase, c.RetryBase); err != nil {
			return mirror.Config{}, err
		}
		if c.RetryMaxDelay, err = parseDurationOrDefault("engine.retry_max_delay", e.RetryMaxDelay, c.RetryMaxDelay); err != nil {
			return mirror.Config{}, err
		}
		if b := e.Batch; b != nil {
			if b.Enabled != nil {
				c.BatchEnabled = *b.Enabled
			}
			if b.MaxItems > 0 {
				c.Batch.MaxItems = b.MaxItems
			}
			if c.Batch.MaxAge, err = parseDurationOrDefault("engine.batch.max_age", b.MaxAge, c.Batch.MaxAge); err != nil {
				return mirror.Config{}, err
			}
		}
		if p := e.Pace; p != nil {
			if p.PerSecond > 0 {
				c.Pace.PerSecond = p.PerSecond
			}
			if p.Burst > 0 {
				c.Pace.Burst = p.Burst
			}
		}
		if e.BatchTextLimit > 0 {
			c.BatchTextLimit = e.BatchTextLimit
		}
		if e.LargeMediaBytes > 0 {
			c.LargeMediaBytes = e.LargeMediaBytes
		}
		if e.SmartSpanCount > 0 {
			c.SmartSpanCount = e.SmartSpanCount
		}
		if e.CacheCapacity > 0 {
			c.CacheCapacity = e.CacheCapacity
		}
		if e.CacheEvictFraction > 0 {
			c.CacheEvictFraction = e.CacheEvictFraction
		}
	}

	if m := cfg.Monitor; m != nil {
		if c.Monitor.Interval, err = parseDurationOrDefault("monitor.interval", m.Interval, c.Monitor.Interval); err != nil {
			return mirror.Config{}, err
		}
		if m.QueueWarn > 0 {
			c.Monitor.QueueWarn = m.QueueWarn
		}
		if c.Monitor.LatencyWarn, err = parseDurationOrDefault("monitor.latency_warn", m.LatencyWarn, c.Monitor.LatencyWarn); err != nil {
			return mirror.Config{}, err
		}
	}

	if b := cfg.Backfill; b != nil {
		if b.PauseEvery > 0 {
			c.Backfill.PauseEvery = b.PauseEvery
		}
		if c.Backfill.PauseFor, err = parseDurationOrDefault("backfill.pause_for", b.PauseFor, c.Backfill.PauseFor); err != nil {
			return mirror.Config{}, err
		}
		if b.ProgressEvery > 0 {
			c.Backfill.ProgressEvery = b.ProgressEvery
		}
	}
	return c, nil
}

func mapRoutes(cfg *Config) mapping.Routes {
	if cfg == nil {
		return mapping.Routes{}
	}
	return mapping.Routes{
		Legacy:  cfg.Mirror.ChannelMappings,
		Source:  cfg.Mirror.Source,
		Targets: cfg.Mirror.Targets,
	}
}

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := parseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	album, err := parseDurationOrDefault("telegram.album_window", t.AlbumWindow, 800*time.Millisecond)
	if err != nil {
		return telegram.Config{}, err
	}
	gap := t.HistoryGap
	if gap <= 0 {
		gap = 50
	}
	return telegram.Config{
		Token:       strings.TrimSpace(t.Token),
		APIURL:      strings.TrimSpace(t.APIURL),
		PollTimeout: poll,
		AlbumWindow: album,
		HistoryChat: t.HistoryChat,
		HistoryGap:  gap,
	}, nil
}

// mapNotifierConfig applies the same defaults SummarizeConfigChange
// assumes for an omitted section.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.QueueSize > 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax >= 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries > 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func notifierTarget(cfg *Config) notifier.Target {
	return notifier.Target{ChatID: cfg.Telegram.LogChat, ThreadID: cfg.Telegram.LogThreadID}
}

func mapLogConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Sink: logx.SinkConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.LogChat != 0,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	ttl, err := parseDurationOrDefault("storage.link_ttl", sc.LinkTTL, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		RedisURL:    strings.TrimSpace(sc.RedisURL),
		KeyPrefix:   strings.TrimSpace(sc.KeyPrefix),
		LinkTTL:     ttl,
	}, nil
}

func mapStatusConfig(cfg *Config) (status.Config, error) {
	s := cfg.Status
	read, err := parseDurationOrDefault("status.read_timeout", s.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := parseDurationOrDefault("status.idle_timeout", s.IdleTimeout, time.Minute)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

// reportSchedule returns the stats report cron spec and its location;
// an empty spec disables the report.
func reportSchedule(cfg *Config) (string, *time.Location, error) {
	spec, tz := "@every 1h", ""
	if m := cfg.Monitor; m != nil {
		if s := strings.TrimSpace(m.ReportSchedule); s != "" {
			spec = s
		}
		tz = strings.TrimSpace(m.Timezone)
	}
	if strings.EqualFold(spec, "off") {
		spec = ""
	}
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", nil, err
		}
		loc = l
	}
	return spec, loc, nil
}
