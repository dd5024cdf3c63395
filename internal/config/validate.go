package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Validate checks the structural rules that do not depend on runtime
// state. It reports every problem found, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or MIRRORBOT_TELEGRAM_TOKEN)"))
	}
	if cfg.Telegram.HistoryGap < 0 {
		add(errors.New("telegram.history_gap must be >= 0"))
	}
	add(durationField("telegram.album_window", cfg.Telegram.AlbumWindow))
	add(durationField("telegram.poll_timeout", cfg.Telegram.PollTimeout))

	for k, v := range cfg.Mirror.ChannelMappings {
		if _, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64); err != nil {
			add(fmt.Errorf("mirror.channel_mappings: source %q is not a chat id", k))
		}
		if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
			add(fmt.Errorf("mirror.channel_mappings[%s]: destination %q is not a chat id", k, v))
		}
	}
	if len(cfg.Mirror.Targets) > 0 && cfg.Mirror.Source == 0 {
		add(errors.New("mirror.targets requires mirror.source"))
	}
	for _, t := range cfg.Mirror.Targets {
		if t == 0 {
			add(errors.New("mirror.targets: zero chat id"))
		}
	}

	if e := cfg.Engine; e != nil {
		if e.Workers < 0 {
			add(errors.New("engine.workers must be >= 0"))
		}
		if e.QueueSize < 0 {
			add(errors.New("engine.queue_size must be >= 0"))
		}
		if e.MaxRetries != nil && *e.MaxRetries < 0 {
			add(errors.New("engine.max_retries must be >= 0"))
		}
		if e.CacheEvictFraction < 0 || e.CacheEvictFraction > 1 {
			add(errors.New("engine.cache_evict_fraction must be within [0, 1]"))
		}
		add(durationField("engine.max_task_age", e.MaxTaskAge))
		add(durationField("engine.retry_base", e.RetryBase))
		add(durationField("engine.retry_max_delay", e.RetryMaxDelay))
		if e.Batch != nil {
			if e.Batch.MaxItems < 0 {
				add(errors.New("engine.batch.max_items must be >= 0"))
			}
			add(durationField("engine.batch.max_age", e.Batch.MaxAge))
		}
		if e.Pace != nil && (e.Pace.PerSecond < 0 || e.Pace.Burst < 0) {
			add(errors.New("engine.pace values must be >= 0"))
		}
	}

	if m := cfg.Monitor; m != nil {
		add(durationField("monitor.interval", m.Interval))
		add(durationField("monitor.latency_warn", m.LatencyWarn))
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("monitor.timezone: invalid %q: %w", tz, err))
			}
		}
	}
	if b := cfg.Backfill; b != nil {
		add(durationField("backfill.pause_for", b.PauseFor))
	}

	if n := cfg.Notifier; n != nil {
		if n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: numeric values must be >= 0"))
		}
		add(durationField("notifier.retry_base", n.RetryBase))
		add(durationField("notifier.retry_max_delay", n.RetryMaxDelay))
		add(durationField("notifier.dedup_window", n.DedupWindow))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			add(errors.New("storage.redis_url is required when storage.driver=redis"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	add(durationField("storage.busy_timeout", cfg.Storage.BusyTimeout))
	add(durationField("storage.link_ttl", cfg.Storage.LinkTTL))

	if s := cfg.Status; s.Enabled {
		add(durationField("status.read_timeout", s.ReadTimeout))
		add(durationField("status.idle_timeout", s.IdleTimeout))
		if addr := strings.TrimSpace(s.Addr); addr != "" && !IsLoopbackAddr(addr) &&
			strings.TrimSpace(s.Token) == "" && !s.AllowInsecure {
			add(fmt.Errorf("status.addr %q is not loopback; set status.token or status.allow_insecure", addr))
		}
	}

	return errors.Join(errs...)
}

func durationField(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}

// IsLoopbackAddr reports whether a host:port listens on loopback only.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
