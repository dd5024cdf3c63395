package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mirrorbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.LogChat != nt.LogChat ||
		ot.LogThreadID != nt.LogThreadID || ot.HistoryChat != nt.HistoryChat ||
		ot.HistoryGap != nt.HistoryGap || strings.TrimSpace(ot.AlbumWindow) != strings.TrimSpace(nt.AlbumWindow) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.log_chat", nt.LogChat),
			logx.Int64("telegram.history_chat", nt.HistoryChat),
			logx.String("telegram.album_window", strings.TrimSpace(nt.AlbumWindow)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Mirror routes and toggles
	if !reflect.DeepEqual(oldCfg.Mirror, newCfg.Mirror) {
		changed = append(changed, "mirror")
		text, media, edits, deletes, bypass := newCfg.Mirror.Options.Resolved()
		attrs = append(attrs,
			logx.Bool("mirror.enabled", newCfg.MirrorEnabled()),
			logx.Int("mirror.legacy_mappings", len(newCfg.Mirror.ChannelMappings)),
			logx.Int64("mirror.source", newCfg.Mirror.Source),
			logx.Int("mirror.targets", len(newCfg.Mirror.Targets)),
			logx.Bool("mirror.text", text),
			logx.Bool("mirror.media", media),
			logx.Bool("mirror.edits", edits),
			logx.Bool("mirror.deletes", deletes),
			logx.Bool("mirror.bypass_restriction", bypass),
		)
	}

	// Engine, monitor and backfill tuning. Nil means defaults.
	if !reflect.DeepEqual(deref(oldCfg.Engine), deref(newCfg.Engine)) {
		changed = append(changed, "engine")
		ne := deref(newCfg.Engine)
		attrs = append(attrs,
			logx.Bool("engine.present", newCfg.Engine != nil),
			logx.Int("engine.workers", ne.Workers),
			logx.Int("engine.queue_size", ne.QueueSize),
			logx.String("engine.max_task_age", strings.TrimSpace(ne.MaxTaskAge)),
		)
	}
	if !reflect.DeepEqual(deref(oldCfg.Monitor), deref(newCfg.Monitor)) {
		changed = append(changed, "monitor")
		nm := deref(newCfg.Monitor)
		attrs = append(attrs,
			logx.String("monitor.interval", strings.TrimSpace(nm.Interval)),
			logx.Int("monitor.queue_warn", nm.QueueWarn),
			logx.String("monitor.report_schedule", strings.TrimSpace(nm.ReportSchedule)),
		)
	}
	if !reflect.DeepEqual(deref(oldCfg.Backfill), deref(newCfg.Backfill)) {
		changed = append(changed, "backfill")
	}

	// Notifier
	// Section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defN := &NotifierConfig{
		Enabled:         true,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage (never log redis url, it may carry a password)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.redis_url_set", strings.TrimSpace(newS.RedisURL) != ""),
			logx.String("storage.link_ttl", strings.TrimSpace(newS.LinkTTL)),
		)
	}

	// Status server (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// RestartRequired lists changed sections that only take effect after a
// restart: the bot session and the store.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram", "storage":
			out = append(out, c)
		}
	}
	return out
}
