package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Secrets and endpoints can be overridden from the environment; see the
// env tags below. Durations are Go duration strings ("800ms", "10s").
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Mirror   MirrorConfig    `json:"mirror"`
	Engine   *EngineConfig   `json:"engine,omitempty"`
	Monitor  *MonitorConfig  `json:"monitor,omitempty"`
	Backfill *BackfillConfig `json:"backfill,omitempty"`

	// Notifier controls the log-chat notification pipeline. If the whole
	// section is omitted, the notifier is enabled with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage,omitzero"`
	Status   StatusConfig    `json:"status,omitzero"`
}

type TelegramConfig struct {
	Token  string `env:"MIRRORBOT_TELEGRAM_TOKEN" json:"token"`
	APIURL string `env:"MIRRORBOT_TELEGRAM_API_URL" json:"api_url,omitempty"`

	// LogChat receives notifications and forwarded warn+ log lines.
	LogChat     int64 `env:"MIRRORBOT_LOG_CHAT" json:"log_chat,omitempty"`
	LogThreadID int   `json:"log_thread_id,omitempty"`

	// HistoryChat is a scratch chat used to read source history during
	// backfill. Backfill is unavailable when it is zero.
	HistoryChat int64 `json:"history_chat,omitempty"`
	// HistoryGap stops a history walk after this many missing ids.
	HistoryGap int `json:"history_gap,omitempty"`

	AlbumWindow string `json:"album_window,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `env:"MIRRORBOT_LOG_LEVEL" json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the log chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MirrorConfig is the routing table plus the relay toggles.
//
// channel_mappings is the legacy one-to-one form ("source": "dest");
// source/targets is the one-to-many form. Both may be used at once.
type MirrorConfig struct {
	Enabled         *bool         `json:"enabled,omitempty"`
	ChannelMappings FeedMap       `json:"channel_mappings,omitempty"`
	Source          int64         `json:"source,omitempty"`
	Targets         []int64       `json:"targets,omitempty"`
	Options         MirrorOptions `json:"options,omitzero"`
}

// MirrorOptions default to true when omitted.
type MirrorOptions struct {
	Text              *bool `json:"text,omitempty"`
	Media             *bool `json:"media,omitempty"`
	Edits             *bool `json:"edits,omitempty"`
	Deletes           *bool `json:"deletes,omitempty"`
	BypassRestriction *bool `json:"bypass_restriction,omitempty"`
}

// EngineConfig tunes the relay engine. Zero values take the engine's
// defaults.
type EngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
	MaxTaskAge    string `json:"max_task_age,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Batch *BatchConfig `json:"batch,omitempty"`
	Pace  *PaceConfig  `json:"pace,omitempty"`

	BatchTextLimit  int   `json:"batch_text_limit,omitempty"`
	LargeMediaBytes int64 `json:"large_media_bytes,omitempty"`
	SmartSpanCount  int   `json:"smart_span_count,omitempty"`

	CacheCapacity      int     `json:"cache_capacity,omitempty"`
	CacheEvictFraction float64 `json:"cache_evict_fraction,omitempty"`
}

type BatchConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	MaxItems int    `json:"max_items,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`
}

// PaceConfig limits sends per destination. per_second 0 disables pacing.
type PaceConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst,omitempty"`
}

type MonitorConfig struct {
	Interval    string `json:"interval,omitempty"`
	QueueWarn   int    `json:"queue_warn,omitempty"`
	LatencyWarn string `json:"latency_warn,omitempty"`

	// ReportSchedule is a cron spec for the periodic stats summary sent
	// to the log chat. "off" disables it.
	ReportSchedule string `json:"report_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

type BackfillConfig struct {
	PauseEvery    int    `json:"pause_every,omitempty"`
	PauseFor      string `json:"pause_for,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects where links, stats and removed routes live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mirrorbot.db" }
type StorageConfig struct {
	Driver      string `env:"MIRRORBOT_STORAGE_DRIVER" json:"driver,omitempty"`
	Path        string `env:"MIRRORBOT_STORAGE_PATH" json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	RedisURL    string `env:"MIRRORBOT_REDIS_URL" json:"redis_url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"` // redis
	LinkTTL     string `json:"link_ttl,omitempty"`
}

// StatusConfig controls the HTTP status and ingress server.
//
// Prefer binding to localhost. A non-loopback address requires a token
// unless allow_insecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `env:"MIRRORBOT_STATUS_ADDR" json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token         string `env:"MIRRORBOT_STATUS_TOKEN" json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// MirrorEnabled reports mirror.enabled, default true.
func (c *Config) MirrorEnabled() bool { return c != nil && boolOr(c.Mirror.Enabled, true) }

// Resolved returns the options with omitted toggles set to true.
func (o MirrorOptions) Resolved() (text, media, edits, deletes, bypass bool) {
	return boolOr(o.Text, true), boolOr(o.Media, true), boolOr(o.Edits, true),
		boolOr(o.Deletes, true), boolOr(o.BypassRestriction, true)
}

// FeedMap is a source -> destination table. Values may be written as
// numbers or strings; YAML emits bare numbers for chat ids.
type FeedMap map[string]string

func (m *FeedMap) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(FeedMap, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("channel_mappings[%s]: want chat id, got %s", k, v)
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return fmt.Errorf("channel_mappings[%s]: %w", k, err)
		}
		out[k] = n.String()
	}
	*m = out
	return nil
}
