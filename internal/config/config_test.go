package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  log_chat: -1001
  album_window: 800ms
logging:
  level: debug
  console: true
mirror:
  channel_mappings:
    -1002: -1003
    "-1004": "-1005"
  source: -1002
  targets: [-1006]
  options:
    edits: false
storage:
  driver: sqlite
  path: ./data/mirrorbot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.LogChat != -1001 || cfg.Telegram.AlbumWindow != "800ms" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if got := cfg.Mirror.ChannelMappings["-1002"]; got != "-1003" {
		t.Fatalf("numeric mapping = %q", got)
	}
	if got := cfg.Mirror.ChannelMappings["-1004"]; got != "-1005" {
		t.Fatalf("string mapping = %q", got)
	}
	text, _, edits, deletes, _ := cfg.Mirror.Options.Resolved()
	if !text || edits || !deletes {
		t.Fatalf("options = text %v edits %v deletes %v", text, edits, deletes)
	}
	if !cfg.MirrorEnabled() {
		t.Fatalf("mirror should default to enabled")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown.json":  `{"telegram": {"token": "x"}, "plugins": {}}`,
		"trailing.json": `{"telegram": {"token": "x"}} {}`,
		"badmap.json":   `{"mirror": {"channel_mappings": {"-1": true}}}`,
	}
	for name, body := range cases {
		if _, err := NewConfigManager(writeFile(t, name, body)).Parse(); err == nil {
			t.Fatalf("%s: parse succeeded", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRRORBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("MIRRORBOT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MIRRORBOT_STORAGE_DRIVER", "redis")

	cfg, err := NewConfigManager(writeFile(t, "config.json", `{"telegram": {"token": "from-file"}}`)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Driver != "redis" || cfg.Storage.RedisURL == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Telegram.AlbumWindow = "soon" }, "telegram.album_window"},
		{"bad mapping", func(c *Config) { c.Mirror.ChannelMappings = FeedMap{"x": "-1"} }, "channel_mappings"},
		{"targets without source", func(c *Config) { c.Mirror.Targets = []int64{-5} }, "mirror.source"},
		{"negative retries", func(c *Config) { c.Engine = &EngineConfig{MaxRetries: &neg} }, "max_retries"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"redis without url", func(c *Config) { c.Storage.Driver = "redis" }, "redis_url"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "unknown storage.driver"},
		{"open status", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "0.0.0.0:8089"} }, "status.addr"},
		{"bad timezone", func(c *Config) { c.Monitor = &MonitorConfig{Timezone: "Mars/Base"} }, "monitor.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Telegram: TelegramConfig{Token: "t"}}
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tc.want)
			}
		})
	}

	ok := &Config{
		Telegram: TelegramConfig{Token: "t"},
		Status:   StatusConfig{Enabled: true, Addr: "127.0.0.1:8089"},
	}
	if err := Validate(ok); err != nil {
		t.Fatalf("loopback status rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Mirror: MirrorConfig{Source: 1, Targets: []int64{2}}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Mirror: MirrorConfig{Source: 1, Targets: []int64{2, 3}}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"mirror", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"telegram"}) {
		t.Fatalf("RestartRequired = %v", got)
	}

	// An omitted notifier section equals its defaults.
	if changed, _ := SummarizeConfigChange(&Config{}, &Config{}); len(changed) != 0 {
		t.Fatalf("empty diff = %v", changed)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"telegram": {"token": "t"}, "mirror": {"source": 1, "targets": [2]}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Rejected by the validator: nothing is published.
	if err := os.WriteFile(path, []byte(`{"telegram": {"token": ""}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"telegram": {"token": "t"}, "mirror": {"source": 1, "targets": [2, 3]}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if len(cfg.Mirror.Targets) != 2 {
			t.Fatalf("published %+v", cfg.Mirror)
		}
		if m.Get() != cfg {
			t.Fatalf("published config not committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, false},
		{" 1m30s ", 90 * time.Second, false},
		{"-5s", 0, true},
		{"-2", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x.y", tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tc.raw, got, err)
		}
		if err != nil && !strings.HasPrefix(err.Error(), "x.y: ") {
			t.Fatalf("error %q lacks field path", err)
		}
	}

	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("zero should fall back to default, got %v", d)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("subscriber got the stale config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed on unsubscribe")
	}
	m.publish(first)
}
