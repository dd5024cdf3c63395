package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Target is where notifications go. A zero ChatID disables delivery.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one plain-text message.
type Sender interface {
	SendNotice(ctx context.Context, chatID int64, threadID int, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// NotificationEvent is published on the event bus for notifier lifecycle
// events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
