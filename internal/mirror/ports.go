package mirror

import (
	"context"
	"iter"
)

// MediaPayload is what SendMedia uploads. A nil Data forwards Attr.Ref.
type MediaPayload struct {
	Attr Media
	Data []byte
}

// Edit describes an in-place change to a destination message. Media is
// set only when the attachment itself must be replaced.
type Edit struct {
	Text        string
	Spans       []Span
	Caption     bool
	Media       *MediaPayload
	LinkPreview bool
}

// Transport is the platform's send/edit/delete surface.
type Transport interface {
	SendText(ctx context.Context, dest FeedID, text string, spans []Span, linkPreview bool) (MessageID, error)
	SendMedia(ctx context.Context, dest FeedID, p MediaPayload, caption string, spans []Span) (MessageID, error)
	SendAlbum(ctx context.Context, dest FeedID, items []MediaPayload, caption string, spans []Span) ([]MessageID, error)
	DownloadMedia(ctx context.Context, m *Media) ([]byte, error)
	EditMessage(ctx context.Context, dest FeedID, id MessageID, e Edit) error
	DeleteMessages(ctx context.Context, dest FeedID, ids []MessageID) error
	// IterateHistory yields messages of feed starting at fromID. reverse
	// walks oldest to newest.
	IterateHistory(ctx context.Context, feed FeedID, fromID MessageID, reverse bool) iter.Seq2[Message, error]
}

// Mapping resolves destinations and persists links and counters.
type Mapping interface {
	ResolveDestinations(ctx context.Context, source FeedID) []FeedID
	RemoveMapping(ctx context.Context, source, dest FeedID) error
	CacheMessage(ctx context.Context, l Link) error
	GetCachedMessage(ctx context.Context, source FeedID, id MessageID, dest FeedID) (Link, bool, error)
	ForgetMessage(ctx context.Context, source FeedID, id MessageID, dest FeedID) error
	IncrementStat(ctx context.Context, name string, n int64)
}

// Level grades LogSink notifications.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// LogSink receives operator notifications. It must not block or fail.
type LogSink interface {
	Notify(text string, level Level)
}

type nopSink struct{}

func (nopSink) Notify(string, Level) {}
