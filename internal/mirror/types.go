package mirror

import (
	"fmt"
	"time"
)

// FeedID identifies a source or destination conversation.
type FeedID int64

// MessageID identifies a message inside one feed.
type MessageID int

// ContentKind is the shape of a message's media payload.
type ContentKind int

const (
	ContentNone ContentKind = iota
	ContentPhoto
	ContentVideo
	ContentAudio
	ContentVoice
	ContentVideoNote
	ContentAnimation
	ContentSticker
	ContentDocument
	ContentPoll
	ContentGeo
)

var contentKindNames = [...]string{
	ContentNone:      "none",
	ContentPhoto:     "photo",
	ContentVideo:     "video",
	ContentAudio:     "audio",
	ContentVoice:     "voice",
	ContentVideoNote: "video_note",
	ContentAnimation: "animation",
	ContentSticker:   "sticker",
	ContentDocument:  "document",
	ContentPoll:      "poll",
	ContentGeo:       "geo",
}

func (k ContentKind) String() string {
	if k >= 0 && int(k) < len(contentKindNames) {
		return contentKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseContentKind is the inverse of String. Unknown names map to ContentNone.
func ParseContentKind(s string) ContentKind {
	for i, n := range contentKindNames {
		if n == s {
			return ContentKind(i)
		}
	}
	return ContentNone
}

func (k ContentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ContentKind) UnmarshalText(b []byte) error {
	*k = ParseContentKind(string(b))
	return nil
}

// Summarized reports whether the kind is relayed as a text summary
// instead of a file.
func (k ContentKind) Summarized() bool { return k == ContentPoll || k == ContentGeo }

// Span is one formatting entity. Offset and Length are in UTF-16 code units.
type Span struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
}

// Media describes a message attachment. Ref is the transport's reference
// for forwarding without download.
type Media struct {
	Kind      ContentKind `json:"kind"`
	Ref       string      `json:"ref,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	MIME      string      `json:"mime,omitempty"`
	Size      int64       `json:"size,omitempty"`
	Duration  int         `json:"duration,omitempty"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	Title     string      `json:"title,omitempty"`
	Performer string      `json:"performer,omitempty"`

	// Poll
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// Geo
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
	Address string  `json:"address,omitempty"`
}

// Message is the payload of Created and Edited events and of Grouped items.
type Message struct {
	Feed       FeedID    `json:"feed"`
	ID         MessageID `json:"id"`
	Text       string    `json:"text,omitempty"`
	Spans      []Span    `json:"spans,omitempty"`
	Media      *Media    `json:"media,omitempty"`
	Restricted bool      `json:"restricted,omitempty"`
	WebPreview bool      `json:"web_preview,omitempty"`
}

// Kind returns the message's content kind, ContentNone for text.
func (m Message) Kind() ContentKind {
	if m.Media == nil {
		return ContentNone
	}
	return m.Media.Kind
}

func (m Message) mediaRef() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.Ref
}

// EventKind tags an Event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventEdited  EventKind = "edited"
	EventDeleted EventKind = "deleted"
	EventGrouped EventKind = "grouped"
)

// Event is the tagged variant produced by ingress. Fields outside the
// variant selected by Kind are ignored.
type Event struct {
	Kind EventKind `json:"kind"`

	// Created, Edited
	Message Message `json:"message,omitzero"`

	// Deleted, Grouped
	Feed FeedID      `json:"feed,omitempty"`
	IDs  []MessageID `json:"ids,omitempty"`

	// Grouped
	Caption string    `json:"caption,omitempty"`
	Spans   []Span    `json:"spans,omitempty"`
	Items   []Message `json:"items,omitempty"`
}

func Created(m Message) Event { return Event{Kind: EventCreated, Message: m} }
func Edited(m Message) Event  { return Event{Kind: EventEdited, Message: m} }
func Deleted(feed FeedID, ids ...MessageID) Event {
	return Event{Kind: EventDeleted, Feed: feed, IDs: ids}
}
func Grouped(feed FeedID, caption string, spans []Span, items []Message) Event {
	return Event{Kind: EventGrouped, Feed: feed, Caption: caption, Spans: spans, Items: items}
}

// Source returns the feed the event originated from.
func (e Event) Source() FeedID {
	switch e.Kind {
	case EventCreated, EventEdited:
		return e.Message.Feed
	default:
		return e.Feed
	}
}

// key returns the dedup key of a Created or Grouped event.
func (e Event) key() msgKey {
	switch e.Kind {
	case EventGrouped:
		if len(e.Items) > 0 {
			return msgKey{feed: e.Feed, id: e.Items[0].ID}
		}
		return msgKey{feed: e.Feed}
	default:
		return msgKey{feed: e.Message.Feed, id: e.Message.ID}
	}
}

func (e Event) Validate() error {
	switch e.Kind {
	case EventCreated, EventEdited:
		if e.Message.Feed == 0 || e.Message.ID == 0 {
			return fmt.Errorf("%s event: feed and id are required", e.Kind)
		}
	case EventDeleted:
		if e.Feed == 0 || len(e.IDs) == 0 {
			return fmt.Errorf("deleted event: feed and ids are required")
		}
	case EventGrouped:
		if e.Feed == 0 || len(e.Items) == 0 {
			return fmt.Errorf("grouped event: feed and items are required")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

type msgKey struct {
	feed FeedID
	id   MessageID
}

// Link is one identifier cache entry: where a source message landed in a
// destination feed, with enough shape to decide how to apply edits.
type Link struct {
	Source   FeedID      `json:"source"`
	SourceID MessageID   `json:"source_id"`
	Dest     FeedID      `json:"dest"`
	DestID   MessageID   `json:"dest_id"`
	Kind     ContentKind `json:"kind"`
	MediaRef string      `json:"media_ref,omitempty"`
	At       time.Time   `json:"at"`
}

// Stat counter names.
const (
	StatMessages       = "messages_mirrored"
	StatMedia          = "media_mirrored"
	StatEdits          = "edits_mirrored"
	StatDeletes        = "deletes_mirrored"
	StatErrors         = "errors"
	StatStaleDropped   = "stale_dropped"
	StatBatchesFlushed = "batches_flushed"
)

// Priority orders queued tasks; higher runs first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (p Priority) raise() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// Task is a deferred relay of one event to one destination.
type Task struct {
	ID         string
	Event      Event
	Source     FeedID
	Dest       FeedID
	Strategy   Strategy
	Retries    int
	MaxRetries int
	CreatedAt  time.Time
	Priority   Priority
}
