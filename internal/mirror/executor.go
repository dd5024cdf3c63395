package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "mirrorbot/pkg/logx"
)

// PaceConfig is the proactive per-destination send budget. A zero
// PerSecond disables pacing.
type PaceConfig struct {
	PerSecond float64
	Burst     int
}

// Executor performs one relay attempt of one event to one destination.
type Executor struct {
	tr  Transport
	log logx.Logger

	mu       sync.Mutex
	pace     PaceConfig
	limiters map[FeedID]*rate.Limiter

	observe func(time.Duration)
}

func NewExecutor(tr Transport, pace PaceConfig, log logx.Logger) *Executor {
	return &Executor{tr: tr, log: log, pace: pace, limiters: map[FeedID]*rate.Limiter{}}
}

// SetPace replaces the pacing budget; existing limiters are rebuilt lazily.
func (x *Executor) SetPace(p PaceConfig) {
	x.mu.Lock()
	if p != x.pace {
		x.pace = p
		x.limiters = map[FeedID]*rate.Limiter{}
	}
	x.mu.Unlock()
}

func (x *Executor) wait(ctx context.Context, dest FeedID) error {
	x.mu.Lock()
	p := x.pace
	if p.PerSecond <= 0 {
		x.mu.Unlock()
		return nil
	}
	lim, ok := x.limiters[dest]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.PerSecond), max(1, p.Burst))
		x.limiters[dest] = lim
	}
	x.mu.Unlock()
	return lim.Wait(ctx)
}

// Relay sends ev (Created or Grouped) to dest and returns the links that
// landed. It never touches the identifier cache.
func (x *Executor) Relay(ctx context.Context, ev Event, dest FeedID, s Strategy) ([]Link, error) {
	start := time.Now()
	defer func() {
		if x.observe != nil {
			x.observe(time.Since(start))
		}
	}()

	switch ev.Kind {
	case EventCreated, EventEdited:
		l, err := x.relayMessage(ctx, ev.Message, dest, s)
		if err != nil {
			return nil, err
		}
		return []Link{l}, nil
	case EventGrouped:
		return x.relayGroup(ctx, ev, dest, s)
	default:
		return nil, fmt.Errorf("relay: unsupported event kind %q", ev.Kind)
	}
}

func (x *Executor) relayMessage(ctx context.Context, m Message, dest FeedID, s Strategy) (Link, error) {
	if err := x.wait(ctx, dest); err != nil {
		return Link{}, err
	}
	link := Link{Source: m.Feed, SourceID: m.ID, Dest: dest, At: time.Now()}

	kind := m.Kind()
	switch kind {
	case ContentNone:
		id, err := x.sendText(ctx, dest, m.Text, m.Spans, m.WebPreview)
		if err != nil {
			return Link{}, err
		}
		link.DestID = id
		return link, nil

	case ContentPoll, ContentGeo:
		text, spans := summarize(m)
		id, err := x.sendText(ctx, dest, text, spans, false)
		if err != nil {
			return Link{}, err
		}
		link.DestID = id
		return link, nil

	case ContentPhoto, ContentVideo, ContentAudio, ContentVoice, ContentVideoNote,
		ContentAnimation, ContentSticker, ContentDocument:
		p, err := x.payload(ctx, m.Media, s)
		if err == nil {
			var id MessageID
			id, err = x.tr.SendMedia(ctx, dest, p, m.Text, m.Spans)
			if err == nil {
				link.DestID, link.Kind, link.MediaRef = id, kind, m.Media.Ref
				return link, nil
			}
		}
		if !errors.Is(err, ErrContentUnavailable) {
			return Link{}, err
		}
		x.log.Debug("media unavailable; relaying as text",
			logx.Int64("dest", int64(dest)), logx.Int("id", int(m.ID)), logx.String("kind", kind.String()), logx.Err(err))
		text, spans := m.Text, m.Spans
		if strings.TrimSpace(text) == "" {
			text, spans = "["+kind.String()+"]", nil
		}
		id, err := x.sendText(ctx, dest, text, spans, false)
		if err != nil {
			return Link{}, err
		}
		link.DestID = id
		return link, nil

	default:
		return Link{}, fmt.Errorf("relay: unknown content kind %v", kind)
	}
}

// sendText links a split text under its first part even when a later part
// fails, so a retry never re-sends what already landed.
func (x *Executor) sendText(ctx context.Context, dest FeedID, text string, spans []Span, preview bool) (MessageID, error) {
	id, err := x.tr.SendText(ctx, dest, text, spans, preview)
	var pe *PartialSendError
	if errors.As(err, &pe) && pe.First != 0 {
		x.log.Warn("text relayed partially; tail dropped", logx.Int64("dest", int64(dest)), logx.Int("first", int(pe.First)), logx.Err(pe.Err))
		return pe.First, nil
	}
	return id, err
}

// payload downloads the media for BYPASS and forwards the reference otherwise.
func (x *Executor) payload(ctx context.Context, m *Media, s Strategy) (MediaPayload, error) {
	if s != StrategyBypass {
		return MediaPayload{Attr: *m}, nil
	}
	data, err := x.tr.DownloadMedia(ctx, m)
	if err != nil {
		return MediaPayload{}, err
	}
	if len(data) == 0 {
		return MediaPayload{}, fmt.Errorf("download %s: empty body: %w", m.Kind, ErrContentUnavailable)
	}
	attr := *m
	if attr.FileName == "" {
		attr.FileName = defaultFileName(attr.Kind, attr.MIME)
	}
	attr.Size = int64(len(data))
	return MediaPayload{Attr: attr, Data: data}, nil
}

func (x *Executor) relayGroup(ctx context.Context, ev Event, dest FeedID, s Strategy) ([]Link, error) {
	var (
		payloads []MediaPayload
		owners   []Message
	)
	for _, it := range ev.Items {
		switch it.Kind() {
		case ContentNone, ContentPoll, ContentGeo:
			continue
		}
		p, err := x.payload(ctx, it.Media, s)
		if errors.Is(err, ErrContentUnavailable) {
			x.log.Debug("album item unavailable; skipped", logx.Int("id", int(it.ID)), logx.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
		owners = append(owners, it)
	}

	if len(payloads) == 0 {
		if strings.TrimSpace(ev.Caption) == "" {
			return nil, nil
		}
		first := ev.Items[0]
		first.Text, first.Spans, first.Media = ev.Caption, ev.Spans, nil
		l, err := x.relayMessage(ctx, first, dest, StrategyDirect)
		if err != nil {
			return nil, err
		}
		return []Link{l}, nil
	}

	if err := x.wait(ctx, dest); err != nil {
		return nil, err
	}
	ids, err := x.tr.SendAlbum(ctx, dest, payloads, ev.Caption, ev.Spans)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	links := make([]Link, 0, len(ids))
	for i, id := range ids {
		if i >= len(owners) {
			break
		}
		links = append(links, Link{
			Source:   ev.Feed,
			SourceID: owners[i].ID,
			Dest:     dest,
			DestID:   id,
			Kind:     owners[i].Kind(),
			MediaRef: owners[i].mediaRef(),
			At:       now,
		})
	}
	return links, nil
}

// ApplyEdit brings the destination message of old in line with m. A
// content shape change deletes the old message and relays m as new.
func (x *Executor) ApplyEdit(ctx context.Context, old Link, m Message, s Strategy) (Link, error) {
	newKind := m.Kind()
	if newKind.Summarized() {
		newKind = ContentNone
	}
	if (old.Kind == ContentNone) != (newKind == ContentNone) {
		if err := x.tr.DeleteMessages(ctx, old.Dest, []MessageID{old.DestID}); err != nil {
			if f, _ := Classify(err); f != FailureFatal {
				return Link{}, err
			}
		}
		if s == StrategyBatch {
			s = StrategyDirect
		}
		return x.relayMessage(ctx, m, old.Dest, s)
	}

	if err := x.wait(ctx, old.Dest); err != nil {
		return Link{}, err
	}

	next := old
	next.At = time.Now()
	e := Edit{Text: m.Text, Spans: m.Spans, LinkPreview: m.WebPreview}
	switch {
	case m.Kind().Summarized():
		e.Text, e.Spans = summarize(m)
		e.LinkPreview = false
	case newKind != ContentNone:
		e.Caption = true
		if m.Media.Ref != old.MediaRef {
			p, err := x.payload(ctx, m.Media, s)
			if err != nil {
				return Link{}, err
			}
			e.Media = &p
			next.Kind, next.MediaRef = newKind, m.Media.Ref
		}
	}

	if err := x.tr.EditMessage(ctx, old.Dest, old.DestID, e); err != nil {
		return Link{}, err
	}
	return next, nil
}

// summarize renders content that cannot be re-sent as a file.
func summarize(m Message) (string, []Span) {
	var b strings.Builder
	md := m.Media
	switch md.Kind {
	case ContentPoll:
		b.WriteString("📊 Poll: ")
		b.WriteString(md.Question)
		for _, o := range md.Options {
			b.WriteString("\n• ")
			b.WriteString(o)
		}
	case ContentGeo:
		b.WriteString("📍 Location")
		if md.Title != "" {
			b.WriteString(": ")
			b.WriteString(md.Title)
		}
		fmt.Fprintf(&b, "\n%.6f, %.6f", md.Lat, md.Lng)
		if md.Address != "" {
			b.WriteString("\n")
			b.WriteString(md.Address)
		}
	}
	if strings.TrimSpace(m.Text) == "" {
		return b.String(), nil
	}
	prefix := m.Text + "\n\n"
	return prefix + b.String(), m.Spans
}

func defaultFileName(k ContentKind, mime string) string {
	switch k {
	case ContentPhoto:
		return "photo.jpg"
	case ContentVideo, ContentVideoNote:
		return "video.mp4"
	case ContentAnimation:
		return "animation.mp4"
	case ContentVoice:
		return "voice.ogg"
	case ContentAudio:
		return "audio.mp3"
	case ContentSticker:
		if strings.Contains(mime, "tgsticker") {
			return "sticker.tgs"
		}
		return "sticker.webp"
	default:
		return "file"
	}
}
