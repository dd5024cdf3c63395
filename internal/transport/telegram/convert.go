package telegram

import (
	tele "gopkg.in/telebot.v4"

	"mirrorbot/internal/mirror"
)

// messageFrom converts an incoming Telegram message. ok is false for
// service messages and anything else the relay cannot reproduce.
func messageFrom(m *tele.Message) (msg mirror.Message, albumID string, ok bool) {
	if m == nil || m.Chat == nil {
		return mirror.Message{}, "", false
	}
	msg = mirror.Message{
		Feed:       mirror.FeedID(m.Chat.ID),
		ID:         mirror.MessageID(m.ID),
		Restricted: m.Protected,
	}
	if m.Text != "" {
		msg.Text = m.Text
		msg.Spans = spansFrom(m.Entities)
	} else {
		msg.Text = m.Caption
		msg.Spans = spansFrom(m.CaptionEntities)
	}
	msg.Media = mediaFrom(m)
	msg.WebPreview = msg.Media == nil && wantsPreview(m.PreviewOptions, msg.Spans)

	if msg.Text == "" && msg.Media == nil {
		return mirror.Message{}, "", false
	}
	return msg, m.AlbumID, true
}

// wantsPreview follows the sender's link preview choice. Options are only
// present when the sender changed them from the default.
func wantsPreview(p *tele.PreviewOptions, spans []mirror.Span) bool {
	switch {
	case p == nil:
		return hasLink(spans)
	case p.Disabled:
		return false
	case p.URL != "":
		return true
	}
	return hasLink(spans)
}

func mediaFrom(m *tele.Message) *mirror.Media {
	fileAttr := func(kind mirror.ContentKind, f tele.File) *mirror.Media {
		return &mirror.Media{Kind: kind, Ref: f.FileID, Size: f.FileSize}
	}
	switch {
	case m.Photo != nil:
		md := fileAttr(mirror.ContentPhoto, m.Photo.File)
		md.Width, md.Height = m.Photo.Width, m.Photo.Height
		return md
	case m.Video != nil:
		md := fileAttr(mirror.ContentVideo, m.Video.File)
		md.Width, md.Height, md.Duration = m.Video.Width, m.Video.Height, m.Video.Duration
		md.MIME, md.FileName = m.Video.MIME, m.Video.FileName
		return md
	case m.Animation != nil:
		md := fileAttr(mirror.ContentAnimation, m.Animation.File)
		md.Width, md.Height, md.Duration = m.Animation.Width, m.Animation.Height, m.Animation.Duration
		md.MIME, md.FileName = m.Animation.MIME, m.Animation.FileName
		return md
	case m.Audio != nil:
		md := fileAttr(mirror.ContentAudio, m.Audio.File)
		md.Duration, md.Title, md.Performer = m.Audio.Duration, m.Audio.Title, m.Audio.Performer
		md.MIME, md.FileName = m.Audio.MIME, m.Audio.FileName
		return md
	case m.Voice != nil:
		md := fileAttr(mirror.ContentVoice, m.Voice.File)
		md.Duration, md.MIME = m.Voice.Duration, m.Voice.MIME
		return md
	case m.VideoNote != nil:
		md := fileAttr(mirror.ContentVideoNote, m.VideoNote.File)
		md.Duration = m.VideoNote.Duration
		md.Width, md.Height = m.VideoNote.Length, m.VideoNote.Length
		return md
	case m.Sticker != nil:
		md := fileAttr(mirror.ContentSticker, m.Sticker.File)
		md.Width, md.Height = m.Sticker.Width, m.Sticker.Height
		return md
	case m.Document != nil:
		md := fileAttr(mirror.ContentDocument, m.Document.File)
		md.MIME, md.FileName = m.Document.MIME, m.Document.FileName
		return md
	case m.Poll != nil:
		md := &mirror.Media{Kind: mirror.ContentPoll, Question: m.Poll.Question}
		for _, o := range m.Poll.Options {
			md.Options = append(md.Options, o.Text)
		}
		return md
	case m.Venue != nil:
		return &mirror.Media{
			Kind:    mirror.ContentGeo,
			Lat:     float64(m.Venue.Location.Lat),
			Lng:     float64(m.Venue.Location.Lng),
			Title:   m.Venue.Title,
			Address: m.Venue.Address,
		}
	case m.Location != nil:
		return &mirror.Media{Kind: mirror.ContentGeo, Lat: float64(m.Location.Lat), Lng: float64(m.Location.Lng)}
	}
	return nil
}

func spansFrom(ents tele.Entities) []mirror.Span {
	if len(ents) == 0 {
		return nil
	}
	out := make([]mirror.Span, 0, len(ents))
	for _, e := range ents {
		s := mirror.Span{
			Type:     string(e.Type),
			Offset:   e.Offset,
			Length:   e.Length,
			URL:      e.URL,
			Language: e.Language,
		}
		if e.User != nil {
			s.UserID = e.User.ID
		}
		out = append(out, s)
	}
	return out
}

func entitiesFrom(spans []mirror.Span) tele.Entities {
	if len(spans) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(spans))
	for _, s := range spans {
		e := tele.MessageEntity{
			Type:     tele.EntityType(s.Type),
			Offset:   s.Offset,
			Length:   s.Length,
			URL:      s.URL,
			Language: s.Language,
		}
		if s.UserID != 0 {
			e.User = &tele.User{ID: s.UserID}
		}
		out = append(out, e)
	}
	return out
}

func hasLink(spans []mirror.Span) bool {
	for _, s := range spans {
		if s.Type == string(tele.EntityURL) || s.Type == string(tele.EntityTextLink) {
			return true
		}
	}
	return false
}
