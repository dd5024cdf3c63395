package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"mirrorbot/internal/mirror"
)

const (
	// Bot API getFile refuses anything larger.
	maxDownload = 20 << 20

	albumMax    = 10
	deleteBatch = 100
)

func chat(id mirror.FeedID) *tele.Chat { return &tele.Chat{ID: int64(id)} }

func storedMessage(feed mirror.FeedID, id mirror.MessageID) *tele.StoredMessage {
	return &tele.StoredMessage{MessageID: strconv.Itoa(int(id)), ChatID: int64(feed)}
}

// SendText posts text, split into several messages when it exceeds the
// platform limit. The first message's id is returned. A failure after the
// first part landed is reported as *mirror.PartialSendError.
func (a *Adapter) SendText(ctx context.Context, dest mirror.FeedID, text string, spans []mirror.Span, linkPreview bool) (mirror.MessageID, error) {
	chunks := splitText(text, spans, textLimit)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: empty text", mirror.ErrContentUnavailable)
	}
	var first mirror.MessageID
	for i, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return first, partial(first, err)
		}
		m, err := a.bot.Send(chat(dest), ch.text, &tele.SendOptions{
			Entities:              entitiesFrom(ch.spans),
			DisableWebPagePreview: !linkPreview,
		})
		if err != nil {
			return first, partial(first, classify(err))
		}
		if i == 0 {
			first = mirror.MessageID(m.ID)
		}
	}
	return first, nil
}

func partial(first mirror.MessageID, err error) error {
	if first == 0 {
		return err
	}
	return &mirror.PartialSendError{First: first, Err: err}
}

func (a *Adapter) SendMedia(ctx context.Context, dest mirror.FeedID, p mirror.MediaPayload, caption string, spans []mirror.Span) (mirror.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	caption, spans = clipCaption(caption, spans)
	what, err := mediaValue(p, caption)
	if err != nil {
		return 0, err
	}
	m, err := a.bot.Send(chat(dest), what, &tele.SendOptions{Entities: entitiesFrom(spans)})
	if err != nil {
		return 0, classify(err)
	}
	return mirror.MessageID(m.ID), nil
}

// SendAlbum posts items as media groups of at most ten, the caption on
// the first item. Kinds a group cannot hold go as documents.
func (a *Adapter) SendAlbum(ctx context.Context, dest mirror.FeedID, items []mirror.MediaPayload, caption string, spans []mirror.Span) ([]mirror.MessageID, error) {
	caption, spans = clipCaption(caption, spans)
	ids := make([]mirror.MessageID, 0, len(items))
	for start := 0; start < len(items); start += albumMax {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		end := min(start+albumMax, len(items))
		album := make(tele.Album, 0, end-start)
		for i, it := range items[start:end] {
			c := ""
			if start == 0 && i == 0 {
				c = caption
			}
			switch it.Attr.Kind {
			case mirror.ContentPhoto, mirror.ContentVideo, mirror.ContentAudio, mirror.ContentDocument:
			default:
				it.Attr.Kind = mirror.ContentDocument
			}
			v, err := mediaValue(it, c)
			if err != nil {
				return ids, err
			}
			in, ok := v.(tele.Inputtable)
			if !ok {
				return ids, fmt.Errorf("%w: %s cannot be grouped", mirror.ErrContentUnavailable, it.Attr.Kind)
			}
			album = append(album, in)
		}
		var opts []any
		if start == 0 && len(spans) > 0 {
			opts = append(opts, &tele.SendOptions{Entities: entitiesFrom(spans)})
		}
		msgs, err := a.bot.SendAlbum(chat(dest), album, opts...)
		if err != nil {
			return ids, classify(err)
		}
		for _, m := range msgs {
			ids = append(ids, mirror.MessageID(m.ID))
		}
	}
	return ids, nil
}

// EditMessage applies e to a destination message. Text beyond one
// message is dropped; an edit cannot grow into several messages.
func (a *Adapter) EditMessage(ctx context.Context, dest mirror.FeedID, id mirror.MessageID, e mirror.Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sm := storedMessage(dest, id)
	var err error
	switch {
	case e.Media != nil:
		caption, spans := clipCaption(e.Text, e.Spans)
		v, verr := mediaValue(*e.Media, caption)
		if verr != nil {
			return verr
		}
		in, ok := v.(tele.Inputtable)
		if !ok {
			return fmt.Errorf("%w: %s cannot replace media", mirror.ErrContentUnavailable, e.Media.Attr.Kind)
		}
		_, err = a.bot.EditMedia(sm, in, &tele.SendOptions{Entities: entitiesFrom(spans)})
	case e.Caption:
		caption, spans := clipCaption(e.Text, e.Spans)
		_, err = a.bot.EditCaption(sm, caption, &tele.SendOptions{Entities: entitiesFrom(spans)})
	default:
		chunks := splitText(e.Text, e.Spans, textLimit)
		if len(chunks) == 0 {
			return fmt.Errorf("%w: empty text", mirror.ErrContentUnavailable)
		}
		_, err = a.bot.Edit(sm, chunks[0].text, &tele.SendOptions{
			Entities:              entitiesFrom(chunks[0].spans),
			DisableWebPagePreview: !e.LinkPreview,
		})
	}
	return classify(err)
}

func (a *Adapter) DeleteMessages(ctx context.Context, dest mirror.FeedID, ids []mirror.MessageID) error {
	if len(ids) == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return classify(a.bot.Delete(storedMessage(dest, ids[0])))
	}
	for start := 0; start < len(ids); start += deleteBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+deleteBatch, len(ids))
		raw := make([]int, 0, end-start)
		for _, id := range ids[start:end] {
			raw = append(raw, int(id))
		}
		if _, err := a.bot.Raw("deleteMessages", map[string]any{
			"chat_id":     int64(dest),
			"message_ids": raw,
		}); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) DownloadMedia(ctx context.Context, m *mirror.Media) ([]byte, error) {
	if m == nil || m.Ref == "" {
		return nil, fmt.Errorf("%w: no file reference", mirror.ErrContentUnavailable)
	}
	if m.Size > maxDownload {
		return nil, fmt.Errorf("%w: %s of %d bytes exceeds the download limit", mirror.ErrContentUnavailable, m.Kind, m.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: m.Ref})
	if err != nil {
		return nil, classify(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxDownload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownload {
		return nil, fmt.Errorf("%w: %s exceeds the download limit", mirror.ErrContentUnavailable, m.Kind)
	}
	return data, ctx.Err()
}

// SendNotice posts an operator notification, split when long.
func (a *Adapter) SendNotice(ctx context.Context, chatID int64, threadID int, text string) error {
	for _, ch := range splitText(text, nil, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(&tele.Chat{ID: chatID}, ch.text, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		}); err != nil {
			return classify(err)
		}
	}
	return nil
}

// mediaValue builds the telebot value for p. A payload without Data is
// re-sent by file reference.
func mediaValue(p mirror.MediaPayload, caption string) (any, error) {
	at := p.Attr
	var f tele.File
	switch {
	case p.Data != nil:
		f = tele.FromReader(bytes.NewReader(p.Data))
	case at.Ref != "":
		f = tele.File{FileID: at.Ref}
	default:
		return nil, fmt.Errorf("%w: %s has neither data nor reference", mirror.ErrContentUnavailable, at.Kind)
	}

	switch at.Kind {
	case mirror.ContentPhoto:
		return &tele.Photo{File: f, Caption: caption}, nil
	case mirror.ContentVideo:
		return &tele.Video{File: f, Caption: caption, Width: at.Width, Height: at.Height,
			Duration: at.Duration, MIME: at.MIME, FileName: at.FileName, Streaming: true}, nil
	case mirror.ContentAnimation:
		return &tele.Animation{File: f, Caption: caption, Width: at.Width, Height: at.Height,
			Duration: at.Duration, MIME: at.MIME, FileName: at.FileName}, nil
	case mirror.ContentAudio:
		return &tele.Audio{File: f, Caption: caption, Duration: at.Duration, Title: at.Title,
			Performer: at.Performer, MIME: at.MIME, FileName: at.FileName}, nil
	case mirror.ContentVoice:
		return &tele.Voice{File: f, Caption: caption, Duration: at.Duration, MIME: at.MIME}, nil
	case mirror.ContentVideoNote:
		return &tele.VideoNote{File: f, Duration: at.Duration, Length: at.Width}, nil
	case mirror.ContentSticker:
		return &tele.Sticker{File: f}, nil
	case mirror.ContentPoll, mirror.ContentGeo, mirror.ContentNone:
		return nil, fmt.Errorf("%w: %s is not a file", mirror.ErrContentUnavailable, at.Kind)
	default:
		return &tele.Document{File: f, Caption: caption, MIME: at.MIME, FileName: at.FileName}, nil
	}
}
