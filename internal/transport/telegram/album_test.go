package telegram

import (
	"testing"
	"time"

	"mirrorbot/internal/mirror"
)

func photo(feed mirror.FeedID, id mirror.MessageID, caption string) mirror.Message {
	return mirror.Message{
		Feed:  feed,
		ID:    id,
		Text:  caption,
		Media: &mirror.Media{Kind: mirror.ContentPhoto, Ref: "f"},
	}
}

func TestAlbumBufferEmitsOrderedGroup(t *testing.T) {
	t.Parallel()

	out := make(chan mirror.Event, 4)
	b := newAlbumBuffer(20*time.Millisecond, func(ev mirror.Event) { out <- ev })

	b.add("g", photo(-1, 12, ""))
	b.add("g", photo(-1, 10, ""))
	b.add("g", photo(-1, 11, "the caption"))
	b.add("h", photo(-2, 1, ""))

	got := map[mirror.FeedID]mirror.Event{}
	for len(got) < 2 {
		select {
		case ev := <-out:
			got[ev.Feed] = ev
		case <-time.After(2 * time.Second):
			t.Fatalf("groups not emitted, got %d", len(got))
		}
	}

	g := got[-1]
	if g.Kind != mirror.EventGrouped || g.Caption != "the caption" || len(g.Items) != 3 {
		t.Fatalf("group = %+v", g)
	}
	for i, want := range []mirror.MessageID{10, 11, 12} {
		if g.Items[i].ID != want || g.Items[i].Text != "" {
			t.Fatalf("item %d = %+v", i, g.Items[i])
		}
	}
	if len(got[-2].Items) != 1 {
		t.Fatalf("second group = %+v", got[-2])
	}
	if b.size() != 0 {
		t.Fatalf("pending = %d after emit", b.size())
	}
}

func TestAlbumBufferFlushAll(t *testing.T) {
	t.Parallel()

	var got []mirror.Event
	b := newAlbumBuffer(time.Hour, func(ev mirror.Event) { got = append(got, ev) })
	b.add("g", photo(-1, 1, "c"))
	b.add("g", photo(-1, 2, ""))
	b.flushAll()

	if len(got) != 1 || len(got[0].Items) != 2 || got[0].Caption != "c" {
		t.Fatalf("flushed = %+v", got)
	}
	if b.size() != 0 {
		t.Fatalf("pending = %d after flush", b.size())
	}
}
