package mirror

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	src FeedID = 1
	t1  FeedID = 10
	t2  FeedID = 20
	t3  FeedID = 30
)

func TestBatchedTextReachesEveryDestination(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 1, Text: "hi"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len(tr.textsTo(t1)) + len(tr.textsTo(t2)); got != 0 {
		t.Fatalf("batched text sent before the window closed: %d", got)
	}

	waitFor(t, "batch flush", func() bool { return len(tr.textsTo(t1)) == 1 && len(tr.textsTo(t2)) == 1 })
	if got := tr.textsTo(t1)[0].Text; got != "hi" {
		t.Fatalf("T1 got %q, want hi", got)
	}
	waitFor(t, "guard release", func() bool { return !e.guard.InFlight(src, 1) })
	if mp.stat(StatBatchesFlushed) != 2 {
		t.Fatalf("batches_flushed = %d, want 2", mp.stat(StatBatchesFlushed))
	}
	if _, ok := mp.link(src, 1, t1); ok {
		t.Fatalf("batched message should not be linked")
	}
}

func TestBatchJoinsConsecutiveTexts(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	for i, s := range []string{"one", "two", "three"} {
		if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: MessageID(i + 1), Text: s})); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	waitFor(t, "batch flush", func() bool { return len(tr.textsTo(t1)) == 1 })
	if got := tr.textsTo(t1)[0].Text; got != "one\n\ntwo\n\nthree" {
		t.Fatalf("combined text = %q", got)
	}
}

func TestRestrictedMediaIsDownloadedAndUploaded(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	m := Message{Feed: src, ID: 7, Text: "cap", Restricted: true, Media: &Media{Kind: ContentPhoto, Ref: "file-a"}}
	if err := e.Dispatch(context.Background(), Created(m)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	_, media, _, _, downloads := tr.snapshot()
	if len(media) != 2 {
		t.Fatalf("uploads = %d, want 2", len(media))
	}
	for _, sm := range media {
		if string(sm.Payload.Data) != "blob" {
			t.Fatalf("upload to %d carried %q, want the downloaded bytes", sm.Dest, sm.Payload.Data)
		}
		if sm.Payload.Attr.FileName != "photo.jpg" || sm.Caption != "cap" {
			t.Fatalf("upload attrs = %+v caption %q", sm.Payload.Attr, sm.Caption)
		}
	}
	if downloads == 0 {
		t.Fatalf("media was never downloaded")
	}
	for _, d := range []FeedID{t1, t2} {
		l, ok := mp.link(src, 7, d)
		if !ok || l.Kind != ContentPhoto || l.MediaRef != "file-a" {
			t.Fatalf("link to %d = %+v, %v", d, l, ok)
		}
	}
	if mp.stat(StatMedia) != 2 {
		t.Fatalf("media_mirrored = %d, want 2", mp.stat(StatMedia))
	}
}

func TestRateLimitedDestinationIsRetriedAfterWait(t *testing.T) {
	t.Parallel()

	const wait = 60 * time.Millisecond
	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, call int) error {
		if dest == t1 && call == 1 {
			return RateLimited(errors.New("FLOOD_WAIT"), wait)
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, _ := newTestEngine(t, cfg, tr, mp)

	start := time.Now()
	if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 3, Text: "hello"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tr.textsTo(t2)) != 1 {
		t.Fatalf("unaffected destination should land immediately")
	}
	if e.flood.Remaining(t1) == 0 {
		t.Fatalf("flood wait not recorded for T1")
	}

	waitFor(t, "T1 retry", func() bool { return len(tr.textsTo(t1)) == 1 })
	if elapsed := time.Since(start); elapsed < wait {
		t.Fatalf("T1 retried after %v, before the %v wait", elapsed, wait)
	}
	waitFor(t, "guard release", func() bool { return !e.guard.InFlight(src, 3) })
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, _ int) error {
		if dest == t1 {
			return errors.New("connection reset")
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, sink := newTestEngine(t, cfg, tr, mp)

	if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 4, Text: "hello"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "exhaustion notice", func() bool { return sink.count() == 1 })
	waitFor(t, "guard release", func() bool { return !e.guard.InFlight(src, 4) })

	if got := tr.callsTo(t1); got != cfg.MaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, cfg.MaxRetries+1)
	}
	if mp.stat(StatErrors) != 1 {
		t.Fatalf("errors = %d, want 1", mp.stat(StatErrors))
	}
	if len(mp.removals()) != 0 {
		t.Fatalf("transient failures must not remove the mapping")
	}
}

func TestPermissionDeniedRemovesMapping(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, _ int) error {
		if dest == t2 {
			return ErrPermissionDenied
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, sink := newTestEngine(t, cfg, tr, mp)

	if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 5, Text: "hello"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rm := mp.removals()
	if len(rm) != 1 || rm[0] != [2]FeedID{src, t2} {
		t.Fatalf("removals = %v, want [[1 20]]", rm)
	}
	if sink.count() != 1 {
		t.Fatalf("sink notifications = %d, want 1", sink.count())
	}
	if len(tr.textsTo(t1)) != 1 {
		t.Fatalf("healthy destination lost its copy")
	}
}

func TestUnavailableMediaFallsBackToText(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.downloadErr = ErrContentUnavailable
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	m := Message{Feed: src, ID: 6, Restricted: true, Media: &Media{Kind: ContentVoice, Ref: "v"}}
	if err := e.Dispatch(context.Background(), Created(m)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	texts := tr.textsTo(t1)
	if len(texts) != 1 || texts[0].Text != "[voice]" {
		t.Fatalf("texts = %+v, want one [voice] placeholder", texts)
	}
}

func TestPollIsRelayedAsSummary(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	m := Message{Feed: src, ID: 8, Media: &Media{Kind: ContentPoll, Question: "Lunch?", Options: []string{"yes", "no"}}}
	if err := e.Dispatch(context.Background(), Created(m)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	texts := tr.textsTo(t1)
	if len(texts) != 1 || !strings.HasPrefix(texts[0].Text, "📊 Poll: Lunch?") || !strings.Contains(texts[0].Text, "• no") {
		t.Fatalf("texts = %+v", texts)
	}
}

func TestDuplicateTriggerIsSkipped(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	e.guard.TryAcquire(src, 9)
	err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 9, Text: "hello world, this is long enough"}))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Dispatch = %v, want ErrDuplicate", err)
	}
	if tr.callsTo(t1) != 0 {
		t.Fatalf("duplicate reached the transport")
	}
}

func TestAlbumLinksEveryItem(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	items := []Message{
		{Feed: src, ID: 21, Media: &Media{Kind: ContentPhoto, Ref: "a"}},
		{Feed: src, ID: 22, Media: &Media{Kind: ContentVideo, Ref: "b"}},
	}
	if err := e.Dispatch(context.Background(), Grouped(src, "album", nil, items)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for _, id := range []MessageID{21, 22} {
		if _, ok := mp.link(src, id, t1); !ok {
			t.Fatalf("album item %d not linked", id)
		}
	}
}

func TestEditPropagatesToLinkedDestinations(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, _ := newTestEngine(t, cfg, tr, mp)
	ctx := context.Background()

	if err := e.Dispatch(ctx, Created(Message{Feed: src, ID: 11, Text: "draft"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := e.Dispatch(ctx, Edited(Message{Feed: src, ID: 11, Text: "final"})); err != nil {
		t.Fatalf("Dispatch edit: %v", err)
	}
	_, _, edits, _, _ := tr.snapshot()
	if len(edits) != 2 {
		t.Fatalf("edits = %d, want 2", len(edits))
	}
	for _, ec := range edits {
		l, _ := mp.link(src, 11, ec.Dest)
		if ec.ID != l.DestID || ec.Edit.Text != "final" {
			t.Fatalf("edit %+v does not target link %+v", ec, l)
		}
	}
	if mp.stat(StatEdits) != 2 {
		t.Fatalf("edits_mirrored = %d, want 2", mp.stat(StatEdits))
	}

	// Editing something never mirrored is a no-op.
	if err := e.Dispatch(ctx, Edited(Message{Feed: src, ID: 99, Text: "x"})); err != nil {
		t.Fatalf("Dispatch edit: %v", err)
	}
	if _, _, edits, _, _ = tr.snapshot(); len(edits) != 2 {
		t.Fatalf("unmirrored edit reached the transport")
	}
}

func TestEditChangingShapeResends(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, _ := newTestEngine(t, cfg, tr, mp)
	ctx := context.Background()

	if err := e.Dispatch(ctx, Created(Message{Feed: src, ID: 12, Text: "text first"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	before, _ := mp.link(src, 12, t1)

	edited := Message{Feed: src, ID: 12, Text: "now a photo", Media: &Media{Kind: ContentPhoto, Ref: "p"}}
	if err := e.Dispatch(ctx, Edited(edited)); err != nil {
		t.Fatalf("Dispatch edit: %v", err)
	}
	_, media, _, deletes, _ := tr.snapshot()
	if len(deletes) != 1 || deletes[0].IDs[0] != before.DestID {
		t.Fatalf("deletes = %+v, want old copy removed", deletes)
	}
	if len(media) != 1 {
		t.Fatalf("media sends = %d, want 1", len(media))
	}
	after, _ := mp.link(src, 12, t1)
	if after.DestID == before.DestID || after.Kind != ContentPhoto {
		t.Fatalf("link not replaced: %+v", after)
	}
}

func TestDeletePropagatesOnlyToLinkedDestinations(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1, t2, t3}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)
	ctx := context.Background()

	_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 5, Dest: t1, DestID: 501})
	_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 5, Dest: t2, DestID: 502})

	if err := e.Dispatch(ctx, Deleted(src, 5)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, _, _, deletes, _ := tr.snapshot()
	if len(deletes) != 2 {
		t.Fatalf("delete calls = %+v, want T1 and T2 only", deletes)
	}
	for _, dc := range deletes {
		if dc.Dest == t3 {
			t.Fatalf("T3 has no link and must be skipped")
		}
	}
	if _, ok := mp.link(src, 5, t1); ok {
		t.Fatalf("link to T1 survived the delete")
	}

	// Deleting again finds nothing to do.
	if err := e.Dispatch(ctx, Deleted(src, 5)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, _, _, deletes, _ = tr.snapshot(); len(deletes) != 2 {
		t.Fatalf("repeated delete reached the transport")
	}
	if mp.stat(StatDeletes) != 2 {
		t.Fatalf("deletes_mirrored = %d, want 2", mp.stat(StatDeletes))
	}
}

func TestDeleteIsChunked(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)
	ctx := context.Background()

	ids := make([]MessageID, 250)
	for i := range ids {
		ids[i] = MessageID(i + 1)
		_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: ids[i], Dest: t1, DestID: ids[i] + 5000})
	}
	if err := e.Dispatch(ctx, Deleted(src, ids...)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, _, _, deletes, _ := tr.snapshot()
	if len(deletes) != 3 || len(deletes[0].IDs) != 100 || len(deletes[2].IDs) != 50 {
		t.Fatalf("chunks = %d, want 100/100/50", len(deletes))
	}
}

func TestDisabledOptionsSkipEvents(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.Options.Media = false
	cfg.Options.Deletes = false
	e, _ := newTestEngine(t, cfg, tr, mp)
	ctx := context.Background()

	_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 5, Dest: t1, DestID: 501})
	_ = e.Dispatch(ctx, Created(Message{Feed: src, ID: 6, Media: &Media{Kind: ContentPhoto}}))
	_ = e.Dispatch(ctx, Deleted(src, 5))

	if tr.callsTo(t1) != 0 {
		t.Fatalf("disabled kinds reached the transport")
	}
	if _, _, _, deletes, _ := tr.snapshot(); len(deletes) != 0 {
		t.Fatalf("disabled delete reached the transport")
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	if err := e.Submit(Created(Message{Feed: src, ID: 1, Text: "hi"})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop flushes the pending batch.
	if len(tr.textsTo(t1)) != 1 {
		t.Fatalf("pending batch not flushed on stop")
	}
	if err := e.Submit(Created(Message{Feed: src, ID: 2, Text: "hi"})); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after stop = %v, want ErrStopped", err)
	}
}

func TestBackfillCopiesHistoryOnce(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.history = []Message{
		{Feed: src, ID: 1, Text: "a"},
		{Feed: src, ID: 2, Text: "b"},
		{Feed: src, ID: 3, Text: "c"},
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.Backfill = BackfillConfig{PauseEvery: 2, PauseFor: time.Millisecond}
	e, sink := newTestEngine(t, cfg, tr, mp)
	ctx := context.Background()

	_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 2, Dest: t1, DestID: 900})

	rep, err := e.Backfill(ctx, BackfillRequest{Source: src, FromID: 1})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if rep.Copied != 2 || rep.Skipped != 1 || rep.LastID != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if len(tr.textsTo(t1)) != 2 {
		t.Fatalf("history messages must be sent individually, got %d", len(tr.textsTo(t1)))
	}
	if sink.count() != 1 {
		t.Fatalf("completion not notified")
	}
	if st := e.BackfillStatus(); st.Running || st.Progress == nil || st.Progress.Copied != 2 {
		t.Fatalf("status = %+v", st)
	}

	rep, err = e.Backfill(ctx, BackfillRequest{Source: src, FromID: 1, Limit: 1})
	if err != nil || rep.Copied != 0 || rep.Skipped != 1 {
		t.Fatalf("second run = %+v, %v; want everything skipped", rep, err)
	}
}

func TestBackfillWithoutDestinations(t *testing.T) {
	t.Parallel()

	e, err := New(testConfig(), Deps{Transport: newFakeTransport(), Mapping: newFakeMapping(map[FeedID][]FeedID{})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Backfill(context.Background(), BackfillRequest{Source: src}); !errors.Is(err, ErrNoDestinations) {
		t.Fatalf("Backfill = %v, want ErrNoDestinations", err)
	}
}

func TestDuplicateSubmitKeepsEngineHealthy(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	e.guard.TryAcquire(src, 9)
	if err := e.Submit(Created(Message{Feed: src, ID: 9, Text: "hello world, this is long enough"})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.dispatchWG.Wait()
	if err := e.Healthy(); err != nil {
		t.Fatalf("Healthy after duplicate trigger = %v", err)
	}
	if tr.callsTo(t1) != 0 {
		t.Fatalf("duplicate reached the transport")
	}
}

func TestBackfillSkipsMessagesInFlight(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.history = []Message{
		{Feed: src, ID: 1, Text: "a"},
		{Feed: src, ID: 2, Text: "b"},
		{Feed: src, ID: 3, Text: "c"},
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	// A live dispatch of message 2 is still running.
	e.guard.TryAcquire(src, 2)

	rep, err := e.Backfill(context.Background(), BackfillRequest{Source: src, FromID: 1})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if rep.Copied != 2 || rep.Skipped != 1 {
		t.Fatalf("report = %+v, want 2 copied and 1 skipped", rep)
	}
	for _, st := range tr.textsTo(t1) {
		if st.Text == "b" {
			t.Fatalf("in-flight message relayed twice")
		}
	}
	if !e.guard.InFlight(src, 2) {
		t.Fatalf("backfill released a guard it did not own")
	}
	if e.guard.InFlight(src, 1) || e.guard.InFlight(src, 3) {
		t.Fatalf("backfill leaked its guard")
	}
}

func TestStaleTaskIsDropped(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.MaxTaskAge = time.Minute
	e, _ := newTestEngine(t, cfg, tr, mp)

	task := e.newTask(Created(Message{Feed: src, ID: 31, Text: "late"}), t1, StrategyDirect, cfg)
	task.CreatedAt = e.now().Add(-2 * time.Minute)
	e.runTask(context.Background(), task)

	if tr.callsTo(t1) != 0 {
		t.Fatalf("stale task reached the transport")
	}
	if mp.stat(StatStaleDropped) != 1 || e.Snapshot().Dropped != 1 {
		t.Fatalf("stale_dropped = %d, dropped = %d", mp.stat(StatStaleDropped), e.Snapshot().Dropped)
	}
	if e.guard.InFlight(src, 31) {
		t.Fatalf("guard not released for stale task")
	}
}

func TestFloodCoolingTaskWaitsWithoutSending(t *testing.T) {
	t.Parallel()

	const wait = 80 * time.Millisecond
	tr := newFakeTransport()
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	e, _ := newTestEngine(t, cfg, tr, mp)

	start := time.Now()
	e.flood.Block(t1, wait)
	e.runTask(context.Background(), e.newTask(Created(Message{Feed: src, ID: 32, Text: "queued"}), t1, StrategyDirect, cfg))
	if tr.callsTo(t1) != 0 {
		t.Fatalf("task executed while the destination was cooling")
	}

	waitFor(t, "send after flood wait", func() bool { return len(tr.textsTo(t1)) == 1 })
	if elapsed := time.Since(start); elapsed < wait {
		t.Fatalf("sent after %v, before the %v flood wait", elapsed, wait)
	}
	if tr.callsTo(t1) != 1 {
		t.Fatalf("calls = %d, want exactly 1", tr.callsTo(t1))
	}
	waitFor(t, "guard release", func() bool { return !e.guard.InFlight(src, 32) })
}

func TestBatchFlushFailureRequeuesItemsIndividually(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, call int) error {
		if dest == t1 && call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	e, _ := newTestEngine(t, testConfig(), tr, mp)

	for i, s := range []string{"one", "two"} {
		if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: MessageID(41 + i), Text: s})); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	waitFor(t, "individual resends", func() bool { return len(tr.textsTo(t1)) == 2 })

	got := map[string]bool{}
	for _, st := range tr.textsTo(t1) {
		got[st.Text] = true
	}
	if !got["one"] || !got["two"] {
		t.Fatalf("texts = %v, want each item sent on its own", got)
	}
	if tr.callsTo(t1) != 3 {
		t.Fatalf("calls = %d, want 1 failed flush + 2 resends", tr.callsTo(t1))
	}
	waitFor(t, "guard release", func() bool { return !e.guard.InFlight(src, 41) && !e.guard.InFlight(src, 42) })
}

func TestRateLimitedEditIsRetriedOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		limited   func(call int) bool
		wantEdits int
		wantErrs  int64
	}{
		{"recovers", func(call int) bool { return call == 1 }, 1, 0},
		{"stays limited", func(int) bool { return true }, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr := newFakeTransport()
			tr.failSend = func(dest FeedID, call int) error {
				if dest == t1 && tc.limited(call) {
					return RateLimited(errors.New("FLOOD_WAIT"), 30*time.Millisecond)
				}
				return nil
			}
			mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
			cfg := testConfig()
			cfg.BatchEnabled = false
			e, _ := newTestEngine(t, cfg, tr, mp)
			ctx := context.Background()
			_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 51, Dest: t1, DestID: 900})

			if err := e.Dispatch(ctx, Edited(Message{Feed: src, ID: 51, Text: "v2"})); err != nil {
				t.Fatalf("Dispatch edit: %v", err)
			}
			waitFor(t, "deferred edit", func() bool { return tr.callsTo(t1) == 2 })
			time.Sleep(80 * time.Millisecond)

			_, _, edits, _, _ := tr.snapshot()
			if tr.callsTo(t1) != 2 || len(edits) != tc.wantEdits {
				t.Fatalf("calls = %d, edits = %d", tr.callsTo(t1), len(edits))
			}
			if mp.stat(StatErrors) != tc.wantErrs {
				t.Fatalf("errors = %d, want %d", mp.stat(StatErrors), tc.wantErrs)
			}
		})
	}
}

func TestRepeatedEditIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, call int) error {
		if call > 1 {
			return ErrNotModified
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, _ := newTestEngine(t, cfg, tr, mp)
	ctx := context.Background()
	_ = mp.CacheMessage(ctx, Link{Source: src, SourceID: 52, Dest: t1, DestID: 900})

	for range 2 {
		if err := e.Dispatch(ctx, Edited(Message{Feed: src, ID: 52, Text: "same"})); err != nil {
			t.Fatalf("Dispatch edit: %v", err)
		}
	}
	texts, media, edits, deletes, _ := tr.snapshot()
	if len(edits) != 1 || len(texts) != 0 || len(media) != 0 || len(deletes) != 0 {
		t.Fatalf("edits=%d texts=%d media=%d deletes=%d, want a single edit", len(edits), len(texts), len(media), len(deletes))
	}
	if l, _ := mp.link(src, 52, t1); l.DestID != 900 {
		t.Fatalf("link changed: %+v", l)
	}
	if mp.stat(StatErrors) != 0 || mp.stat(StatEdits) != 2 {
		t.Fatalf("errors = %d, edits_mirrored = %d", mp.stat(StatErrors), mp.stat(StatEdits))
	}
}

func TestPartialTextIsLinkedUnderFirstPart(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.failSend = func(dest FeedID, call int) error {
		if call == 1 {
			return &PartialSendError{First: 777, Err: RateLimited(nil, time.Second)}
		}
		return nil
	}
	mp := newFakeMapping(map[FeedID][]FeedID{src: {t1}})
	cfg := testConfig()
	cfg.BatchEnabled = false
	e, _ := newTestEngine(t, cfg, tr, mp)

	if err := e.Dispatch(context.Background(), Created(Message{Feed: src, ID: 61, Text: "long text"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if l, ok := mp.link(src, 61, t1); !ok || l.DestID != 777 {
		t.Fatalf("link = %+v, %v; want first part 777", l, ok)
	}
	time.Sleep(30 * time.Millisecond)
	if tr.callsTo(t1) != 1 {
		t.Fatalf("calls = %d, landed parts must not be re-sent", tr.callsTo(t1))
	}
	if e.guard.InFlight(src, 61) {
		t.Fatalf("guard not released")
	}
}
