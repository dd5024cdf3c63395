package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "mirrorbot/pkg/logx"
)

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	l := Link{Source: -100, SourceID: 5, Dest: -200, DestID: 77, Kind: "photo", MediaRef: "abc", At: time.UnixMilli(1_700_000_000_000)}
	if err := st.PutLink(ctx, l); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	got, ok, err := st.GetLink(ctx, l.Key())
	if err != nil || !ok {
		t.Fatalf("GetLink = %v, %v", ok, err)
	}
	if got.DestID != 77 || got.Kind != "photo" || got.MediaRef != "abc" || !got.At.Equal(l.At) {
		t.Fatalf("GetLink = %+v, want %+v", got, l)
	}

	l.DestID = 78
	if err := st.PutLink(ctx, l); err != nil {
		t.Fatalf("PutLink overwrite: %v", err)
	}
	if got, _, _ = st.GetLink(ctx, l.Key()); got.DestID != 78 {
		t.Fatalf("overwrite lost: %+v", got)
	}
	if err := st.DeleteLink(ctx, l.Key()); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}
	if _, ok, _ = st.GetLink(ctx, l.Key()); ok {
		t.Fatalf("link survived delete")
	}

	_ = st.AddStat(ctx, "messages_mirrored", 2)
	_ = st.AddStat(ctx, "messages_mirrored", 3)
	_ = st.AddStat(ctx, "errors", 1)
	stats, err := st.Stats(ctx)
	if err != nil || stats["messages_mirrored"] != 5 || stats["errors"] != 1 {
		t.Fatalf("Stats = %v, %v", stats, err)
	}

	_ = st.DisableRoute(ctx, Route{Source: 1, Dest: 3})
	_ = st.DisableRoute(ctx, Route{Source: 1, Dest: 2})
	_ = st.DisableRoute(ctx, Route{Source: 1, Dest: 2})
	routes, err := st.DisabledRoutes(ctx)
	if err != nil || len(routes) != 2 || routes[0].Dest != 2 {
		t.Fatalf("DisabledRoutes = %v, %v", routes, err)
	}
	_ = st.EnableRoute(ctx, Route{Source: 1, Dest: 2})
	if routes, _ = st.DisabledRoutes(ctx); len(routes) != 1 {
		t.Fatalf("EnableRoute had no effect: %v", routes)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	_ = st.PutDedup(ctx, "k", until)
	if u, ok, err := st.GetDedup(ctx, "k"); err != nil || !ok || !u.Equal(until) {
		t.Fatalf("GetDedup = %v, %v, %v", u, ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 3 // force a snapshot mid-way

	for i := 1; i <= 5; i++ {
		_ = st.PutLink(ctx, Link{Source: 1, SourceID: i, Dest: 2, DestID: 100 + i})
	}
	_ = st.DeleteLink(ctx, LinkKey{Source: 1, SourceID: 2, Dest: 2})
	_ = st.AddStat(ctx, "edits_mirrored", 4)
	_ = st.DisableRoute(ctx, Route{Source: 1, Dest: 9})
	// Simulate a crash: drop the handle without a final compaction.
	_ = fs.journal.Close()

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	for i := 1; i <= 5; i++ {
		_, ok, _ := st2.GetLink(ctx, LinkKey{Source: 1, SourceID: i, Dest: 2})
		if want := i != 2; ok != want {
			t.Fatalf("link %d present = %v, want %v", i, ok, want)
		}
	}
	stats, _ := st2.Stats(ctx)
	if stats["edits_mirrored"] != 4 {
		t.Fatalf("stats = %v", stats)
	}
	if routes, _ := st2.DisabledRoutes(ctx); len(routes) != 1 {
		t.Fatalf("disabled routes = %v", routes)
	}
}

func TestMemoryPruneDropsOldLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemoryStore()
	now := time.Now()
	_ = m.PutLink(ctx, Link{Source: 1, SourceID: 1, Dest: 2, At: now.Add(-48 * time.Hour)})
	_ = m.PutLink(ctx, Link{Source: 1, SourceID: 2, Dest: 2, At: now})
	_ = m.PutDedup(ctx, "old", now.Add(-time.Minute))

	m.prune(now, 24*time.Hour)
	if _, ok, _ := m.GetLink(ctx, LinkKey{Source: 1, SourceID: 1, Dest: 2}); ok {
		t.Fatalf("expired link kept")
	}
	if _, ok, _ := m.GetLink(ctx, LinkKey{Source: 1, SourceID: 2, Dest: 2}); !ok {
		t.Fatalf("fresh link pruned")
	}
	if _, ok, _ := m.GetDedup(ctx, "old"); ok {
		t.Fatalf("expired dedup kept")
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	if st, err := Open(Config{Driver: "none"}, logx.Nop()); st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("redis without url accepted")
	}
}

func TestRouteMemberRoundTrip(t *testing.T) {
	t.Parallel()

	r := Route{Source: -1001, Dest: -1002}
	got, ok := parseRouteMember(routeMember(r))
	if !ok || got != r {
		t.Fatalf("parseRouteMember = %v, %v", got, ok)
	}
	if _, ok := parseRouteMember("garbage"); ok {
		t.Fatalf("garbage parsed")
	}
}
