package mapping

import (
	"context"
	"slices"
	"testing"
	"time"

	"mirrorbot/internal/mirror"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

func TestResolveMergesLegacyAndTargets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, err := New(ctx, nil, Routes{
		Legacy:  map[string]string{"-100": "-300", " -500 ": "-600"},
		Source:  -100,
		Targets: []int64{-200, -300, -100, 0},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := reg.ResolveDestinations(ctx, -100)
	want := []mirror.FeedID{-300, -200}
	if !slices.Equal(got, want) {
		t.Fatalf("ResolveDestinations(-100) = %v, want %v", got, want)
	}
	if got := reg.ResolveDestinations(ctx, -500); !slices.Equal(got, []mirror.FeedID{-600}) {
		t.Fatalf("ResolveDestinations(-500) = %v", got)
	}
	if got := reg.ResolveDestinations(ctx, 42); len(got) != 0 {
		t.Fatalf("unknown source resolved to %v", got)
	}
	if got := reg.Sources(); !slices.Equal(got, []mirror.FeedID{-500, -100}) {
		t.Fatalf("Sources = %v", got)
	}
}

func TestBadLegacyMappingRejected(t *testing.T) {
	t.Parallel()

	cases := []map[string]string{
		{"abc": "-1"},
		{"-1": "@channel"},
	}
	for _, c := range cases {
		if _, err := New(context.Background(), nil, Routes{Legacy: c}, logx.Nop()); err == nil {
			t.Fatalf("mapping %v accepted", c)
		}
	}
}

func TestRemoveMappingPersistsAcrossReload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	rt := Routes{Source: 1, Targets: []int64{2, 3}}

	reg, err := New(ctx, st, rt, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := reg.RemoveMapping(ctx, 1, 2); err != nil {
		t.Fatalf("RemoveMapping: %v", err)
	}
	if err := reg.RemoveMapping(ctx, 1, 2); err != nil {
		t.Fatalf("RemoveMapping twice: %v", err)
	}
	if got := reg.ResolveDestinations(ctx, 1); !slices.Equal(got, []mirror.FeedID{3}) {
		t.Fatalf("after remove = %v", got)
	}

	// A config reload keeps the route removed.
	if err := reg.Apply(rt); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := reg.ResolveDestinations(ctx, 1); len(got) != 1 {
		t.Fatalf("reload revived route: %v", got)
	}

	// So does a restart over the same store.
	reg2, err := New(ctx, st, rt, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := reg2.ResolveDestinations(ctx, 1); len(got) != 1 {
		t.Fatalf("restart revived route: %v", got)
	}
	if d := reg2.Disabled(); len(d) != 1 || d[0] != (storage.Route{Source: 1, Dest: 2}) {
		t.Fatalf("Disabled = %v", d)
	}

	if err := reg2.Enable(ctx, 1, 2); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := reg2.ResolveDestinations(ctx, 1); len(got) != 2 {
		t.Fatalf("Enable had no effect: %v", got)
	}
}

func TestLinksAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, err := New(ctx, nil, Routes{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l := mirror.Link{Source: 1, SourceID: 7, Dest: 2, DestID: 70, Kind: mirror.ContentVoice, MediaRef: "ref", At: time.UnixMilli(1000)}
	if err := reg.CacheMessage(ctx, l); err != nil {
		t.Fatalf("CacheMessage: %v", err)
	}
	got, ok, err := reg.GetCachedMessage(ctx, 1, 7, 2)
	if err != nil || !ok {
		t.Fatalf("GetCachedMessage = %v, %v", ok, err)
	}
	if got.DestID != 70 || got.Kind != mirror.ContentVoice || got.MediaRef != "ref" {
		t.Fatalf("link = %+v", got)
	}
	if err := reg.ForgetMessage(ctx, 1, 7, 2); err != nil {
		t.Fatalf("ForgetMessage: %v", err)
	}
	if _, ok, _ := reg.GetCachedMessage(ctx, 1, 7, 2); ok {
		t.Fatalf("link survived ForgetMessage")
	}

	reg.IncrementStat(ctx, mirror.StatMessages, 2)
	reg.IncrementStat(ctx, mirror.StatMessages, 1)
	stats, err := reg.Stats(ctx)
	if err != nil || stats[mirror.StatMessages] != 3 {
		t.Fatalf("Stats = %v, %v", stats, err)
	}
}

func TestDisabledIsSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, err := New(ctx, storage.NewMemory(), Routes{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, r := range [][2]mirror.FeedID{{5, 1}, {-3, 9}, {5, -2}, {-3, 4}} {
		if err := reg.RemoveMapping(ctx, r[0], r[1]); err != nil {
			t.Fatalf("RemoveMapping: %v", err)
		}
	}
	want := []storage.Route{{Source: -3, Dest: 4}, {Source: -3, Dest: 9}, {Source: 5, Dest: -2}, {Source: 5, Dest: 1}}
	if got := reg.Disabled(); !slices.Equal(got, want) {
		t.Fatalf("Disabled = %v, want %v", got, want)
	}
}
