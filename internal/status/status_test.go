package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mirrorbot/internal/eventbus"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/notifier"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

type fakeEngine struct {
	mu        sync.Mutex
	unhealthy error
	submitErr error
	submitted []mirror.Event
	running   bool
	backfills []mirror.BackfillRequest
	cancelled bool
}

func (f *fakeEngine) Snapshot() mirror.Snapshot { return mirror.Snapshot{Running: true, Relayed: 7} }
func (f *fakeEngine) Healthy() error            { return f.unhealthy }

func (f *fakeEngine) Submit(ev mirror.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func (f *fakeEngine) Backfill(_ context.Context, req mirror.BackfillRequest) (mirror.BackfillReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfills = append(f.backfills, req)
	return mirror.BackfillReport{Source: req.Source, Copied: 3}, nil
}

func (f *fakeEngine) CancelBackfill() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return f.running
}

func (f *fakeEngine) BackfillStatus() mirror.BackfillStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mirror.BackfillStatus{Running: f.running}
}

type fakeRoutes struct {
	enabled []storage.Route
}

func (f *fakeRoutes) Sources() []mirror.FeedID { return []mirror.FeedID{-2, -1} }
func (f *fakeRoutes) ResolveDestinations(_ context.Context, src mirror.FeedID) []mirror.FeedID {
	return []mirror.FeedID{src * 10}
}
func (f *fakeRoutes) Disabled() []storage.Route { return []storage.Route{{Source: -1, Dest: -99}} }
func (f *fakeRoutes) Enable(_ context.Context, src, dst mirror.FeedID) error {
	f.enabled = append(f.enabled, storage.Route{Source: int64(src), Dest: int64(dst)})
	return nil
}
func (f *fakeRoutes) Stats(context.Context) (map[string]int64, error) {
	return map[string]int64{mirror.StatMessages: 4}, nil
}

type fakeNotices struct{}

func (fakeNotices) History() []notifier.HistoryItem {
	return []notifier.HistoryItem{{Level: "warn", Text: "slow"}}
}

func newTestService(cfg Config, eng *fakeEngine, rt *fakeRoutes) *Service {
	return New(cfg, Deps{
		Engine:  eng,
		Routes:  rt,
		Notices: fakeNotices{},
		Bus:     eventbus.New(8),
		Go:      func(_ string, fn func(ctx context.Context)) { fn(context.Background()) },
	}, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	h := newTestService(Config{Token: "secret"}, eng, &fakeRoutes{}).Handler()
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	eng.unhealthy = errors.New("queue stalled")
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "queue stalled") {
		t.Fatalf("unhealthy = %d %s", rec.Code, rec.Body)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()

	h := newTestService(Config{Token: "secret"}, &fakeEngine{}, &fakeRoutes{}).Handler()
	if rec := do(t, h, http.MethodGet, "/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status?token=secret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
}

func TestStatusView(t *testing.T) {
	t.Parallel()

	h := newTestService(Config{}, &fakeEngine{}, &fakeRoutes{}).Handler()
	rec := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v struct {
		Engine   mirror.Snapshot  `json:"engine"`
		Routes   []routeView      `json:"routes"`
		Disabled []storage.Route  `json:"disabled"`
		Stats    map[string]int64 `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Engine.Relayed != 7 || len(v.Routes) != 2 || v.Routes[0].Source != -2 || v.Routes[0].Dests[0] != -20 {
		t.Fatalf("view = %+v", v)
	}
	if len(v.Disabled) != 1 || v.Stats[mirror.StatMessages] != 4 {
		t.Fatalf("disabled = %v stats = %v", v.Disabled, v.Stats)
	}

	if rec := do(t, h, http.MethodGet, "/notices", ""); !strings.Contains(rec.Body.String(), "slow") {
		t.Fatalf("notices = %s", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/events?n=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad n = %d", rec.Code)
	}
}

func TestPostEvent(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	h := newTestService(Config{}, eng, &fakeRoutes{}).Handler()

	rec := do(t, h, http.MethodPost, "/events", `{"kind":"deleted","feed":-1,"ids":[4,5]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deleted = %d %s", rec.Code, rec.Body)
	}
	if len(eng.submitted) != 1 || eng.submitted[0].Kind != mirror.EventDeleted || len(eng.submitted[0].IDs) != 2 {
		t.Fatalf("submitted = %+v", eng.submitted)
	}

	cases := map[string]string{
		"unknown kind":  `{"kind":"pinned","feed":-1}`,
		"unknown field": `{"kind":"deleted","feed":-1,"ids":[1],"extra":true}`,
		"missing ids":   `{"kind":"deleted","feed":-1}`,
	}
	for name, body := range cases {
		if rec := do(t, h, http.MethodPost, "/events", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s = %d", name, rec.Code)
		}
	}

	eng.submitErr = mirror.ErrQueueFull
	if rec := do(t, h, http.MethodPost, "/events", `{"kind":"deleted","feed":-1,"ids":[6]}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full = %d", rec.Code)
	}
}

func TestBackfillEndpoints(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	h := newTestService(Config{}, eng, &fakeRoutes{}).Handler()

	if rec := do(t, h, http.MethodPost, "/backfill", `{"from_id":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing source = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/backfill", `{"source":-1,"from_id":10,"limit":5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("backfill = %d %s", rec.Code, rec.Body)
	}
	if len(eng.backfills) != 1 || eng.backfills[0].FromID != 10 || eng.backfills[0].Limit != 5 {
		t.Fatalf("backfills = %+v", eng.backfills)
	}

	eng.running = true
	if rec := do(t, h, http.MethodPost, "/backfill", `{"source":-1}`); rec.Code != http.StatusConflict {
		t.Fatalf("second backfill = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/backfill", ""); !strings.Contains(rec.Body.String(), `"running":true`) {
		t.Fatalf("status = %s", rec.Body)
	}
	rec = do(t, h, http.MethodDelete, "/backfill", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled":true`) || !eng.cancelled {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body)
	}
}

func TestEnableRoute(t *testing.T) {
	t.Parallel()

	rt := &fakeRoutes{}
	h := newTestService(Config{}, &fakeEngine{}, rt).Handler()
	if rec := do(t, h, http.MethodPost, "/routes/enable", `{"source":-1,"dest":-99}`); rec.Code != http.StatusOK {
		t.Fatalf("enable = %d", rec.Code)
	}
	if len(rt.enabled) != 1 || rt.enabled[0].Dest != -99 {
		t.Fatalf("enabled = %v", rt.enabled)
	}
	if rec := do(t, h, http.MethodPost, "/routes/enable", `{"source":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing dest = %d", rec.Code)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	off := newTestService(Config{}, &fakeEngine{}, &fakeRoutes{}).Handler()
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off = %d", rec.Code)
	}
	on := newTestService(Config{Pprof: true}, &fakeEngine{}, &fakeRoutes{}).Handler()
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof on = %d", rec.Code)
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()

	s := newTestService(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeEngine{}, &fakeRoutes{})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatalf("supervisor still set after Stop")
	}
}

func TestRefusesOpenBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := newTestService(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeEngine{}, &fakeRoutes{})
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v", err)
	}
}
