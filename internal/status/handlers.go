package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mirrorbot/internal/mirror"
	"mirrorbot/internal/storage"
	logx "mirrorbot/pkg/logx"
)

const maxBody = 1 << 20

// Handler builds the router for the current configuration.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cur.Token))
		r.Get("/status", s.getStatus)
		r.Get("/notices", s.getNotices)
		r.Get("/events", s.getEvents)
		r.Post("/events", s.postEvent)
		r.Route("/backfill", func(r chi.Router) {
			r.Get("/", s.getBackfill)
			r.Post("/", s.postBackfill)
			r.Delete("/", s.deleteBackfill)
		})
		r.Post("/routes/enable", s.enableRoute)
		if cur.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("status request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or wrong token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Engine.Healthy(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type routeView struct {
	Source mirror.FeedID   `json:"source"`
	Dests  []mirror.FeedID `json:"dests"`
}

type statusView struct {
	Engine   mirror.Snapshot  `json:"engine"`
	Routes   []routeView      `json:"routes"`
	Disabled []storage.Route  `json:"disabled,omitempty"`
	Stats    map[string]int64 `json:"stats,omitempty"`
	StatsErr string           `json:"stats_error,omitempty"`
}

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	v := statusView{Engine: s.deps.Engine.Snapshot()}
	if rt := s.deps.Routes; rt != nil {
		sources := rt.Sources()
		slices.Sort(sources)
		for _, src := range sources {
			v.Routes = append(v.Routes, routeView{Source: src, Dests: rt.ResolveDestinations(r.Context(), src)})
		}
		v.Disabled = rt.Disabled()
		stats, err := rt.Stats(r.Context())
		if err != nil {
			v.StatsErr = err.Error()
		}
		v.Stats = stats
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) getNotices(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notices == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notices.History())
}

func (s *Service) getEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "n must be a positive integer")
			return
		}
		n = min(v, 1000)
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Recent(n))
}

// postEvent injects an ingress event, for sources the transport cannot
// observe such as deletions.
func (s *Service) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev mirror.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := s.deps.Engine.Submit(ev); err != nil {
		status, code := mapEngineError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func mapEngineError(err error) (int, string) {
	switch {
	case errors.Is(err, mirror.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, mirror.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, mirror.ErrDuplicate), errors.Is(err, mirror.ErrBackfillRunning):
		return http.StatusConflict, "conflict"
	case errors.Is(err, mirror.ErrNoDestinations):
		return http.StatusUnprocessableEntity, "no_destinations"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Service) getBackfill(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.BackfillStatus())
}

func (s *Service) postBackfill(w http.ResponseWriter, r *http.Request) {
	var req mirror.BackfillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "source is required")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be >= 0")
		return
	}
	if s.deps.Engine.BackfillStatus().Running {
		writeError(w, http.StatusConflict, "conflict", mirror.ErrBackfillRunning.Error())
		return
	}

	eng, log := s.deps.Engine, s.log
	s.deps.Go("status.backfill", func(ctx context.Context) {
		rep, err := eng.Backfill(ctx, req)
		if err != nil {
			log.Warn("backfill failed", logx.Feed("source", int64(req.Source)), logx.Err(err))
			return
		}
		log.Info("backfill finished",
			logx.Feed("source", int64(req.Source)),
			logx.Int("copied", rep.Copied),
			logx.Int("failed", rep.Failed),
			logx.Bool("cancelled", rep.Cancelled),
		)
	})
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Service) deleteBackfill(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.deps.Engine.CancelBackfill()})
}

func (s *Service) enableRoute(w http.ResponseWriter, r *http.Request) {
	var rt storage.Route
	if !decodeBody(w, r, &rt) {
		return
	}
	if rt.Source == 0 || rt.Dest == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "source and dest are required")
		return
	}
	if s.deps.Routes == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "no route registry")
		return
	}
	if err := s.deps.Routes.Enable(r.Context(), mirror.FeedID(rt.Source), mirror.FeedID(rt.Dest)); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
