package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mirrorbot/internal/mirror"
	logx "mirrorbot/pkg/logx"
)

type statsSource interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

type snapshotSource interface {
	Snapshot() mirror.Snapshot
}

// reporter posts a periodic relay summary to the log sink.
type reporter struct {
	log    logx.Logger
	stats  statsSource
	engine snapshotSource
	sink   mirror.LogSink
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	spec string
	loc  *time.Location
}

func newReporter(log logx.Logger, stats statsSource, engine snapshotSource, sink mirror.LogSink) *reporter {
	return &reporter{
		log:    log,
		stats:  stats,
		engine: engine,
		sink:   sink,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Schedule (re)starts the report on spec. An empty spec stops it.
func (r *reporter) Schedule(spec string, loc *time.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec == r.spec && locName(loc) == locName(r.loc) && (r.c != nil || spec == "") {
		return nil
	}
	if spec != "" {
		if _, err := r.parser.Parse(spec); err != nil {
			return fmt.Errorf("monitor.report_schedule: %w", err)
		}
	}
	if r.c != nil {
		<-r.c.Stop().Done()
		r.c = nil
	}
	r.spec, r.loc = spec, loc
	if spec == "" {
		r.log.Debug("stats report disabled")
		return nil
	}

	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, r.run); err != nil {
		return err
	}
	c.Start()
	r.c = c
	r.log.Info("stats report scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func locName(l *time.Location) string {
	if l == nil {
		return ""
	}
	return l.String()
}

func (r *reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c, r.spec = nil, ""
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *reporter) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stats map[string]int64
	if r.stats != nil {
		s, err := r.stats.Stats(ctx)
		if err != nil {
			r.log.Warn("stats report: read counters failed", logx.Err(err))
		}
		stats = s
	}
	r.sink.Notify(formatReport(r.engine.Snapshot(), stats), mirror.LevelInfo)
}

func formatReport(s mirror.Snapshot, stats map[string]int64) string {
	var b strings.Builder
	b.WriteString("Mirror report\n")
	state := "running"
	switch {
	case !s.Running:
		state = "stopped"
	case !s.Enabled:
		state = "paused"
	}
	fmt.Fprintf(&b, "state: %s\n", state)
	fmt.Fprintf(&b, "relayed: %d, failed: %d, dropped: %d\n", s.Relayed, s.Failed, s.Dropped)
	fmt.Fprintf(&b, "queue: %d, in flight: %d, buffered: %d\n", s.Queue.Total(), s.InFlight, s.Buffered)
	fmt.Fprintf(&b, "avg latency: %s\n", s.AvgLatency.Round(time.Millisecond))
	if len(s.Flooded) > 0 {
		fmt.Fprintf(&b, "flood waits: %d destinations\n", len(s.Flooded))
	}
	if len(stats) > 0 {
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteString("totals:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%d", k, stats[k])
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
