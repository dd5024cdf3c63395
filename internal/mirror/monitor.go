package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "mirrorbot/pkg/logx"
)

type MonitorConfig struct {
	Interval    time.Duration
	QueueWarn   int
	LatencyWarn time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.QueueWarn <= 0 {
		c.QueueWarn = 500
	}
	if c.LatencyWarn <= 0 {
		c.LatencyWarn = 10 * time.Second
	}
	return c
}

// ewmaWeight is the share of each new sample in the running average.
const ewmaWeight = 0.2

// Monitor tracks relay latency and periodically checks queue depth and
// latency against thresholds.
type Monitor struct {
	mu      sync.Mutex
	cfg     MonitorConfig
	avg     time.Duration
	samples uint64

	queueHigh   bool
	latencyHigh bool
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{cfg: cfg.withDefaults()}
}

func (m *Monitor) SetConfig(cfg MonitorConfig) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Observe records one relay duration.
func (m *Monitor) Observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		m.avg = d
	} else {
		m.avg = time.Duration(ewmaWeight*float64(d) + (1-ewmaWeight)*float64(m.avg))
	}
	m.samples++
}

// Average returns the smoothed relay latency.
func (m *Monitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avg
}

// Run checks thresholds every Interval until ctx is done. Each crossing
// notifies sink once; recovery is only logged.
func (m *Monitor) Run(ctx context.Context, log logx.Logger, sink LogSink, depth func() queueDepth) {
	for {
		m.mu.Lock()
		every := m.cfg.Interval
		m.mu.Unlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.check(log, sink, depth())
	}
}

func (m *Monitor) check(log logx.Logger, sink LogSink, d queueDepth) {
	m.mu.Lock()
	cfg, avg := m.cfg, m.avg
	queueCrossed, queueCleared := edge(&m.queueHigh, d.Total() > cfg.QueueWarn)
	latCrossed, latCleared := edge(&m.latencyHigh, avg > cfg.LatencyWarn)
	m.mu.Unlock()

	log.Debug("relay metrics", logx.Int("queue", d.Total()), logx.Duration("avg_latency", avg))

	if queueCrossed {
		log.Warn("retry queue is backing up", logx.Int("queue", d.Total()), logx.Int("threshold", cfg.QueueWarn))
		sink.Notify(fmt.Sprintf("Retry queue at %d tasks (threshold %d)", d.Total(), cfg.QueueWarn), LevelWarn)
	} else if queueCleared {
		log.Info("retry queue recovered", logx.Int("queue", d.Total()))
	}
	if latCrossed {
		log.Warn("relay latency is high", logx.Duration("avg_latency", avg), logx.Duration("threshold", cfg.LatencyWarn))
		sink.Notify(fmt.Sprintf("Average relay latency %s (threshold %s)", avg.Round(time.Millisecond), cfg.LatencyWarn), LevelWarn)
	} else if latCleared {
		log.Info("relay latency recovered", logx.Duration("avg_latency", avg))
	}
}

// edge updates *state to now and reports rising and falling transitions.
func edge(state *bool, now bool) (rose, fell bool) {
	prev := *state
	*state = now
	return now && !prev, prev && !now
}
