package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mirrorbot/internal/eventbus"
	rtsup "mirrorbot/internal/runtime/supervisor"
	logx "mirrorbot/pkg/logx"
)

// Options toggles which event kinds are relayed.
type Options struct {
	Text    bool
	Media   bool
	Edits   bool
	Deletes bool
	Bypass  bool
}

// Config is the engine's runtime configuration. Zero durations and
// counts take the defaults of DefaultConfig.
type Config struct {
	Enabled bool
	Options Options

	BatchEnabled    bool
	Batch           BatchConfig
	BatchTextLimit  int
	LargeMediaBytes int64
	SmartSpanCount  int

	Pace PaceConfig

	Workers       int
	QueueSize     int
	MaxRetries    int
	MaxTaskAge    time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	FloodRecheck  time.Duration

	CacheCapacity      int
	CacheEvictFraction float64

	Monitor  MonitorConfig
	Backfill BackfillConfig
}

// DefaultConfig enables everything with the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Options:         Options{Text: true, Media: true, Edits: true, Deletes: true, Bypass: true},
		BatchEnabled:    true,
		Batch:           BatchConfig{MaxItems: 10, MaxAge: 2 * time.Second},
		BatchTextLimit:  100,
		LargeMediaBytes: 10 << 20,
		SmartSpanCount:  5,
		Pace:            PaceConfig{PerSecond: 1, Burst: 3},
		Workers:         4,
		QueueSize:       1024,
		MaxRetries:      3,
		MaxTaskAge:      300 * time.Second,
		RetryBase:       time.Second,
		RetryMaxDelay:   time.Minute,
		FloodRecheck:    time.Second,

		CacheCapacity:      10000,
		CacheEvictFraction: 0.1,

		Monitor:  MonitorConfig{Interval: 30 * time.Second, QueueWarn: 500, LatencyWarn: 10 * time.Second},
		Backfill: BackfillConfig{PauseEvery: 10, PauseFor: time.Second, ProgressEvery: 100},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Batch = c.Batch.withDefaults()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = d.MaxTaskAge
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.FloodRecheck <= 0 {
		c.FloodRecheck = d.FloodRecheck
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = d.CacheCapacity
	}
	if c.CacheEvictFraction <= 0 {
		c.CacheEvictFraction = d.CacheEvictFraction
	}
	c.Monitor = c.Monitor.withDefaults()
	c.Backfill = c.Backfill.withDefaults()
	return c
}

func (c Config) selector() SelectorConfig {
	return SelectorConfig{
		Bypass:          c.Options.Bypass,
		Batch:           c.BatchEnabled,
		BatchTextLimit:  c.BatchTextLimit,
		LargeMediaBytes: c.LargeMediaBytes,
		SmartSpanCount:  c.SmartSpanCount,
	}
}

// Deps are the engine's collaborators. Sink, Bus and Log are optional.
type Deps struct {
	Transport Transport
	Mapping   Mapping
	Sink      LogSink
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Engine is the mirror relay engine.
type Engine struct {
	log     logx.Logger
	tr      Transport
	mapping Mapping
	sink    LogSink
	bus     eventbus.Bus

	cfgMu sync.RWMutex
	cfg   Config

	flood   *FloodRegistry
	cache   *IDCache
	guard   *DedupGuard
	batch   *BatchBuffer
	exec    *Executor
	monitor *Monitor
	edits   *editGate

	runMu      sync.Mutex
	running    bool
	sup        *rtsup.Supervisor
	queue      *taskQueue
	bgCtx      context.Context // sweeper, monitor, deferred edits; cancelled first on Stop
	bgCancel   context.CancelFunc
	dispatchWG sync.WaitGroup

	bf backfillSlot

	relayed atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	now func() time.Time
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Transport == nil {
		return nil, errors.New("mirror: transport is required")
	}
	if d.Mapping == nil {
		return nil, errors.New("mirror: mapping is required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Sink == nil {
		d.Sink = nopSink{}
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		log:     d.Log,
		tr:      d.Transport,
		mapping: d.Mapping,
		sink:    d.Sink,
		bus:     d.Bus,
		cfg:     cfg,
		flood:   NewFloodRegistry(),
		cache:   NewIDCache(cfg.CacheCapacity, cfg.CacheEvictFraction),
		guard:   NewDedupGuard(),
		batch:   NewBatchBuffer(cfg.Batch),
		monitor: NewMonitor(cfg.Monitor),
		edits:   newEditGate(),
		queue:   newTaskQueue(cfg.QueueSize),
		now:     time.Now,
	}
	e.exec = NewExecutor(d.Transport, cfg.Pace, d.Log.With(logx.String("comp", "mirror.executor")))
	e.exec.observe = e.monitor.Observe
	return e, nil
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Apply swaps the runtime configuration. Worker count, queue size and
// cache capacity take effect on the next Start.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.batch.SetConfig(cfg.Batch)
	e.exec.SetPace(cfg.Pace)
	e.monitor.SetConfig(cfg.Monitor)
}

// Start launches the retry workers, the batch sweeper and the monitor.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	cfg := e.config()

	if e.queue == nil || e.queue.isClosed() {
		e.queue = newTaskQueue(cfg.QueueSize)
	}
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "mirror.supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	e.bgCtx, e.bgCancel = context.WithCancel(e.sup.Context())
	e.running = true

	q, bg := e.queue, e.bgCtx
	for i := 0; i < cfg.Workers; i++ {
		e.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			e.workerLoop(c, q)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	e.sup.GoRestart0("batch.sweep", func(context.Context) {
		e.sweepLoop(bg)
	}, rtsup.WithPublishFirstError(true))
	e.sup.GoRestart0("monitor", func(context.Context) {
		e.monitor.Run(bg, e.log.With(logx.String("comp", "mirror.monitor")), e.sink, q.depth)
	}, rtsup.WithPublishFirstError(true))

	e.log.Info("mirror engine started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
	return nil
}

// Stop stops intake, flushes pending batches, lets workers drain the
// queue and joins every engine goroutine. Tasks that cannot finish
// before ctx is done are dropped.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	sup, q, bgCancel := e.sup, e.queue, e.bgCancel
	e.runMu.Unlock()

	e.CancelBackfill()

	done := make(chan struct{})
	go func() {
		e.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("dispatches still running at stop", logx.Err(ctx.Err()))
	}

	bgCancel()
	for dest, items := range e.batch.Drain() {
		e.flushBatch(sup.Context(), dest, items)
	}

	q.close()
	err := sup.Wait(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	for _, t := range q.drain() {
		e.dropTask(t, ErrStopped)
	}
	e.log.Info("mirror engine stopped", logx.Uint64("relayed", e.relayed.Load()), logx.Uint64("dropped", e.dropped.Load()))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Healthy returns the first supervised failure, if any.
func (e *Engine) Healthy() error {
	e.runMu.Lock()
	sup := e.sup
	e.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Snapshot is a point-in-time view of the engine for status output.
type Snapshot struct {
	Running      bool                 `json:"running"`
	Enabled      bool                 `json:"enabled"`
	Queue        queueDepth           `json:"queue"`
	InFlight     int                  `json:"in_flight"`
	Buffered     int                  `json:"buffered"`
	CacheSize    int                  `json:"cache_size"`
	CacheEvicted uint64               `json:"cache_evicted"`
	Flooded      map[FeedID]time.Time `json:"flooded,omitempty"`
	AvgLatency   time.Duration        `json:"avg_latency"`
	Relayed      uint64               `json:"relayed"`
	Failed       uint64               `json:"failed"`
	Dropped      uint64               `json:"dropped"`
	Goroutines   rtsup.Counters       `json:"goroutines"`
	Backfill     BackfillStatus       `json:"backfill"`
}

func (e *Engine) Snapshot() Snapshot {
	e.runMu.Lock()
	running, sup, q := e.running, e.sup, e.queue
	e.runMu.Unlock()

	return Snapshot{
		Running:      running,
		Enabled:      e.config().Enabled,
		Queue:        q.depth(),
		InFlight:     e.guard.Len(),
		Buffered:     e.batch.Len(),
		CacheSize:    e.cache.Len(),
		CacheEvicted: e.cache.Evicted(),
		Flooded:      e.flood.Active(),
		AvgLatency:   e.monitor.Average(),
		Relayed:      e.relayed.Load(),
		Failed:       e.failed.Load(),
		Dropped:      e.dropped.Load(),
		Goroutines:   sup.Counters(),
		Backfill:     e.BackfillStatus(),
	}
}

// ---- shared helpers ----

// lookup resolves a link through the in-memory cache, falling back to
// the Mapping collaborator's durable copy.
func (e *Engine) lookup(ctx context.Context, source FeedID, id MessageID, dest FeedID) (Link, bool) {
	if l, ok := e.cache.Get(source, id, dest); ok {
		return l, true
	}
	l, ok, err := e.mapping.GetCachedMessage(ctx, source, id, dest)
	if err != nil {
		e.log.Debug("cached link lookup failed", logx.Int64("source", int64(source)), logx.Int("id", int(id)), logx.Int64("dest", int64(dest)), logx.Err(err))
		return Link{}, false
	}
	if ok {
		e.cache.Put(l)
	}
	return l, ok
}

func (e *Engine) remember(ctx context.Context, links []Link) {
	for _, l := range links {
		e.cache.Put(l)
		if err := e.mapping.CacheMessage(ctx, l); err != nil {
			e.log.Warn("persist link failed", logx.Int64("dest", int64(l.Dest)), logx.Int("dest_id", int(l.DestID)), logx.Err(err))
		}
	}
}

func (e *Engine) forget(ctx context.Context, l Link) {
	e.cache.Forget(l.Source, l.SourceID, l.Dest)
	if err := e.mapping.ForgetMessage(ctx, l.Source, l.SourceID, l.Dest); err != nil {
		e.log.Debug("forget link failed", logx.Int64("dest", int64(l.Dest)), logx.Err(err))
	}
}

func (e *Engine) stat(ctx context.Context, name string, n int64) {
	if n != 0 {
		e.mapping.IncrementStat(ctx, name, n)
	}
}

func (e *Engine) publish(topic string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: topic, Time: e.now(), Data: data})
	}
}

func (e *Engine) removeMapping(ctx context.Context, source, dest FeedID, cause error) {
	if err := e.mapping.RemoveMapping(ctx, source, dest); err != nil {
		e.log.Warn("remove mapping failed", logx.Int64("source", int64(source)), logx.Int64("dest", int64(dest)), logx.Err(err))
	}
	e.stat(ctx, StatErrors, 1)
	e.failed.Add(1)
	e.log.Error("mapping removed after fatal failure", logx.Int64("source", int64(source)), logx.Int64("dest", int64(dest)), logx.Err(cause))
	e.sink.Notify(fmt.Sprintf("Mapping %d → %d removed: %v", source, dest, cause), LevelError)
	e.publish(eventbus.TopicMappingRemoved, map[string]any{"source": source, "dest": dest, "error": cause.Error()})
}
