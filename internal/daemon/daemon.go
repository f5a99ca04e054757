package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/alerts"
	"hl-sentinel-bot/internal/breaker"
	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/events"
	"hl-sentinel-bot/internal/history"
	"hl-sentinel-bot/internal/hl/rest"
	"hl-sentinel-bot/internal/hl/ws"
	"hl-sentinel-bot/internal/market"
	"hl-sentinel-bot/internal/memory"
	"hl-sentinel-bot/internal/metrics"
	"hl-sentinel-bot/internal/positions"
	"hl-sentinel-bot/internal/scan"
	"hl-sentinel-bot/internal/state/sqlite"
	"hl-sentinel-bot/internal/wake"
	"hl-sentinel-bot/internal/watch"
)

// task is one scheduled unit of work. interval 0 runs every tick.
type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context, time.Time) error
}

// TaskStatus is the per-task view exposed on the status surface.
type TaskStatus struct {
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Daemon owns every component and drives the tick loop. All component
// state is mutated from the loop goroutine; the dispatcher and event
// log guard their own state for the manual-wake path.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger

	store      *sqlite.Store
	rest       *rest.Client
	ws         *ws.Client
	snapshot   *market.Snapshot
	poller     *market.Poller
	sentiment  *market.SentimentClient
	scanner    *scan.Scanner
	watch      *watch.Engine
	breaker    *breaker.Breaker
	tracker    *positions.Tracker
	lock       *wake.SessionLock
	dispatcher *wake.Dispatcher
	eventLog   *events.Log
	history    *history.Writer
	memory     *memory.Client
	alerts     *alerts.Telegram
	metrics    *metrics.Metrics

	tasks []*task

	mu        sync.Mutex
	status    map[string]*TaskStatus
	startedAt time.Time
	running   bool
}

// historySink adapts the history writer to the event log's interface.
type historySink struct {
	w *history.Writer
}

func (s historySink) EnqueueEvent(e events.Event) {
	s.w.EnqueueEvent(history.Event{
		ID:     e.ID,
		Type:   e.Type,
		Title:  e.Title,
		Detail: e.Detail,
		Time:   e.At,
	})
}

func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*Daemon, error) {
	if m == nil {
		m = metrics.NewNoop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, cfg.REST.RequestsPerSecond, cfg.REST.Burst, log)
	snapshot := market.NewSnapshot()
	poller := market.NewPoller(restClient, cfg.Daemon.Symbols, snapshot, log)
	scanner := scan.New(cfg.Scanner, log)

	var sentiment *market.SentimentClient
	if cfg.Sentiment.Enabled {
		sentiment = market.NewSentimentClient(cfg.Sentiment.BaseURL, cfg.Sentiment.Timeout)
	}

	var memClient *memory.Client
	var watchStore watch.Store
	if cfg.Memory.Enabled {
		memClient = memory.NewClient(cfg.Memory, log)
		watchStore = memClient
	}
	watchEngine := watch.NewEngine(cfg.Watch, watchStore, log)

	brk := breaker.New(cfg.Breaker.MaxDailyLossUSD, store, log)
	tracker := positions.NewTracker(cfg.Positions, restClient, cfg.Account.Address, brk, log)

	var engine wake.Engine
	if cfg.Engine.Enabled {
		engine = wake.NewHTTPEngine(cfg.Engine.BaseURL, cfg.Engine.Timeout)
	} else {
		engine = wake.NewNopEngine(log)
	}

	tg := alerts.NewTelegram(cfg.Telegram, log)

	hist, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("history writer: %w", err)
	}

	var sink events.HistorySink
	if hist != nil {
		sink = historySink{w: hist}
	}
	eventLog := events.NewLog(cfg.Daemon.EventBufferSize, store, sink, tg, log)

	d := &Daemon{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		snapshot:  snapshot,
		poller:    poller,
		sentiment: sentiment,
		scanner:   scanner,
		watch:     watchEngine,
		breaker:   brk,
		tracker:   tracker,
		lock:      wake.NewSessionLock(),
		eventLog:  eventLog,
		history:   hist,
		memory:    memClient,
		alerts:    tg,
		metrics:   m,
		status:    make(map[string]*TaskStatus),
	}
	d.dispatcher = wake.NewDispatcher(cfg.Wake, engine, d.lock, store, log, d.composeWakeContext, tracker.Resync)

	if cfg.WS.Enabled {
		d.ws = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}

	dc := cfg.Daemon
	d.tasks = []*task{
		{name: "price_poll", interval: dc.PriceInterval, fn: d.taskPricePoll},
		{name: "derivatives_poll", interval: dc.DerivativesInterval, fn: d.taskDerivativesPoll},
		{name: "sentiment_poll", interval: dc.SentimentInterval, fn: d.taskSentimentPoll},
		{name: "candle_poll", interval: dc.DerivativesInterval, fn: d.taskCandlePoll},
		{name: "evaluate", interval: 0, fn: d.taskEvaluate},
		{name: "position_check", interval: 0, fn: d.taskPositionCheck},
		{name: "trigger_refresh", interval: dc.TriggerOrderInterval, fn: d.taskTriggerRefresh},
		{name: "review", interval: dc.ReviewInterval, fn: d.taskReview},
		{name: "decay", interval: dc.DecayInterval, fn: d.taskDecay},
		{name: "conflict_check", interval: dc.ConflictInterval, fn: d.taskConflictCheck},
		{name: "health_check", interval: dc.HealthInterval, fn: d.taskHealthCheck},
		{name: "event_flush", interval: dc.FlushInterval, fn: d.taskEventFlush},
		{name: "day_reset", interval: 0, fn: d.taskDayReset},
	}
	return d, nil
}

// Run performs the startup sequence, then ticks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	if err := d.rest.Ping(ctx); err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	d.restoreState(ctx)
	d.initialPoll(ctx)

	if err := d.watch.SeedDefaults(ctx, d.store); err != nil {
		d.log.Warn("watch grouping seed failed", zap.Error(err))
	}

	d.history.Start(ctx)
	d.alerts.Start(ctx)
	if d.ws != nil {
		d.startFeed(ctx)
	}

	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.running = true
	d.mu.Unlock()

	d.eventLog.Append(events.TypeStartup, "daemon started",
		fmt.Sprintf("symbols=%v tick=%s", d.cfg.Daemon.Symbols, d.cfg.Daemon.TickInterval))
	d.log.Info("daemon running",
		zap.Strings("symbols", d.cfg.Daemon.Symbols),
		zap.Duration("tick", d.cfg.Daemon.TickInterval))

	ticker := time.NewTicker(d.cfg.Daemon.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

func (d *Daemon) restoreState(ctx context.Context) {
	if err := d.breaker.Load(ctx); err != nil {
		d.log.Warn("breaker state restore failed", zap.Error(err))
	}
	if err := d.dispatcher.Load(ctx); err != nil {
		d.log.Warn("wake state restore failed", zap.Error(err))
	}
	if err := d.tracker.Restore(ctx, d.store); err != nil {
		d.log.Warn("position cache restore failed", zap.Error(err))
	}
	if err := d.watch.Load(ctx); err != nil {
		d.log.Warn("watchpoint load failed", zap.Error(err))
	}
}

func (d *Daemon) initialPoll(ctx context.Context) {
	now := time.Now()
	if err := d.taskPricePoll(ctx, now); err != nil {
		d.log.Warn("initial price poll failed", zap.Error(err))
	}
	if err := d.taskDerivativesPoll(ctx, now); err != nil {
		d.log.Warn("initial derivatives poll failed", zap.Error(err))
	}
	if err := d.taskSentimentPoll(ctx, now); err != nil {
		d.log.Warn("initial sentiment poll failed", zap.Error(err))
	}
	if err := d.taskCandlePoll(ctx, now); err != nil {
		d.log.Warn("initial candle poll failed", zap.Error(err))
	}
	// The first detection pass would re-report whatever the initial poll
	// loaded; consume the flag so evaluation starts from the next change.
	d.snapshot.ConsumeChanged()
	d.markRun(now)
}

func (d *Daemon) markRun(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range []string{"price_poll", "derivatives_poll", "sentiment_poll", "candle_poll"} {
		d.status[name] = &TaskStatus{Name: name, LastRun: now}
	}
}

func (d *Daemon) tick(ctx context.Context, now time.Time) {
	d.metrics.Ticks.Inc()
	for _, t := range d.tasks {
		if !d.due(t, now) {
			continue
		}
		d.runTask(ctx, now, t)
	}
	d.metrics.ActiveWatchpoints.Set(float64(d.watch.ActiveCount()))
	d.metrics.OpenPositions.Set(float64(len(d.tracker.Open())))
	d.metrics.DailyRealizedPnL.Set(d.breaker.Snapshot().RealizedPnL)
}

func (d *Daemon) due(t *task, now time.Time) bool {
	if t.interval == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.status[t.name]
	return !ok || now.Sub(st.LastRun) >= t.interval
}

// runTask isolates one task from the rest: panics are recovered and
// errors never escape the tick.
func (d *Daemon) runTask(ctx context.Context, now time.Time, t *task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.TaskErrors.Inc()
			msg := fmt.Sprintf("panic: %v", r)
			d.log.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
			d.recordTask(t.name, now, time.Since(start), msg)
			d.eventLog.Append(events.TypeTaskError, t.name+" panicked", msg)
		}
	}()
	err := t.fn(ctx, now)
	errText := ""
	if err != nil {
		errText = err.Error()
		d.metrics.TaskErrors.Inc()
		d.log.Warn("task failed", zap.String("task", t.name), zap.Error(err))
		d.eventLog.Append(events.TypeTaskError, t.name+" failed", errText)
	}
	d.recordTask(t.name, now, time.Since(start), errText)
}

func (d *Daemon) recordTask(name string, ranAt time.Time, dur time.Duration, errText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[name] = &TaskStatus{
		Name:         name,
		LastRun:      ranAt,
		LastDuration: dur,
		LastError:    errText,
	}
}

func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.eventLog.Append(events.TypeShutdown, "daemon stopping", "")
	if err := d.eventLog.Flush(ctx); err != nil {
		d.log.Warn("final event flush failed", zap.Error(err))
	}
	if err := d.tracker.Persist(ctx, d.store); err != nil {
		d.log.Warn("position cache persist failed", zap.Error(err))
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.Info("daemon stopped")
}

func (d *Daemon) close() {
	if err := d.history.Close(); err != nil {
		d.log.Warn("history close failed", zap.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn("state store close failed", zap.Error(err))
	}
}

// Status is the queryable view served by the HTTP surface.
type Status struct {
	Running           bool             `json:"running"`
	StartedAt         time.Time        `json:"started_at"`
	Symbols           []string         `json:"symbols"`
	Paused            bool             `json:"paused"`
	Breaker           breaker.Snapshot `json:"breaker"`
	ActiveWatchpoints int              `json:"active_watchpoints"`
	OpenPositions     int              `json:"open_positions"`
	EventCount        int              `json:"event_count"`
	WakesLastHour     int              `json:"wakes_last_hour"`
	LastWake          time.Time        `json:"last_wake"`
	Tasks             []TaskStatus     `json:"tasks"`
}

func (d *Daemon) Status() Status {
	wakes, lastWake := d.dispatcher.Stats()
	d.mu.Lock()
	tasks := make([]TaskStatus, 0, len(d.status))
	for _, st := range d.status {
		tasks = append(tasks, *st)
	}
	startedAt := d.startedAt
	running := d.running
	d.mu.Unlock()

	return Status{
		Running:           running,
		StartedAt:         startedAt,
		Symbols:           d.cfg.Daemon.Symbols,
		Paused:            d.breaker.Paused(),
		Breaker:           d.breaker.Snapshot(),
		ActiveWatchpoints: d.watch.ActiveCount(),
		OpenPositions:     len(d.tracker.Open()),
		EventCount:        d.eventLog.Len(),
		WakesLastHour:     wakes,
		LastWake:          lastWake,
		Tasks:             tasks,
	}
}

// Events exposes the ring buffer for the HTTP surface.
func (d *Daemon) Events(n int) []events.Event {
	return d.eventLog.Recent(n)
}

// Watchpoints exposes the watch engine for the HTTP surface. CRUD from
// handlers runs concurrently with the tick loop only through these.
func (d *Daemon) Watchpoints() []watch.Watchpoint {
	return d.watch.List()
}

func (d *Daemon) CreateWatchpoint(ctx context.Context, symbol string, cond watch.Condition, threshold float64, rationale string, expiry time.Time) (watch.Watchpoint, error) {
	return d.watch.Create(ctx, symbol, cond, threshold, rationale, expiry, d.snapshot.View())
}

func (d *Daemon) DeleteWatchpoint(ctx context.Context, id string) error {
	return d.watch.Delete(ctx, id)
}

// ManualWake funnels an external "wake now" through the same dispatcher
// path as daemon escalations. Asynchronous; the outcome lands in the
// event log.
func (d *Daemon) ManualWake(reason string) {
	go d.requestWake(context.Background(), wake.Request{
		Source:   "manual",
		Title:    "manual wake",
		Detail:   reason,
		Priority: true,
	})
}
