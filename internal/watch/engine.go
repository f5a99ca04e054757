package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/market"
	"hl-sentinel-bot/internal/state"
)

// Store persists watchpoints outside the daemon. All calls are
// best-effort at the engine's call sites: a failing store degrades to
// local-only state, it never stops evaluation.
type Store interface {
	CreateWatchpoint(ctx context.Context, w Watchpoint) error
	ListWatchpoints(ctx context.Context) ([]Watchpoint, error)
	UpdateWatchpointState(ctx context.Context, id string, s State) error
	DeleteWatchpoint(ctx context.Context, id string) error
}

// Engine owns the watchpoint lifecycle. All mutation goes through it; a
// watchpoint moves ACTIVE to DORMANT exactly once, on expiry or on the
// first condition match.
// CRUD arrives from the HTTP surface concurrently with the tick loop's
// Evaluate, so the cache is mutex-guarded. Store calls never run under
// the lock, a slow store must not stall reads.
type Engine struct {
	cfg   config.WatchConfig
	store Store
	log   *zap.Logger

	mu     sync.Mutex
	points map[string]*Watchpoint
}

func NewEngine(cfg config.WatchConfig, store Store, log *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		log:    log,
		points: make(map[string]*Watchpoint),
	}
}

// Load pulls persisted watchpoints into the local cache. Dormant entries
// are skipped, they can never fire again.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	points, err := e.store.ListWatchpoints(ctx)
	if err != nil {
		return fmt.Errorf("list watchpoints: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	loaded := 0
	for _, w := range points {
		if w.State != StateActive || !ValidCondition(w.Condition) || w.ID == "" {
			continue
		}
		wp := w
		e.points[w.ID] = &wp
		loaded++
	}
	e.log.Info("watchpoints loaded", zap.Int("active", loaded), zap.Int("stored", len(points)))
	return nil
}

// Create validates and registers a new ACTIVE watchpoint, stamping the
// current market view so fires can report then-vs-now. Funding
// thresholds are signed, deeply negative funding is the usual thing to
// watch for. A zero fear/greed threshold uses the configured default
// band.
func (e *Engine) Create(ctx context.Context, symbol string, cond Condition, threshold float64, rationale string, expiry time.Time, view market.View) (Watchpoint, error) {
	if !ValidCondition(cond) {
		return Watchpoint{}, fmt.Errorf("unknown condition %q", cond)
	}
	switch cond {
	case FundingAbove, FundingBelow:
		// Any threshold, including negative and zero, is meaningful.
	case FearGreedExtreme:
		if threshold == 0 {
			threshold = e.cfg.FearGreedLow
		}
		if threshold <= 0 || threshold >= 50 {
			return Watchpoint{}, fmt.Errorf("fear/greed threshold must be in (0, 50), got %v", threshold)
		}
	default:
		if threshold <= 0 {
			return Watchpoint{}, fmt.Errorf("threshold must be positive, got %v", threshold)
		}
	}
	now := time.Now().UTC()
	if expiry.IsZero() {
		expiry = now.Add(e.cfg.DefaultExpiry)
	}
	w := Watchpoint{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Condition: cond,
		Threshold: threshold,
		Expiry:    expiry,
		Rationale: rationale,
		State:     StateActive,
		Origin: Origin{
			Price:     view.Prices[symbol],
			Funding:   view.Funding[symbol],
			Sentiment: view.Sentiment,
			At:        now,
		},
	}

	e.mu.Lock()
	if e.activeCountLocked() >= e.cfg.MaxActive {
		e.mu.Unlock()
		return Watchpoint{}, fmt.Errorf("active watchpoint cap %d reached", e.cfg.MaxActive)
	}
	e.points[w.ID] = &w
	e.mu.Unlock()

	// Store calls run outside the lock; they can take a full HTTP timeout.
	if e.store != nil {
		if err := e.store.CreateWatchpoint(ctx, w); err != nil {
			e.log.Warn("watchpoint not persisted, keeping local only",
				zap.String("id", w.ID), zap.Error(err))
		}
	}
	e.log.Info("watchpoint created",
		zap.String("id", w.ID),
		zap.String("symbol", symbol),
		zap.String("condition", string(cond)),
		zap.Float64("threshold", threshold),
		zap.Time("expiry", expiry))
	return w, nil
}

// Evaluate tests every ACTIVE watchpoint against the snapshot. Expired
// ones go DORMANT without firing. A match goes DORMANT and is returned
// with the live value; a second call with the same snapshot returns
// nothing for it.
func (e *Engine) Evaluate(ctx context.Context, now time.Time, view market.View) []Fired {
	type retirement struct {
		w      Watchpoint
		reason string
	}
	e.mu.Lock()
	var fired []Fired
	var retired []retirement
	for _, w := range e.points {
		if w.State != StateActive {
			continue
		}
		if w.Expired(now) {
			w.State = StateDormant
			retired = append(retired, retirement{*w, "expired"})
			continue
		}
		eval, ok := evaluators[w.Condition]
		if !ok {
			continue
		}
		value, matched, ok := eval(*w, view)
		if !ok || !matched {
			continue
		}
		w.State = StateDormant
		retired = append(retired, retirement{*w, "fired"})
		fired = append(fired, Fired{Watchpoint: *w, Value: value})
	}
	e.mu.Unlock()

	for _, r := range retired {
		e.persistRetire(ctx, r.w, r.reason)
	}
	return fired
}

// persistRetire records a state flip already applied in memory. Called
// without e.mu held.
func (e *Engine) persistRetire(ctx context.Context, w Watchpoint, reason string) {
	if e.store != nil {
		if err := e.store.UpdateWatchpointState(ctx, w.ID, StateDormant); err != nil {
			e.log.Warn("watchpoint state not persisted",
				zap.String("id", w.ID), zap.Error(err))
		}
	}
	e.log.Info("watchpoint retired",
		zap.String("id", w.ID),
		zap.String("symbol", w.Symbol),
		zap.String("condition", string(w.Condition)),
		zap.String("reason", reason))
}

// List returns a copy of every cached watchpoint, active or dormant.
func (e *Engine) List() []Watchpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Watchpoint, 0, len(e.points))
	for _, w := range e.points {
		out = append(out, *w)
	}
	return out
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.points[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("watchpoint %s not found", id)
	}
	delete(e.points, id)
	e.mu.Unlock()
	if e.store != nil {
		if err := e.store.DeleteWatchpoint(ctx, id); err != nil {
			return fmt.Errorf("delete watchpoint: %w", err)
		}
	}
	return nil
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCountLocked()
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, w := range e.points {
		if w.State == StateActive {
			n++
		}
	}
	return n
}

// Default symbol groupings written once at startup so downstream tools
// have something to suggest before the first watchpoints exist.
var defaultGroups = map[string]string{
	"watch:group:majors": "BTC,ETH,SOL",
	"watch:group:l1":     "SOL,AVAX,SUI,APT,SEI",
	"watch:group:meme":   "DOGE,WIF,PEPE,BONK",
}

// SeedDefaults writes the starter groupings into the kv store if absent.
func (e *Engine) SeedDefaults(ctx context.Context, kv state.Store) error {
	pending := make(map[string]string)
	for key, members := range defaultGroups {
		_, ok, err := kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read grouping %s: %w", key, err)
		}
		if !ok {
			pending[key] = members
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := kv.SetMany(ctx, pending); err != nil {
		return fmt.Errorf("seed groupings: %w", err)
	}
	e.log.Info("default watch groupings seeded", zap.Int("count", len(pending)))
	return nil
}
