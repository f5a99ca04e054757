package positions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/breaker"
	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/hl/rest"
	"hl-sentinel-bot/internal/market"
)

// CloseReason classifies why a position disappeared between polls.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
)

// Close describes a detected position close. EstimatedExit is true when
// no matching fill was found and the exit price came from the last mark.
type Close struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	ExitPrice     float64
	RealizedPnL   float64
	Reason        string
	EstimatedExit bool
	At            time.Time
}

// TierAlert reports an open position crossing a profit tier.
type TierAlert struct {
	Symbol  string
	Side    string
	TierPct float64
	GainPct float64
	Mark    float64
}

// Result is one Check cycle's output.
type Result struct {
	Closes         []Close
	TierAlerts     []TierAlert
	BreakerTripped bool
}

type accountAPI interface {
	Positions(ctx context.Context, user string) ([]rest.Position, error)
	FillsSince(ctx context.Context, user string, startMS int64) ([]rest.Fill, error)
	TriggerOrders(ctx context.Context, user string) ([]rest.TriggerOrder, error)
}

type tierState struct {
	Side  string          `json:"side"`
	Fired map[string]int64 `json:"fired"` // tier pct (formatted) -> unix seconds
}

// Tracker polls open positions, diffs against the prior poll to detect
// closes, classifies them against cached trigger orders and fills, and
// feeds realized PnL into the circuit breaker.
// Resync runs from the wake path's goroutine while Check runs on the
// tick loop, so the cache is mutex-guarded.
type Tracker struct {
	cfg     config.PositionsConfig
	api     accountAPI
	user    string
	breaker *breaker.Breaker
	log     *zap.Logger

	mu        sync.Mutex
	positions map[string]rest.Position
	triggers  []rest.TriggerOrder
	lastCheck time.Time
	primed    bool
	seenFills map[string]int64 // fill identity -> fill time ms
	tiers     map[string]*tierState
}

func NewTracker(cfg config.PositionsConfig, api accountAPI, user string, brk *breaker.Breaker, log *zap.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		api:       api,
		user:      user,
		breaker:   brk,
		log:       log,
		positions: make(map[string]rest.Position),
		seenFills: make(map[string]int64),
		tiers:     make(map[string]*tierState),
	}
}

// Check fetches current positions, reports closes for symbols that
// disappeared since the prior poll, and emits profit-tier alerts for the
// ones still open. The first successful poll only primes the cache.
// Tier history survives a close; checkTiers resets it on a side flip.
func (t *Tracker) Check(ctx context.Context, now time.Time, view market.View) (Result, error) {
	current, err := t.fetch(ctx)
	if err != nil {
		return Result{}, err
	}

	t.mu.Lock()
	var gone []rest.Position
	if t.primed {
		for symbol, prior := range t.positions {
			if _, open := current[symbol]; !open {
				gone = append(gone, prior)
			}
		}
	}
	lastCheck := t.lastCheck
	t.mu.Unlock()

	// One fills lookup covers every disappeared symbol; it stays outside
	// the lock so Open and Unprotected never wait on the provider.
	var fills []rest.Fill
	if len(gone) > 0 {
		since := lastCheck.Add(-t.cfg.FillLookbackSlack)
		fills, err = t.api.FillsSince(ctx, t.user, since.UnixMilli())
		if err != nil {
			t.log.Warn("fills lookup failed", zap.Error(err))
			fills = nil
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var res Result
	for _, prior := range gone {
		cl := t.resolveClose(now, prior, view, fills)
		if t.breaker.RecordPnL(ctx, cl.RealizedPnL) {
			res.BreakerTripped = true
		}
		res.Closes = append(res.Closes, cl)
	}

	res.TierAlerts = t.checkTiers(now, current, view)

	t.positions = current
	t.lastCheck = now
	t.primed = true
	return res, nil
}

func (t *Tracker) fetch(ctx context.Context) (map[string]rest.Position, error) {
	list, err := t.api.Positions(ctx, t.user)
	if err != nil {
		return nil, fmt.Errorf("poll positions: %w", err)
	}
	out := make(map[string]rest.Position, len(list))
	for _, p := range list {
		if p.Symbol == "" || p.Size == 0 {
			continue
		}
		out[p.Symbol] = p
	}
	return out, nil
}

// resolveClose finds the closing fill for a disappeared position, or
// estimates the exit from the last mark when no fill turned up.
// Caller holds t.mu.
func (t *Tracker) resolveClose(now time.Time, prior rest.Position, view market.View, fills []rest.Fill) Close {
	cl := Close{
		Symbol:     prior.Symbol,
		Side:       prior.Side(),
		Size:       abs(prior.Size),
		EntryPrice: prior.EntryPrice,
		At:         now,
	}

	fill, ok := t.closingFill(prior, fills)
	if ok {
		cl.ExitPrice = fill.Price
		cl.RealizedPnL = fill.ClosedPnL
		cl.Reason = t.classify(prior.Symbol, fill)
	} else {
		mark, hasMark := view.Prices[prior.Symbol]
		if !hasMark {
			mark = prior.EntryPrice
		}
		cl.ExitPrice = mark
		cl.EstimatedExit = true
		if prior.Size > 0 {
			cl.RealizedPnL = (mark - prior.EntryPrice) * prior.Size
		} else {
			cl.RealizedPnL = (prior.EntryPrice - mark) * -prior.Size
		}
		cl.Reason = t.classifyByPrice(prior.Symbol, mark)
		t.log.Warn("no closing fill found, exit estimated from mark",
			zap.String("symbol", prior.Symbol),
			zap.Float64("mark", mark))
	}
	return cl
}

// closingFill returns the most recent unseen closing fill for the
// symbol from the pre-fetched batch. Caller holds t.mu.
func (t *Tracker) closingFill(prior rest.Position, fills []rest.Fill) (rest.Fill, bool) {
	var best rest.Fill
	found := false
	for _, f := range fills {
		if f.Symbol != prior.Symbol || !isClosing(f.Side) {
			continue
		}
		id := fillIdentity(f)
		if _, seen := t.seenFills[id]; seen {
			continue
		}
		if !found || f.TimeMS > best.TimeMS {
			best = f
			found = true
		}
	}
	if found {
		t.markSeen(best)
	}
	return best, found
}

func isClosing(dir string) bool {
	return strings.Contains(strings.ToLower(dir), "close")
}

func fillIdentity(f rest.Fill) string {
	if f.Hash != "" {
		return f.Hash
	}
	return fmt.Sprintf("%s:%d", f.OrderID, f.TimeMS)
}

func (t *Tracker) markSeen(f rest.Fill) {
	t.seenFills[fillIdentity(f)] = f.TimeMS
	if len(t.seenFills) <= t.cfg.DedupCap {
		return
	}
	type entry struct {
		id string
		ms int64
	}
	all := make([]entry, 0, len(t.seenFills))
	for id, ms := range t.seenFills {
		all = append(all, entry{id, ms})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ms < all[j].ms })
	for _, e := range all[:len(all)-t.cfg.DedupCap] {
		delete(t.seenFills, e.id)
	}
}

// classify matches the fill against cached trigger orders: order id
// first, then price proximity, then manual.
func (t *Tracker) classify(symbol string, fill rest.Fill) string {
	for _, o := range t.triggers {
		if o.Symbol == symbol && o.OrderID != "" && o.OrderID == fill.OrderID {
			return o.OrderType
		}
	}
	return t.classifyByPrice(symbol, fill.Price)
}

func (t *Tracker) classifyByPrice(symbol string, price float64) string {
	if price <= 0 {
		return ReasonManual
	}
	tol := t.cfg.ProximityPct / 100
	for _, o := range t.triggers {
		if o.Symbol != symbol || o.TriggerPrice <= 0 {
			continue
		}
		if abs(price-o.TriggerPrice)/o.TriggerPrice <= tol {
			return o.OrderType
		}
	}
	return ReasonManual
}

// checkTiers emits at most one alert per (symbol, tier) per cooldown.
// Tier history resets when a position flips side.
func (t *Tracker) checkTiers(now time.Time, current map[string]rest.Position, view market.View) []TierAlert {
	var alerts []TierAlert
	for symbol, p := range current {
		mark, ok := view.Prices[symbol]
		if !ok || p.EntryPrice <= 0 {
			continue
		}
		var gainPct float64
		if p.Size > 0 {
			gainPct = (mark - p.EntryPrice) / p.EntryPrice * 100
		} else {
			gainPct = (p.EntryPrice - mark) / p.EntryPrice * 100
		}

		st := t.tiers[symbol]
		if st == nil || st.Side != p.Side() {
			st = &tierState{Side: p.Side(), Fired: make(map[string]int64)}
			t.tiers[symbol] = st
		}

		for _, tier := range t.tierSet(p.Leverage) {
			if gainPct < tier {
				continue
			}
			key := fmt.Sprintf("%g", tier)
			if last, ok := st.Fired[key]; ok && now.Sub(time.Unix(last, 0)) < t.cfg.TierCooldown {
				continue
			}
			st.Fired[key] = now.Unix()
			alerts = append(alerts, TierAlert{
				Symbol:  symbol,
				Side:    p.Side(),
				TierPct: tier,
				GainPct: gainPct,
				Mark:    mark,
			})
		}
	}
	return alerts
}

func (t *Tracker) tierSet(leverage float64) []float64 {
	if leverage >= t.cfg.ScalpLeverageMin {
		return t.cfg.ScalpTiersPct
	}
	return t.cfg.SwingTiersPct
}

// RefreshTriggers re-reads the resting protective orders. Runs on its
// own interval, independent of Check.
func (t *Tracker) RefreshTriggers(ctx context.Context) error {
	orders, err := t.api.TriggerOrders(ctx, t.user)
	if err != nil {
		return fmt.Errorf("poll trigger orders: %w", err)
	}
	t.mu.Lock()
	t.triggers = orders
	t.mu.Unlock()
	return nil
}

// Resync replaces the position cache without diffing. Called after a
// wake so any engine-driven change is not later mistaken for a close.
func (t *Tracker) Resync(ctx context.Context) error {
	current, err := t.fetch(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.positions = current
	t.lastCheck = time.Now()
	t.primed = true
	t.mu.Unlock()
	return nil
}

// Open returns a copy of the cached open positions.
func (t *Tracker) Open() []rest.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]rest.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Triggers returns the cached protective orders.
func (t *Tracker) Triggers() []rest.TriggerOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]rest.TriggerOrder, len(t.triggers))
	copy(out, t.triggers)
	return out
}

// Unprotected lists open positions with no resting protective order,
// the conflict the scheduler periodically escalates.
func (t *Tracker) Unprotected() []rest.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	covered := make(map[string]bool, len(t.triggers))
	for _, o := range t.triggers {
		covered[o.Symbol] = true
	}
	var out []rest.Position
	for _, p := range t.positions {
		if !covered[p.Symbol] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
