package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/state"
)

const stateKey = "breaker:state"

// Snapshot is the breaker's persisted state. Date is the UTC day the
// accumulator belongs to, formatted 2006-01-02.
type Snapshot struct {
	Date        string  `json:"date"`
	RealizedPnL float64 `json:"realized_pnl"`
	Paused      bool    `json:"paused"`
}

// Breaker accumulates realized PnL per UTC day and flips a pause flag
// when the configured daily loss is breached. The pause clears only on
// UTC date rollover; nothing else unsets it.
// Reads arrive from the status surface concurrently with the tick
// loop's writes, hence the mutex.
type Breaker struct {
	maxDailyLossUSD float64
	kv              state.Store
	log             *zap.Logger

	mu          sync.Mutex
	date        string
	realizedPnL float64
	paused      bool
}

func New(maxDailyLossUSD float64, kv state.Store, log *zap.Logger) *Breaker {
	return &Breaker{
		maxDailyLossUSD: maxDailyLossUSD,
		kv:              kv,
		log:             log,
		date:            dayKey(time.Now()),
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Load restores persisted state so a restart mid-day keeps a tripped
// breaker tripped. A snapshot from a previous UTC day is discarded.
func (b *Breaker) Load(ctx context.Context) error {
	raw, ok, err := b.kv.Get(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("read breaker state: %w", err)
	}
	if !ok {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		b.log.Warn("breaker state unparsable, starting fresh", zap.Error(err))
		return nil
	}
	if snap.Date != dayKey(time.Now()) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.date = snap.Date
	b.realizedPnL = snap.RealizedPnL
	b.paused = snap.Paused
	b.log.Info("breaker state restored",
		zap.Float64("realized_pnl", b.realizedPnL),
		zap.Bool("paused", b.paused))
	return nil
}

// CheckDailyReset zeroes the accumulator and clears the pause on UTC
// date rollover. Returns true when a reset happened.
func (b *Breaker) CheckDailyReset(ctx context.Context, now time.Time) bool {
	b.mu.Lock()
	today := dayKey(now)
	if today == b.date {
		b.mu.Unlock()
		return false
	}
	wasPaused := b.paused
	b.date = today
	b.realizedPnL = 0
	b.paused = false
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(ctx, snap)
	b.log.Info("breaker daily reset",
		zap.String("date", today),
		zap.Bool("cleared_pause", wasPaused))
	return true
}

// RecordPnL adds a realized amount. Returns true exactly once, on the
// amount that crosses the daily loss limit.
func (b *Breaker) RecordPnL(ctx context.Context, amount float64) bool {
	b.mu.Lock()
	b.realizedPnL += amount
	tripped := false
	if !b.paused && b.realizedPnL <= -b.maxDailyLossUSD {
		b.paused = true
		tripped = true
		b.log.Warn("circuit breaker tripped",
			zap.Float64("realized_pnl", b.realizedPnL),
			zap.Float64("max_daily_loss_usd", b.maxDailyLossUSD))
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(ctx, snap)
	return tripped
}

func (b *Breaker) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{Date: b.date, RealizedPnL: b.realizedPnL, Paused: b.paused}
}

func (b *Breaker) persist(ctx context.Context, snap Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := b.kv.Set(ctx, stateKey, string(raw)); err != nil {
		b.log.Warn("breaker state not persisted", zap.Error(err))
	}
}
