package positions

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/hl/rest"
	"hl-sentinel-bot/internal/state"
)

const cacheKey = "positions:cache"

// cacheSnapshot is the msgpack-encoded tracker state surviving restarts.
// Without it, every position open across a restart would look new and
// its eventual close would be mis-dated.
type cacheSnapshot struct {
	Positions   map[string]rest.Position `msgpack:"positions"`
	Triggers    []rest.TriggerOrder      `msgpack:"triggers"`
	LastCheckMS int64                    `msgpack:"last_check_ms"`
	SeenFills   map[string]int64         `msgpack:"seen_fills"`
	Tiers       map[string]*tierState    `msgpack:"tiers"`
}

// Persist writes the tracker cache to the kv store. Called on shutdown.
func (t *Tracker) Persist(ctx context.Context, kv state.Store) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.primed {
		return nil
	}
	snap := cacheSnapshot{
		Positions:   t.positions,
		Triggers:    t.triggers,
		LastCheckMS: t.lastCheck.UnixMilli(),
		SeenFills:   t.seenFills,
		Tiers:       t.tiers,
	}
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode position cache: %w", err)
	}
	return kv.Set(ctx, cacheKey, base64.StdEncoding.EncodeToString(raw))
}

// Restore loads a persisted cache. A missing or unreadable snapshot is
// not an error, the next Check primes from the live API instead.
func (t *Tracker) Restore(ctx context.Context, kv state.Store) error {
	enc, ok, err := kv.Get(ctx, cacheKey)
	if err != nil {
		return fmt.Errorf("read position cache: %w", err)
	}
	if !ok {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.log.Warn("position cache not base64, ignoring", zap.Error(err))
		return nil
	}
	var snap cacheSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		t.log.Warn("position cache unreadable, ignoring", zap.Error(err))
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.Positions != nil {
		t.positions = snap.Positions
	}
	if snap.Triggers != nil {
		t.triggers = snap.Triggers
	}
	if snap.SeenFills != nil {
		t.seenFills = snap.SeenFills
	}
	if snap.Tiers != nil {
		t.tiers = snap.Tiers
	}
	t.lastCheck = time.UnixMilli(snap.LastCheckMS)
	t.primed = true
	t.log.Info("position cache restored",
		zap.Int("positions", len(t.positions)),
		zap.Time("last_check", t.lastCheck))
	return nil
}
