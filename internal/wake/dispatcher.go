package wake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/state"
)

// Skip reasons. Callers compare with errors.Is; a skip is an expected
// outcome, not a failure.
var (
	ErrCooldown   = errors.New("wake skipped: cooldown active")
	ErrRateCapped = errors.New("wake skipped: hourly cap reached")
	ErrEngineBusy = errors.New("wake skipped: engine busy")
	ErrPaused     = errors.New("wake skipped: circuit breaker paused")
)

const stateKey = "wake:state"

// Request is one escalation attempt. Priority bypasses the cooldown but
// never the hourly cap.
type Request struct {
	Source   string // anomaly, watchpoint, position_close, review, conflict, manual
	Title    string
	Detail   string
	Priority bool
}

type rateState struct {
	Timestamps []int64 `json:"timestamps"` // unix seconds, newest last
	LastWake   int64   `json:"last_wake"`
}

// Dispatcher is the chokepoint every escalation path funnels through.
// It enforces the cooldown and the hourly cap, takes the engine lock
// without blocking, invokes the engine synchronously and records the
// outcome.
type Dispatcher struct {
	cfg     config.WakeConfig
	engine  Engine
	lock    *SessionLock
	kv      state.Store
	log     *zap.Logger
	compose func(Request) string
	resync  func(context.Context) error

	mu         sync.Mutex
	timestamps []time.Time
	lastWake   time.Time
}

// NewDispatcher wires the dispatcher. compose builds the engine context
// for a request; resync refreshes the position cache after an
// invocation. Either may be nil.
func NewDispatcher(cfg config.WakeConfig, engine Engine, lock *SessionLock, kv state.Store, log *zap.Logger, compose func(Request) string, resync func(context.Context) error) *Dispatcher {
	if compose == nil {
		compose = func(r Request) string {
			return fmt.Sprintf("[%s] %s\n%s", r.Source, r.Title, r.Detail)
		}
	}
	return &Dispatcher{
		cfg:     cfg,
		engine:  engine,
		lock:    lock,
		kv:      kv,
		log:     log,
		compose: compose,
		resync:  resync,
	}
}

// Load restores wake rate state so a restart does not reset the hourly
// budget or the cooldown.
func (d *Dispatcher) Load(ctx context.Context) error {
	raw, ok, err := d.kv.Get(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("read wake state: %w", err)
	}
	if !ok {
		return nil
	}
	var st rateState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		d.log.Warn("wake state unparsable, starting fresh", zap.Error(err))
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ts := range st.Timestamps {
		d.timestamps = append(d.timestamps, time.Unix(ts, 0))
	}
	if st.LastWake > 0 {
		d.lastWake = time.Unix(st.LastWake, 0)
	}
	return nil
}

// Wake runs the full dispatch path. Skips return one of the sentinel
// errors and never block; the engine's response is returned on success.
// An engine failure still consumes a rate slot, the attempt happened.
func (d *Dispatcher) Wake(ctx context.Context, req Request) (string, error) {
	now := time.Now()

	d.mu.Lock()
	d.prune(now)
	if !req.Priority && !d.lastWake.IsZero() && now.Sub(d.lastWake) < d.cfg.Cooldown {
		d.mu.Unlock()
		return "", ErrCooldown
	}
	if len(d.timestamps) >= d.cfg.MaxPerHour {
		d.mu.Unlock()
		return "", ErrRateCapped
	}
	d.mu.Unlock()

	if !d.lock.TryAcquire() {
		return "", ErrEngineBusy
	}
	response, err := d.invoke(ctx, now, req)

	if d.resync != nil {
		if rerr := d.resync(ctx); rerr != nil {
			d.log.Warn("position resync after wake failed", zap.Error(rerr))
		}
	}
	return response, err
}

func (d *Dispatcher) invoke(ctx context.Context, now time.Time, req Request) (string, error) {
	defer d.lock.Release()

	input := d.compose(req)
	d.log.Info("waking engine",
		zap.String("source", req.Source),
		zap.String("title", req.Title),
		zap.Bool("priority", req.Priority))

	response, err := d.engine.Invoke(ctx, input)
	d.record(ctx, now)
	if err != nil {
		return "", fmt.Errorf("engine invoke: %w", err)
	}
	return response, nil
}

func (d *Dispatcher) record(ctx context.Context, now time.Time) {
	d.mu.Lock()
	d.timestamps = append(d.timestamps, now)
	d.lastWake = now
	d.prune(now)
	st := rateState{LastWake: d.lastWake.Unix()}
	for _, ts := range d.timestamps {
		st.Timestamps = append(st.Timestamps, ts.Unix())
	}
	d.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := d.kv.Set(ctx, stateKey, string(raw)); err != nil {
		d.log.Warn("wake state not persisted", zap.Error(err))
	}
}

// prune drops timestamps older than the sliding hour. Caller holds mu.
func (d *Dispatcher) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := d.timestamps[:0]
	for _, ts := range d.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.timestamps = kept
}

// Stats reports the dispatcher's rate state for the status surface.
func (d *Dispatcher) Stats() (wakesLastHour int, lastWake time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(time.Now())
	return len(d.timestamps), d.lastWake
}
