package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/state"
)

// Event types. The set is open, these are the ones the daemon emits.
const (
	TypeAnomaly        = "anomaly"
	TypeWatchpoint     = "watchpoint_fired"
	TypePositionClose  = "position_close"
	TypeTierAlert      = "tier_alert"
	TypeBreakerTripped = "breaker_tripped"
	TypeBreakerReset   = "breaker_reset"
	TypeWake           = "wake"
	TypeWakeSkipped    = "wake_skipped"
	TypeConflict       = "conflict"
	TypeEngineError    = "engine_error"
	TypeTaskError      = "task_error"
	TypeHealth         = "health"
	TypeStartup        = "startup"
	TypeShutdown       = "shutdown"
)

// Event is one append-only log entry.
type Event struct {
	ID     string    `json:"id" msgpack:"id"`
	Type   string    `json:"type" msgpack:"type"`
	Title  string    `json:"title" msgpack:"title"`
	Detail string    `json:"detail" msgpack:"detail"`
	At     time.Time `json:"at" msgpack:"at"`
}

// HistorySink receives flushed events for long-term storage. Enqueue
// must not block.
type HistorySink interface {
	EnqueueEvent(e Event)
}

// Notifier pushes high-severity events to an operator channel.
type Notifier interface {
	Notify(title, detail string)
}

var highSeverity = map[string]bool{
	TypeBreakerTripped: true,
	TypeEngineError:    true,
	TypeTierAlert:      true,
}

const (
	batchPrefix = "events:batch:"
	maxBatches  = 48
)

// Log is the daemon's capped in-memory event ring. Appends past the cap
// drop the oldest entry. Flush writes the entries accumulated since the
// previous flush as one msgpack batch into the kv store.
type Log struct {
	cap      int
	kv       state.Store
	history  HistorySink
	notifier Notifier
	log      *zap.Logger

	mu      sync.Mutex
	entries []Event
	pending []Event
}

func NewLog(capacity int, kv state.Store, history HistorySink, notifier Notifier, log *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = 500
	}
	return &Log{
		cap:      capacity,
		kv:       kv,
		history:  history,
		notifier: notifier,
		log:      log,
	}
}

// Append records an event. High-severity types are also handed to the
// notifier, which delivers on its own queue.
func (l *Log) Append(eventType, title, detail string) Event {
	e := Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Title:  title,
		Detail: detail,
		At:     time.Now().UTC(),
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.pending = append(l.pending, e)
	if len(l.pending) > l.cap {
		l.pending = l.pending[len(l.pending)-l.cap:]
	}
	l.mu.Unlock()

	if l.notifier != nil && highSeverity[eventType] {
		l.notifier.Notify(title, detail)
	}
	return e
}

// Recent returns up to n newest entries, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Flush persists the pending entries as one msgpack batch and forwards
// them to the history sink. Old batches are pruned to a cap.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	raw, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode event batch: %w", err)
	}
	key := fmt.Sprintf("%s%d", batchPrefix, time.Now().UnixNano())
	if err := l.kv.Set(ctx, key, base64.StdEncoding.EncodeToString(raw)); err != nil {
		// Put the batch back so the next flush retries it.
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return fmt.Errorf("write event batch: %w", err)
	}

	if l.history != nil {
		for _, e := range batch {
			l.history.EnqueueEvent(e)
		}
	}
	if err := l.pruneBatches(ctx); err != nil {
		l.log.Warn("event batch prune failed", zap.Error(err))
	}
	l.log.Debug("event batches flushed", zap.Int("events", len(batch)))
	return nil
}

func (l *Log) pruneBatches(ctx context.Context) error {
	keys, err := l.kv.Keys(ctx, batchPrefix)
	if err != nil {
		return err
	}
	if len(keys) <= maxBatches {
		return nil
	}
	sort.Strings(keys)
	for _, key := range keys[:len(keys)-maxBatches] {
		if err := l.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
