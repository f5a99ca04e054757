package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("store unavailable")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) SetMany(_ context.Context, pairs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range pairs {
		s.data[k] = v
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title, _ string) {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) EnqueueEvent(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestRingDropsOldestPastCap(t *testing.T) {
	l := NewLog(3, newMemStore(), nil, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		l.Append(TypeAnomaly, fmt.Sprintf("event %d", i), "")
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
	recent := l.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("recent = %d entries", len(recent))
	}
	if recent[0].Title != "event 4" || recent[2].Title != "event 2" {
		t.Fatalf("recent order wrong: %q .. %q", recent[0].Title, recent[2].Title)
	}
}

func TestRecentNewestFirstAndBounded(t *testing.T) {
	l := NewLog(10, newMemStore(), nil, nil, zap.NewNop())
	l.Append(TypeWake, "first", "")
	l.Append(TypeWake, "second", "")
	got := l.Recent(1)
	if len(got) != 1 || got[0].Title != "second" {
		t.Fatalf("recent(1) = %+v", got)
	}
	if got := l.Recent(100); len(got) != 2 {
		t.Fatalf("recent(100) = %d entries", len(got))
	}
}

func TestHighSeverityNotifies(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLog(10, newMemStore(), nil, n, zap.NewNop())
	l.Append(TypeBreakerTripped, "daily loss limit hit", "")
	l.Append(TypeHealth, "all good", "")
	l.Append(TypeEngineError, "invoke failed", "")
	if len(n.titles) != 2 {
		t.Fatalf("notified = %v, want breaker and engine only", n.titles)
	}
}

func TestFlushWritesBatchAndForwardsToHistory(t *testing.T) {
	store := newMemStore()
	sink := &recordingSink{}
	l := NewLog(10, store, sink, nil, zap.NewNop())
	l.Append(TypeAnomaly, "a", "")
	l.Append(TypeWake, "b", "")

	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	keys, _ := store.Keys(context.Background(), "events:batch:")
	if len(keys) != 1 {
		t.Fatalf("batch keys = %v", keys)
	}
	if len(sink.events) != 2 {
		t.Fatalf("history got %d events, want 2", len(sink.events))
	}

	// Nothing pending, no new batch.
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	keys, _ = store.Keys(context.Background(), "events:batch:")
	if len(keys) != 1 {
		t.Fatalf("empty flush wrote a batch: %v", keys)
	}
}

func TestFlushRequeuesOnStoreFailure(t *testing.T) {
	store := newMemStore()
	sink := &recordingSink{}
	l := NewLog(10, store, sink, nil, zap.NewNop())
	l.Append(TypeAnomaly, "a", "")

	store.mu.Lock()
	store.failSet = true
	store.mu.Unlock()
	if err := l.Flush(context.Background()); err == nil {
		t.Fatalf("flush did not surface store error")
	}
	if len(sink.events) != 0 {
		t.Fatalf("failed batch forwarded to history")
	}

	store.mu.Lock()
	store.failSet = false
	store.mu.Unlock()
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	keys, _ := store.Keys(context.Background(), "events:batch:")
	if len(keys) != 1 {
		t.Fatalf("batch keys = %v", keys)
	}
	if len(sink.events) != 1 || sink.events[0].Title != "a" {
		t.Fatalf("history events = %+v", sink.events)
	}
}

func TestPruneKeepsNewestBatches(t *testing.T) {
	store := newMemStore()
	// Pre-seed more batches than the cap; keys sort lexicographically by
	// their nanosecond suffix.
	for i := 0; i < maxBatches+5; i++ {
		key := fmt.Sprintf("%s%019d", batchPrefix, i)
		if err := store.Set(context.Background(), key, "x"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	l := NewLog(10, store, nil, nil, zap.NewNop())
	l.Append(TypeAnomaly, "trigger", "")
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	keys, _ := store.Keys(context.Background(), batchPrefix)
	if len(keys) != maxBatches {
		t.Fatalf("batches after prune = %d, want %d", len(keys), maxBatches)
	}
	for _, key := range keys {
		if key == batchPrefix+fmt.Sprintf("%019d", 0) {
			t.Fatalf("oldest batch survived prune")
		}
	}
}
