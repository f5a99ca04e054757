package wake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
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

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEngine) Invoke(_ context.Context, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return "ack", e.err
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newDispatcher(cfg config.WakeConfig, engine Engine, lock *SessionLock, store *memStore) *Dispatcher {
	if lock == nil {
		lock = NewSessionLock()
	}
	if store == nil {
		store = newMemStore()
	}
	return NewDispatcher(cfg, engine, lock, store, zap.NewNop(), nil, nil)
}

func TestHourlyCapAllowsExactlySix(t *testing.T) {
	engine := &fakeEngine{}
	d := newDispatcher(config.WakeConfig{Cooldown: 0, MaxPerHour: 6}, engine, nil, nil)
	ctx := context.Background()

	invoked := 0
	for i := 0; i < 7; i++ {
		_, err := d.Wake(ctx, Request{Source: "anomaly", Title: "t"})
		switch {
		case err == nil:
			invoked++
		case errors.Is(err, ErrRateCapped):
		default:
			t.Fatalf("wake %d: unexpected error %v", i, err)
		}
	}
	if invoked != 6 {
		t.Fatalf("invoked = %d, want 6", invoked)
	}
	if engine.count() != 6 {
		t.Fatalf("engine calls = %d, want 6", engine.count())
	}
	if _, err := d.Wake(ctx, Request{Source: "anomaly", Title: "t", Priority: true}); !errors.Is(err, ErrRateCapped) {
		t.Fatalf("priority bypassed the hourly cap: %v", err)
	}
}

func TestPriorityBypassesCooldownOnly(t *testing.T) {
	engine := &fakeEngine{}
	d := newDispatcher(config.WakeConfig{Cooldown: 15 * time.Minute, MaxPerHour: 6}, engine, nil, nil)
	ctx := context.Background()

	if _, err := d.Wake(ctx, Request{Source: "review", Title: "first"}); err != nil {
		t.Fatalf("first wake: %v", err)
	}
	if _, err := d.Wake(ctx, Request{Source: "review", Title: "second"}); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second wake err = %v, want cooldown", err)
	}
	if _, err := d.Wake(ctx, Request{Source: "breaker", Title: "third", Priority: true}); err != nil {
		t.Fatalf("priority wake during cooldown: %v", err)
	}
	if engine.count() != 2 {
		t.Fatalf("engine calls = %d, want 2", engine.count())
	}
}

func TestBusyLockSkipsWithoutBlocking(t *testing.T) {
	engine := &fakeEngine{}
	lock := NewSessionLock()
	d := newDispatcher(config.WakeConfig{Cooldown: 0, MaxPerHour: 6}, engine, lock, nil)

	if !lock.TryAcquire() {
		t.Fatalf("could not take the lock")
	}
	defer lock.Release()

	done := make(chan error, 1)
	go func() {
		_, err := d.Wake(context.Background(), Request{Source: "manual", Title: "t"})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrEngineBusy) {
			t.Fatalf("err = %v, want engine busy", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wake blocked on a held lock")
	}
	if engine.count() != 0 {
		t.Fatalf("engine invoked while busy")
	}
}

func TestEngineFailureStillConsumesRateSlot(t *testing.T) {
	engine := &fakeEngine{err: errors.New("engine down")}
	d := newDispatcher(config.WakeConfig{Cooldown: 15 * time.Minute, MaxPerHour: 6}, engine, nil, nil)
	ctx := context.Background()

	_, err := d.Wake(ctx, Request{Source: "anomaly", Title: "t"})
	if err == nil || errors.Is(err, ErrCooldown) || errors.Is(err, ErrRateCapped) || errors.Is(err, ErrEngineBusy) {
		t.Fatalf("err = %v, want engine failure", err)
	}
	wakes, last := d.Stats()
	if wakes != 1 {
		t.Fatalf("wakes = %d, want 1", wakes)
	}
	if last.IsZero() {
		t.Fatalf("last wake not recorded")
	}
	// The failed attempt started the cooldown.
	if _, err := d.Wake(ctx, Request{Source: "anomaly", Title: "t"}); !errors.Is(err, ErrCooldown) {
		t.Fatalf("err = %v, want cooldown", err)
	}
}

func TestRateStateSurvivesRestart(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{}
	ctx := context.Background()

	d := newDispatcher(config.WakeConfig{Cooldown: 15 * time.Minute, MaxPerHour: 6}, engine, nil, store)
	if _, err := d.Wake(ctx, Request{Source: "manual", Title: "t"}); err != nil {
		t.Fatalf("wake: %v", err)
	}

	restarted := newDispatcher(config.WakeConfig{Cooldown: 15 * time.Minute, MaxPerHour: 6}, engine, nil, store)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	wakes, _ := restarted.Stats()
	if wakes != 1 {
		t.Fatalf("restored wakes = %d, want 1", wakes)
	}
	if _, err := restarted.Wake(ctx, Request{Source: "manual", Title: "t"}); !errors.Is(err, ErrCooldown) {
		t.Fatalf("cooldown not restored: %v", err)
	}
}

func TestLockAcquireRespectsContext(t *testing.T) {
	lock := NewSessionLock()
	if !lock.TryAcquire() {
		t.Fatalf("fresh lock not acquirable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := lock.Acquire(ctx); err == nil {
		t.Fatalf("acquire succeeded on a held lock")
	}
	lock.Release()
	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
