package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing = %v, %v", ok, err)
	}
	if err := s.Set(ctx, "breaker:state", `{"paused":false}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "breaker:state")
	if err != nil || !ok || v != `{"paused":false}` {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}

	// Upsert overwrites.
	if err := s.Set(ctx, "breaker:state", `{"paused":true}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "breaker:state")
	if v != `{"paused":true}` {
		t.Fatalf("after overwrite = %q", v)
	}

	if err := s.Delete(ctx, "breaker:state"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "breaker:state"); ok {
		t.Fatalf("key survived delete")
	}
	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, "breaker:state"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestSetManyAndKeys(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.SetMany(ctx, map[string]string{
		"watch:group:majors": "BTC,ETH,SOL",
		"watch:group:l1":     "SOL,AVAX,SUI",
		"wake:state":         "{}",
	})
	if err != nil {
		t.Fatalf("set many: %v", err)
	}

	keys, err := s.Keys(ctx, "watch:group:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 watch groups", keys)
	}
	// Keys come back sorted.
	if keys[0] != "watch:group:l1" || keys[1] != "watch:group:majors" {
		t.Fatalf("key order = %v", keys)
	}

	keys, err = s.Keys(ctx, "nothing:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys for unused prefix = %v", keys)
	}

	if err := s.SetMany(ctx, nil); err != nil {
		t.Fatalf("empty set many: %v", err)
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, "positions:cache", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, ok, err := s2.Get(ctx, "positions:cache")
	if err != nil || !ok || v != "abc" {
		t.Fatalf("after reopen = %q, %v, %v", v, ok, err)
	}
}
