package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetMissingKey(t *testing.T) {
	store := NewMemory()

	_, ok, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key")
	}
}

func TestMemorySetAndGet(t *testing.T) {
	store := NewMemory()

	if err := store.SetWithTTL(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || value != "v" {
		t.Fatalf("expected v, got %q ok=%v", value, ok)
	}
}

func TestMemoryEntriesExpire(t *testing.T) {
	store := NewMemory()
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.SetWithTTL(context.Background(), "k", "v", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(2 * time.Second)

	_, ok, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemory()

	if err := store.SetWithTTL(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(context.Background(), "k"); err != nil || ok {
		t.Fatalf("expected miss after delete, got ok=%v err=%v", ok, err)
	}
	if err := store.Delete(context.Background(), "absent"); err != nil {
		t.Fatalf("delete absent key must not fail: %v", err)
	}
}

func TestMemoryIncrCreatesAndCounts(t *testing.T) {
	store := NewMemory()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithTTL(context.Background(), "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryIncrRestartsAfterExpiry(t *testing.T) {
	store := NewMemory()
	now := time.Now()
	store.now = func() time.Time { return now }

	if _, err := store.IncrWithTTL(context.Background(), "counter", time.Second); err != nil {
		t.Fatalf("incr: %v", err)
	}
	now = now.Add(5 * time.Second)

	got, err := store.IncrWithTTL(context.Background(), "counter", time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter to restart at 1, got %d", got)
	}
}
