package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestBolt(t *testing.T) (*BoltStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	s, err := NewBoltStore(t.TempDir(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestBoltStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, func(time.Duration)) {
		s, clock := newTestBolt(t)
		return s, clock.Advance
	})
}

func TestBoltPruneExpired(t *testing.T) {
	s, clock := newTestBolt(t)
	ctx := context.Background()

	_ = s.Set(ctx, "short", "x", time.Minute)
	_ = s.Set(ctx, "long", "x", time.Hour)
	_ = s.Set(ctx, "forever", "x", 0)

	clock.Advance(5 * time.Minute)
	n, err := s.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	for _, k := range []string{"long", "forever"} {
		if ok, _ := s.Exists(ctx, k); !ok {
			t.Errorf("%s should survive prune", k)
		}
	}
}

func TestBoltWrongType(t *testing.T) {
	s, _ := newTestBolt(t)
	ctx := context.Background()

	_ = s.LPushTrim(ctx, "l", "a", 10)
	if _, err := s.Get(ctx, "l"); err != ErrWrongType {
		t.Fatalf("Get on list: err = %v, want ErrWrongType", err)
	}
	if _, _, err := s.Incr(ctx, "l", 0); err != ErrWrongType {
		t.Fatalf("Incr on list: err = %v, want ErrWrongType", err)
	}
	if err := s.ZAdd(ctx, "l", "m", 1); err != ErrWrongType {
		t.Fatalf("ZAdd on list: err = %v, want ErrWrongType", err)
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	_ = s.Set(ctx, "k", "v", time.Hour)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got, err := s2.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}

func TestBoltFileCreatedAndSized(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "immune-gate.db")); err != nil {
		t.Fatalf("db file not created: %v", err)
	}
	size, err := s.SizeBytes()
	if err != nil || size <= 0 {
		t.Fatalf("SizeBytes = %d, %v", size, err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSortedMembersTieBreak(t *testing.T) {
	got := SortedMembers(map[string]float64{"b": 1, "a": 1, "c": 0}, 1, 0)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SortedMembers = %v, want [a b]", got)
	}
}
