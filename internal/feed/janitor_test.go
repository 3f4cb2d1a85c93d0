package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/pool"
	"github.com/developingchet/immune-gate/internal/testutil"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestJanitor_PrunesBanIndex(t *testing.T) {
	s := testutil.NewMockStore()
	ctx := context.Background()
	now := s.Now()
	_ = s.ZAdd(ctx, keys.ActiveBans(), "1.2.3.4", float64(now.Add(-time.Minute).UnixMilli()))
	_ = s.ZAdd(ctx, keys.ActiveBans(), "5.6.7.8", float64(now.Add(time.Hour).UnixMilli()))
	_ = s.Set(ctx, "stale", "x", time.Second)
	s.Advance(2 * time.Second)
	s.Size = 4096

	j := NewJanitor(s, keys, nil, time.Minute, s.Now, zerolog.Nop())
	j.tick(ctx)

	n, err := s.ZCount(ctx, keys.ActiveBans(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("index size = %d, want 1", n)
	}
	if got := prom.ToFloat64(metrics.ActiveBans); got != 1 {
		t.Errorf("active bans gauge = %v, want 1", got)
	}
	if got := prom.ToFloat64(metrics.DBSizeBytes); got != 4096 {
		t.Errorf("db size gauge = %v, want 4096", got)
	}
	if s.Calls("PruneExpired") != 1 {
		t.Error("expected a PruneExpired sweep")
	}
}

func TestJanitor_SurvivesStoreErrors(t *testing.T) {
	s := testutil.NewMockStore()
	s.FailAll(errors.New("store down"))
	j := NewJanitor(s, keys, nil, time.Minute, s.Now, zerolog.Nop())
	j.tick(context.Background())
	if s.Calls("ZCount") != 1 {
		t.Error("tick should keep going after earlier failures")
	}
}

func TestJanitor_ReportsQueueDepth(t *testing.T) {
	// Never started, so queued jobs stay queued.
	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 8}, func(context.Context, pool.Job) error {
		return nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		p.Enqueue(pool.Job{Action: pool.ActionBan, IP: "1.2.3.4"})
	}

	s := testutil.NewMockStore()
	NewJanitor(s, keys, p, time.Minute, s.Now, zerolog.Nop()).tick(context.Background())
	if got := prom.ToFloat64(metrics.WorkerQueueDepth); got != 3 {
		t.Errorf("queue depth gauge = %v, want 3", got)
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	s := testutil.NewMockStore()
	j := NewJanitor(s, keys, nil, 5*time.Millisecond, s.Now, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Calls("ZRemBelow") < 1 {
		t.Error("expected at least one tick")
	}
}
