package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newPool(t *testing.T, cfg Config, h JobHandler) *Pool {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	p, err := New(cfg, h, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPoolDrainsOnStop(t *testing.T) {
	var processed atomic.Int64
	p := newPool(t, Config{Workers: 8, QueueDepth: 1000}, func(_ context.Context, _ Job) error {
		processed.Add(1)
		return nil
	})
	p.Start(context.Background())
	for i := 0; i < 500; i++ {
		if !p.Enqueue(Job{Action: ActionBan, IP: "1.2.3.4"}) {
			t.Fatalf("enqueue %d dropped", i)
		}
	}
	p.Stop()
	if n := processed.Load(); n != 500 {
		t.Fatalf("processed = %d, want 500", n)
	}
	// A second Stop is harmless.
	p.Stop()
}

func TestPoolDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newPool(t, Config{Workers: 1, QueueDepth: 2}, func(_ context.Context, _ Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	p.Start(context.Background())

	p.Enqueue(Job{Action: ActionBan, IP: "1.1.1.1"})
	<-started // the worker holds the first job
	if !p.Enqueue(Job{Action: ActionBan, IP: "2.2.2.2"}) || !p.Enqueue(Job{Action: ActionBan, IP: "3.3.3.3"}) {
		t.Fatal("queue should accept up to its depth")
	}
	if p.Depth() != 2 {
		t.Fatalf("Depth = %d", p.Depth())
	}
	if p.Enqueue(Job{Action: ActionBan, IP: "4.4.4.4"}) {
		t.Fatal("full queue accepted a job")
	}
	close(release)
	p.Stop()
}

func TestPoolRetries(t *testing.T) {
	cases := []struct {
		name       string
		maxRetries int
		failFirst  int64
		permanent  bool
		wantCalls  int64
	}{
		{"succeeds after transient failures", 5, 2, false, 3},
		{"gives up after max retries", 2, 100, false, 3},
		{"no retries", 0, 100, false, 1},
		{"permanent error is not retried", 5, 100, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int64
			p := newPool(t, Config{Workers: 1, MaxRetries: tc.maxRetries}, func(_ context.Context, _ Job) error {
				if calls.Add(1) <= tc.failFirst {
					err := errors.New("store unavailable")
					if tc.permanent {
						return Permanent(err)
					}
					return err
				}
				return nil
			})
			p.Start(context.Background())
			p.Enqueue(Job{Action: ActionUnban, IP: "1.2.3.4"})
			p.Stop()
			if got := calls.Load(); got != tc.wantCalls {
				t.Fatalf("handler calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestPoolCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	p := newPool(t, Config{Workers: 1, MaxRetries: 5, RetryBase: time.Hour}, func(_ context.Context, _ Job) error {
		calls.Add(1)
		cancel()
		return errors.New("retry me")
	})
	p.Start(ctx)
	p.Enqueue(Job{Action: ActionBan, IP: "9.9.9.9"})

	done := make(chan struct{})
	go func() { p.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a worker sleeping in backoff")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
}

func TestPoolConfig(t *testing.T) {
	nop := func(context.Context, Job) error { return nil }
	for _, n := range []int{0, 65} {
		if _, err := New(Config{Workers: n}, nop, zerolog.Nop()); err == nil {
			t.Errorf("Workers=%d accepted", n)
		}
	}
	p, err := New(Config{Workers: 1}, nop, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if cap(p.jobs) != 4096 || p.cfg.RetryBase != time.Second {
		t.Fatalf("defaults = %d, %v", cap(p.jobs), p.cfg.RetryBase)
	}
	if got := p.backoff(20); got != 5*time.Minute {
		t.Fatalf("backoff cap = %v", got)
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
}
