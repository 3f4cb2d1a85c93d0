package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/config"
	"github.com/developingchet/immune-gate/internal/testutil"
	"github.com/rs/zerolog"
)

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("ADMIN_API_KEY", "0123456789abcdef-admin")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestNewWithoutFeed(t *testing.T) {
	cfg := loadConfig(t, nil)
	g, err := New(cfg, testutil.NewMockStore(), "test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if g.Feed != nil || g.Reporter != nil {
		t.Error("feed components should be nil when CrowdSec is disabled")
	}
	if g.Controller == nil || g.Janitor == nil || g.Admin == nil {
		t.Error("core components missing")
	}
	if g.Keys.Prefix != "immune:" {
		t.Errorf("prefix = %q", g.Keys.Prefix)
	}
}

func TestNewWithFeed(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"CROWDSEC_ENABLED":  "true",
		"CROWDSEC_LAPI_KEY": "lapi-key",
		"BLOCK_WHITELIST":   "203.0.113.0/24",
	})
	g, err := New(cfg, testutil.NewMockStore(), "test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if g.Feed == nil || g.Reporter == nil {
		t.Fatal("feed components should be wired when CrowdSec is enabled")
	}
	if g.Feed.Pool() == nil {
		t.Error("feed pool missing")
	}
}

func TestNewRejectsBadNetworks(t *testing.T) {
	cfg := loadConfig(t, nil)
	cfg.TrustedProxies = []string{"not-a-network"}
	if _, err := New(cfg, testutil.NewMockStore(), "test", zerolog.Nop()); err == nil {
		t.Fatal("expected error for an invalid trusted proxy")
	}
}

func TestControllerConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"FAIL_MODE":              "open",
		"CHALLENGE_THRESHOLD":    "0.4",
		"PARANOID_BAN_THRESHOLD": "0.6",
		"RATE_LIMIT_MAX":         "25",
		"EXEMPT_PREFIXES":        "/challenge,/static",
	})
	got := controllerConfig(cfg)
	if !got.FailOpen {
		t.Error("FailOpen = false, want true")
	}
	if got.Policy.Normal.Challenge != 0.4 || got.Policy.Paranoid.Ban != 0.6 {
		t.Errorf("policy = %+v", got.Policy)
	}
	if got.RateLimitMax != 25 {
		t.Errorf("RateLimitMax = %d", got.RateLimitMax)
	}
	if len(got.ExemptPrefixes) != 2 || got.ExemptPrefixes[1] != "/static" {
		t.Errorf("ExemptPrefixes = %v", got.ExemptPrefixes)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"LISTEN_ADDR":      "127.0.0.1:0",
		"HEALTH_ADDR":      "127.0.0.1:0",
		"METRICS_ADDR":     "127.0.0.1:0",
		"JANITOR_INTERVAL": "10ms",
	})
	s := testutil.NewMockStore()
	g, err := New(cfg, s, "test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Calls("ZCount") < 1 {
		t.Error("janitor never ticked")
	}
}
