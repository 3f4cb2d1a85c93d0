package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/testutil"
)

func TestUnbanClearsStateAndAudits(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	ip := "198.51.100.20"

	if _, err := g.admin.Ban(ctx, ip, time.Hour, "alice"); err != nil {
		t.Fatal(err)
	}
	_, _, _ = g.store.Incr(ctx, keys.RateLimit(ip), time.Minute)
	_, _, _ = g.store.Incr(ctx, keys.RateStrikes(ip), time.Minute)

	existed, err := g.admin.Unban(ctx, "::ffff:"+ip, "bob")
	if err != nil || !existed {
		t.Fatalf("Unban = %v, %v", existed, err)
	}
	for _, k := range []string{keys.Ban(ip), keys.RateLimit(ip), keys.RateStrikes(ip)} {
		if ok, _ := g.store.Exists(ctx, k); ok {
			t.Errorf("%s survived unban", k)
		}
	}
	if n, _ := g.reader.ActiveBanCount(ctx); n != 0 {
		t.Errorf("active ban index = %d, want 0", n)
	}
	if ok, _ := g.store.Exists(ctx, keys.Immunity(ip)); !ok {
		t.Error("unban must grant immunity")
	}
	g.store.Advance(11 * time.Minute)
	if ok, _ := g.store.Exists(ctx, keys.Immunity(ip)); ok {
		t.Error("unban immunity should expire after 10 minutes")
	}

	actions, err := g.reader.RecentAdmin(ctx, 10)
	if err != nil || len(actions) != 2 {
		t.Fatalf("admin audit = %+v, %v", actions, err)
	}
	if actions[0].Action != audit.ActionUnban || actions[0].Actor != "bob" || actions[0].Target != ip {
		t.Fatalf("unban audit = %+v", actions[0])
	}
	if actions[1].Action != audit.ActionBan || actions[1].Actor != "alice" || actions[1].Value != "1h0m0s" {
		t.Fatalf("ban audit = %+v", actions[1])
	}
}

func TestUnbanWithoutBan(t *testing.T) {
	g := newGate(t, nil)
	existed, err := g.admin.Unban(context.Background(), "198.51.100.21", "")
	if err != nil || existed {
		t.Fatalf("Unban = %v, %v", existed, err)
	}
	actions, _ := g.reader.RecentAdmin(context.Background(), 1)
	if len(actions) != 1 || actions[0].Actor != DefaultActor {
		t.Fatalf("audit = %+v", actions)
	}
}

func TestAdminRejectsInvalidIP(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	if _, err := g.admin.Unban(ctx, "example.com", "ops"); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("Unban err = %v", err)
	}
	if _, err := g.admin.Ban(ctx, "", 0, "ops"); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("Ban err = %v", err)
	}
}

func TestManualBanOverridesImmunity(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	ip := "198.51.100.22"
	_ = g.store.Set(ctx, keys.Immunity(ip), "pow", time.Hour)

	rec, err := g.admin.Ban(ctx, ip, 0, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reason != audit.ReasonManualBan || rec.NodeType != audit.NodeSuspicious || rec.Actor != "ops" {
		t.Fatalf("ban = %+v", rec)
	}
	if d := g.ctrl.Evaluate(ctx, cleanRequest(ip)); d.State != StateBan {
		t.Fatalf("decision = %+v", d)
	}
}

func TestSetConfigAudited(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()

	if err := g.admin.SetConfig(ctx, FlagParanoia, true, "carol"); err != nil {
		t.Fatal(err)
	}
	cfg, err := g.admin.Config(ctx)
	if err != nil || !cfg[FlagParanoia] {
		t.Fatalf("Config = %v, %v", cfg, err)
	}
	if err := g.admin.SetConfig(ctx, "debugMode", true, "carol"); !errors.Is(err, ErrUnknownFlag) {
		t.Fatalf("unknown flag err = %v", err)
	}
	actions, _ := g.reader.RecentAdmin(ctx, 10)
	if len(actions) != 1 || actions[0].Action != audit.ActionSetConfig || actions[0].Value != "true" {
		t.Fatalf("audit = %+v", actions)
	}
}

func TestFlagsCacheAndInvalidate(t *testing.T) {
	s := testutil.NewMockStore()
	ctx := context.Background()
	f := NewFlags(s, keys, time.Minute)

	if v, err := f.Get(ctx, FlagParanoia); err != nil || v {
		t.Fatalf("unset flag = %v, %v", v, err)
	}
	// Written behind the cache's back: still the cached value.
	_ = s.Set(ctx, keys.Config(FlagParanoia), "true", 0)
	if v, _ := f.Get(ctx, FlagParanoia); v {
		t.Fatal("expected cached false")
	}
	if s.Calls("Get") != 1 {
		t.Fatalf("store reads = %d, want 1", s.Calls("Get"))
	}
	f.Invalidate(FlagParanoia)
	if v, _ := f.Get(ctx, FlagParanoia); !v {
		t.Fatal("expected true after invalidation")
	}

	// Set invalidates locally.
	if err := f.Set(ctx, FlagParanoia, false); err != nil {
		t.Fatal(err)
	}
	if v, _ := f.Get(ctx, FlagParanoia); v {
		t.Fatal("expected false after Set")
	}
}

func TestFlagsErrors(t *testing.T) {
	s := testutil.NewMockStore()
	f := NewFlags(s, keys, 0)
	ctx := context.Background()

	if _, err := f.Get(ctx, "nope"); !errors.Is(err, ErrUnknownFlag) {
		t.Fatalf("err = %v", err)
	}
	s.SetError("Get", errors.New("down"))
	if _, err := f.Get(ctx, FlagParanoia); err == nil {
		t.Fatal("expected store error")
	}
	_ = s.Set(ctx, keys.Config(FlagParanoia), "garbage", 0)
	if v, err := f.Get(ctx, FlagParanoia); err != nil || v {
		t.Fatalf("unparseable flag = %v, %v", v, err)
	}
}
