package admission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/threat"
)

func TestEvaluateCleanRequestAllowed(t *testing.T) {
	g := newGate(t, nil)
	d := g.ctrl.Evaluate(context.Background(), cleanRequest("198.51.100.1"))
	if d.State != StateAllow || d.Reason != ReasonClassified {
		t.Fatalf("decision = %+v", d)
	}
	if d.Threat == nil || d.Threat.Score != 0 {
		t.Fatalf("threat = %+v", d.Threat)
	}
	if alerts, _ := g.reader.RecentThreats(context.Background(), 10); len(alerts) != 0 {
		t.Fatalf("zero-score request produced %d alerts", len(alerts))
	}
}

func TestEvaluateInjectionBans(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()

	d := g.ctrl.Evaluate(ctx, sqliRequest("198.51.100.2"))
	if d.State != StateBan || d.Reason != ReasonClassified {
		t.Fatalf("decision = %+v", d)
	}
	if d.Ban == nil || d.Ban.Reason != audit.ReasonByzantine || d.Ban.NodeType != audit.NodeHostile {
		t.Fatalf("ban = %+v", d.Ban)
	}
	if got := d.Ban.ExpiresAt.Sub(d.Ban.Timestamp); got != time.Hour {
		t.Fatalf("first ban ttl = %v, want 1h", got)
	}

	bans, err := g.reader.ActiveBans(ctx)
	if err != nil || len(bans) != 1 || bans[0].IP != "198.51.100.2" {
		t.Fatalf("ActiveBans = %+v, %v", bans, err)
	}
	alerts, _ := g.reader.RecentThreats(ctx, 10)
	if len(alerts) != 1 || alerts[0].Action != threat.ActionBan || alerts[0].Severity != threat.SeverityCritical {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestBannedClientIsNeverClassified(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()

	if _, err := g.admin.Ban(ctx, "198.51.100.3", 0, "ops"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	for i := 0; i < 3; i++ {
		d := g.ctrl.Evaluate(ctx, cleanRequest("198.51.100.3"))
		if d.State != StateBan || d.Reason != ReasonBanned {
			t.Fatalf("decision = %+v", d)
		}
	}
	if n := g.classifier.calls.Load(); n != 0 {
		t.Fatalf("classifier called %d times for a banned client", n)
	}
}

func TestUnbanImmunityPreventsImmediateReban(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	ip := "198.51.100.4"

	if d := g.ctrl.Evaluate(ctx, sqliRequest(ip)); d.State != StateBan {
		t.Fatalf("first decision = %+v", d)
	}
	existed, err := g.admin.Unban(ctx, ip, "ops")
	if err != nil || !existed {
		t.Fatalf("Unban = %v, %v", existed, err)
	}

	calls := g.classifier.calls.Load()
	d := g.ctrl.Evaluate(ctx, sqliRequest(ip))
	if d.State != StateAllow || d.Reason != ReasonImmune {
		t.Fatalf("decision after unban = %+v", d)
	}
	if g.classifier.calls.Load() != calls {
		t.Fatal("immune client must not be classified")
	}

	g.store.Advance(11 * time.Minute)
	d = g.ctrl.Evaluate(ctx, sqliRequest(ip))
	if d.State != StateBan || d.Ban == nil {
		t.Fatalf("decision after immunity = %+v", d)
	}
	if d.Ban.PreviousBanCount != 1 || d.Ban.ExpiresAt.Sub(d.Ban.Timestamp) != 2*time.Hour {
		t.Fatalf("repeat ban = %+v, want escalated 2h", d.Ban)
	}
}

func TestRateLimitWindow(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	ip := "198.51.100.5"

	for i := 1; i <= 10; i++ {
		if d := g.ctrl.Evaluate(ctx, cleanRequest(ip)); d.State != StateAllow {
			t.Fatalf("request %d = %+v", i, d)
		}
	}
	d := g.ctrl.Evaluate(ctx, cleanRequest(ip))
	if d.State != StateRateLimited || d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("11th request = %+v", d)
	}
	if ok, _ := g.store.Exists(ctx, keys.Ban(ip)); ok {
		t.Fatal("rate limiting alone must not ban")
	}

	g.store.Advance(61 * time.Second)
	if d := g.ctrl.Evaluate(ctx, cleanRequest(ip)); d.State != StateAllow {
		t.Fatalf("request after window = %+v", d)
	}
}

func TestRateLimitStrikesEscalateToBan(t *testing.T) {
	g := newGate(t, func(c *Config) { c.RateLimitStrikes = 3 })
	ctx := context.Background()
	ip := "198.51.100.6"

	for i := 0; i < 10; i++ {
		g.ctrl.Evaluate(ctx, cleanRequest(ip))
	}
	for i := 0; i < 2; i++ {
		if d := g.ctrl.Evaluate(ctx, cleanRequest(ip)); d.State != StateRateLimited {
			t.Fatalf("strike %d = %+v", i+1, d)
		}
	}
	d := g.ctrl.Evaluate(ctx, cleanRequest(ip))
	if d.State != StateBan || d.Reason != ReasonRateAbuse || d.Ban.Reason != audit.ReasonRateLimitAbuse {
		t.Fatalf("third strike = %+v", d)
	}
	if d := g.ctrl.Evaluate(ctx, cleanRequest(ip)); d.Reason != ReasonBanned {
		t.Fatalf("after abuse ban = %+v", d)
	}
}

func TestChallengeIssuedForSuspiciousRequest(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()

	req := cleanRequest("198.51.100.7")
	req.Path = "/.env"
	req.RawQuery = "x=1"
	d := g.ctrl.Evaluate(ctx, req)
	if d.State != StateChallenge || d.Challenge == nil {
		t.Fatalf("decision = %+v", d)
	}
	if d.Challenge.Difficulty != 2 || d.Challenge.ReturnTo != "/.env?x=1" {
		t.Fatalf("challenge = %+v", d.Challenge)
	}
	if _, err := g.engine.Get(ctx, d.Challenge.ID); err != nil {
		t.Fatalf("challenge not stored: %v", err)
	}
	alerts, _ := g.reader.RecentThreats(ctx, 10)
	if len(alerts) != 1 || alerts[0].Action != threat.ActionChallenge || alerts[0].Category != threat.CategoryReconnaissance {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestParanoiaModeLowersThresholds(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()
	bare := threat.Request{IP: "198.51.100.8", Method: http.MethodGet, Path: "/api/items", Headers: http.Header{}}

	if d := g.ctrl.Evaluate(ctx, bare); d.State != StateAllow {
		t.Fatalf("normal mode = %+v", d)
	}
	if err := g.admin.SetConfig(ctx, FlagParanoia, true, "ops"); err != nil {
		t.Fatal(err)
	}
	if d := g.ctrl.Evaluate(ctx, bare); d.State != StateChallenge {
		t.Fatalf("paranoid mode = %+v", d)
	}
}

func TestStoreFailureModes(t *testing.T) {
	cases := []struct {
		name     string
		failOpen bool
		want     State
		reason   string
	}{
		{"closed", false, StateUnavailable, ReasonStoreError},
		{"open", true, StateAllow, ReasonFailOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(t, func(c *Config) { c.FailOpen = tc.failOpen })
			g.store.SetError("Exists", errors.New("connection refused"))
			d := g.ctrl.Evaluate(context.Background(), cleanRequest("198.51.100.9"))
			if d.State != tc.want || d.Reason != tc.reason {
				t.Fatalf("decision = %+v", d)
			}
		})
	}
}

func TestExemptAndAllowlisted(t *testing.T) {
	g := newGate(t, nil)
	ctx := context.Background()

	for _, path := range []string{"/challenge", "/challenge/verify", "/admin/immune/bans", "/healthz"} {
		req := sqliRequest("198.51.100.10")
		req.Path = path
		if d := g.ctrl.Evaluate(ctx, req); d.State != StateAllow || d.Reason != ReasonExempt {
			t.Errorf("%s = %+v", path, d)
		}
	}
	req := sqliRequest("198.51.100.10")
	req.Path = "/challenges-archive"
	if d := g.ctrl.Evaluate(ctx, req); d.Reason == ReasonExempt {
		t.Error("prefix match must respect path segments")
	}

	if d := g.ctrl.Evaluate(ctx, sqliRequest("192.0.2.44")); d.State != StateAllow || d.Reason != ReasonAllowlisted {
		t.Fatalf("allowlisted = %+v", d)
	}
}

func TestEvaluateWithoutClientIP(t *testing.T) {
	g := newGate(t, nil)
	if d := g.ctrl.Evaluate(context.Background(), cleanRequest("")); d.State != StateUnavailable || d.Reason != ReasonNoClientIP {
		t.Fatalf("decision = %+v", d)
	}
}

func TestBanPolicyTTL(t *testing.T) {
	p := DefaultBanPolicy()
	cases := []struct {
		prev int
		want time.Duration
	}{
		{0, time.Hour},
		{1, 2 * time.Hour},
		{3, 8 * time.Hour},
		{7, 128 * time.Hour},
		{8, 168 * time.Hour},
		{500, 168 * time.Hour},
	}
	for _, tc := range cases {
		if got := p.TTL(tc.prev); got != tc.want {
			t.Errorf("TTL(%d) = %v, want %v", tc.prev, got, tc.want)
		}
	}
}

type usageCounter struct {
	processed   int
	remediation map[string]int
}

func (u *usageCounter) RecordProcessed() { u.processed++ }

func (u *usageCounter) RecordRemediation(origin, kind string) {
	u.remediation[origin+"/"+kind]++
}

func TestUsageRecorder(t *testing.T) {
	g := newGate(t, nil)
	u := &usageCounter{remediation: map[string]int{}}
	g.ctrl.d.Usage = u
	ctx := context.Background()

	g.ctrl.Evaluate(ctx, cleanRequest("198.51.100.30"))
	g.ctrl.Evaluate(ctx, sqliRequest("198.51.100.31"))
	g.ctrl.Evaluate(ctx, cleanRequest("198.51.100.31"))
	env := cleanRequest("198.51.100.32")
	env.Path = "/.env"
	g.ctrl.Evaluate(ctx, env)
	exempt := cleanRequest("198.51.100.33")
	exempt.Path = "/healthz"
	g.ctrl.Evaluate(ctx, exempt)

	if u.processed != 4 {
		t.Fatalf("processed = %d, want 4", u.processed)
	}
	if u.remediation["immune-gate/ban"] != 2 || u.remediation["immune-gate/captcha"] != 1 {
		t.Fatalf("remediations = %v", u.remediation)
	}
}

type bannedChallenger struct {
	Challenger
}

func (bannedChallenger) Issue(context.Context, string, int, string) (challenge.Challenge, error) {
	return challenge.Challenge{}, challenge.ErrBanned
}

func TestChallengeForClientBannedMidEvaluation(t *testing.T) {
	g := newGate(t, nil)
	g.ctrl.d.Challenges = bannedChallenger{Challenger: g.engine}

	req := cleanRequest("198.51.100.9")
	req.Path = "/.env"
	d := g.ctrl.Evaluate(context.Background(), req)
	if d.State != StateBan || d.Reason != ReasonBanned {
		t.Fatalf("decision = %+v, want ban", d)
	}
}
