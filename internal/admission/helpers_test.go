package admission

import (
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/testutil"
	"github.com/developingchet/immune-gate/internal/threat"
	"github.com/rs/zerolog"
)

var keys = storage.Keys{}

type countingClassifier struct {
	inner *threat.Classifier
	calls atomic.Int32
}

func (c *countingClassifier) Classify(req threat.Request, sig threat.Signals) threat.Result {
	c.calls.Add(1)
	return c.inner.Classify(req, sig)
}

type gate struct {
	store      *testutil.MockStore
	ctrl       *Controller
	admin      *Admin
	flags      *Flags
	banner     *Banner
	engine     *challenge.Engine
	reader     *audit.Reader
	classifier *countingClassifier
}

func newGate(t *testing.T, mutate func(*Config)) *gate {
	t.Helper()
	s := testutil.NewMockStore()
	log := zerolog.Nop()
	auditLog := audit.NewLog(s, keys, 1000, log)
	engine := challenge.NewEngine(s, keys, auditLog, challenge.DefaultConfig(), log, challenge.WithClock(s.Now))
	banner := NewBanner(s, keys, auditLog, DefaultBanPolicy(), s.Now, log)
	flags := NewFlags(s, keys, 0)
	resolver, err := NewIPResolver(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	allow, err := NewNetSet([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	cc := &countingClassifier{inner: threat.New(threat.DefaultOptions())}
	ctrl := NewController(Deps{
		Store:      s,
		Keys:       keys,
		Classifier: cc,
		Challenges: engine,
		Banner:     banner,
		Flags:      flags,
		Audit:      auditLog,
		Resolver:   resolver,
		Allowlist:  allow,
		Now:        s.Now,
		Log:        log,
	}, cfg)
	return &gate{
		store:      s,
		ctrl:       ctrl,
		admin:      NewAdmin(s, keys, banner, flags, auditLog, 10*time.Minute, s.Now, log),
		flags:      flags,
		banner:     banner,
		engine:     engine,
		reader:     audit.NewReader(s, keys, audit.DefaultHealthThresholds(), s.Now, log),
		classifier: cc,
	}
}

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 Safari/605.1.15")
	h.Set("Accept", "text/html,application/json")
	h.Set("Accept-Language", "en-GB,en;q=0.9")
	return h
}

func cleanRequest(ip string) threat.Request {
	return threat.Request{IP: ip, Method: http.MethodGet, Path: "/api/items", Headers: browserHeaders()}
}

func sqliRequest(ip string) threat.Request {
	return threat.Request{
		IP: ip, Method: http.MethodGet, Path: "/api/search",
		RawQuery: "q=1%27%20OR%20%271%27%3D%271", Headers: browserHeaders(),
	}
}
