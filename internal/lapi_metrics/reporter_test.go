package lapi_metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/immune-gate/internal/capabilities"
	"github.com/rs/zerolog"
)

type captured struct {
	header http.Header
	body   payload
}

type captureHandler struct {
	mu     sync.Mutex
	status int
	reqs   []captured
}

func (c *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.reqs = append(c.reqs, captured{header: r.Header.Clone(), body: p})
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (c *captureHandler) all() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured(nil), c.reqs...)
}

func newTestReporter(t *testing.T, interval time.Duration) (*Reporter, *captureHandler) {
	t.Helper()
	h := &captureHandler{}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewReporter(srv.URL+"/", "lapi-key", "1.2.3", interval, zerolog.Nop()), h
}

func metricsByKey(c component) map[string]int64 {
	out := map[string]int64{}
	for _, m := range c.Metrics {
		key := m.Name
		if m.Labels != nil {
			key += ":" + m.Labels["origin"] + ":" + m.Labels["remediation_type"]
		}
		out[key] = m.Value
	}
	return out
}

func TestIntervalClamping(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                0,
		5 * time.Minute:  10 * time.Minute,
		10 * time.Minute: 10 * time.Minute,
		30 * time.Minute: 30 * time.Minute,
	}
	for in, want := range cases {
		if got := NewReporter("http://localhost", "k", "v", in, zerolog.Nop()).interval; got != want {
			t.Errorf("interval(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestPushPayload(t *testing.T) {
	r, h := newTestReporter(t, 10*time.Minute)
	for i := 0; i < 3; i++ {
		r.RecordRemediation("immune-gate", "ban")
	}
	r.RecordRemediation("immune-gate", "captcha")
	for i := 0; i < 10; i++ {
		r.RecordProcessed()
	}

	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	reqs := h.all()
	if len(reqs) != 1 || len(reqs[0].body.RemediationComponents) != 1 {
		t.Fatalf("requests = %+v", reqs)
	}
	c := reqs[0].body.RemediationComponents[0]
	if c.Type != capabilities.BouncerType || c.Version != "1.2.3" || c.Os.Name == "" || c.Features == nil {
		t.Fatalf("component = %+v", c)
	}
	if c.Meta.WindowSizeSeconds != 600 || c.Meta.UtcNowTimestamp < c.Meta.UtcStartupTimestamp {
		t.Fatalf("meta = %+v", c.Meta)
	}
	got := metricsByKey(c)
	want := map[string]int64{
		"blocked:immune-gate:ban":     3,
		"blocked:immune-gate:captcha": 1,
		"processed":                   10,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}

	hdr := reqs[0].header
	if hdr.Get("X-Api-Key") != "lapi-key" || hdr.Get("User-Agent") != "crowdsec-immune-gate/v1.2.3" {
		t.Fatalf("headers = %v", hdr)
	}
}

func TestPushResetsCounters(t *testing.T) {
	r, h := newTestReporter(t, 10*time.Minute)
	r.RecordRemediation("immune-gate", "ban")
	r.RecordProcessed()
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := metricsByKey(h.all()[1].body.RemediationComponents[0])
	if len(second) != 1 || second["processed"] != 0 {
		t.Fatalf("second push = %v", second)
	}
}

func TestPushNon2xxIsNotAnError(t *testing.T) {
	r, h := newTestReporter(t, 10*time.Minute)
	h.status = http.StatusForbidden
	if err := r.push(context.Background()); err != nil {
		t.Fatalf("push = %v", err)
	}
}

func TestPushUnreachable(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1", "k", "v", 10*time.Minute, zerolog.Nop())
	if err := r.push(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRunDisabled(t *testing.T) {
	r, h := newTestReporter(t, 0)
	done := make(chan struct{})
	go func() { r.Run(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval did not return")
	}
	if len(h.all()) != 0 {
		t.Fatal("disabled reporter pushed")
	}
}

func TestRunFinalPushOnShutdown(t *testing.T) {
	r, h := newTestReporter(t, 10*time.Minute)
	r.RecordRemediation("immune-gate", "ban")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	cancel()
	<-done

	reqs := h.all()
	if len(reqs) != 1 || metricsByKey(reqs[0].body.RemediationComponents[0])["blocked:immune-gate:ban"] != 1 {
		t.Fatalf("final push = %+v", reqs)
	}
}

func TestConcurrentRecording(t *testing.T) {
	r, h := newTestReporter(t, 10*time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.RecordRemediation("immune-gate", "ban")
				r.RecordProcessed()
			}
		}()
	}
	wg.Wait()
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := metricsByKey(h.all()[0].body.RemediationComponents[0])
	if got["blocked:immune-gate:ban"] != 1000 || got["processed"] != 1000 {
		t.Fatalf("counts = %v", got)
	}
}
