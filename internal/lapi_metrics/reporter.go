// Package lapi_metrics reports the gate's remediations to a CrowdSec LAPI
// through the /v1/usage-metrics endpoint.
package lapi_metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/immune-gate/internal/capabilities"
	"github.com/rs/zerolog"
)

const minInterval = 10 * time.Minute

// Reporter accumulates remediation counts and pushes them on an interval.
// It implements admission.UsageRecorder.
type Reporter struct {
	lapiURL     string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[originKey]int64
	processed int64
}

type originKey struct {
	origin          string
	remediationType string
}

type metricEntry struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type osMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type windowMeta struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type component struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       osMeta        `json:"os"`
	Features []string      `json:"features"`
	Meta     windowMeta    `json:"meta"`
	Metrics  []metricEntry `json:"metrics"`
}

type payload struct {
	RemediationComponents []component `json:"remediation_components"`
}

// NewReporter constructs a Reporter. A positive interval below 10m is raised
// to 10m; zero disables pushing.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	if interval > 0 && interval < minInterval {
		log.Warn().
			Dur("requested", interval).
			Dur("enforced", minInterval).
			Msg("LAPI_METRICS_PUSH_INTERVAL below minimum; clamping to 10m")
		interval = minInterval
	}
	return &Reporter{
		lapiURL:     lapiURL,
		apiKey:      apiKey,
		version:     version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		blocked:     make(map[originKey]int64),
	}
}

// RecordRemediation counts one request that was banned or challenged.
func (r *Reporter) RecordRemediation(origin, remediationType string) {
	r.mu.Lock()
	r.blocked[originKey{origin, remediationType}]++
	r.mu.Unlock()
}

// RecordProcessed counts one request that went through admission.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// Run pushes on every tick and once more on shutdown. It returns immediately
// when the interval is zero.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval == 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.push(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return
		}
	}
}

// snapshot returns and resets the counters.
func (r *Reporter) snapshot() (map[originKey]int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blocked, processed := r.blocked, r.processed
	r.blocked = make(map[originKey]int64)
	r.processed = 0
	return blocked, processed
}

func (r *Reporter) push(ctx context.Context) error {
	blocked, processed := r.snapshot()

	items := make([]metricEntry, 0, len(blocked)+1)
	for key, count := range blocked {
		if count <= 0 {
			continue
		}
		items = append(items, metricEntry{
			Name:  "blocked",
			Value: count,
			Unit:  "request",
			Labels: map[string]string{
				"origin":           key.origin,
				"remediation_type": key.remediationType,
			},
		})
	}
	items = append(items, metricEntry{Name: "processed", Value: processed, Unit: "request"})

	osName, osVersion := detectOS()
	body, err := json.Marshal(payload{
		RemediationComponents: []component{{
			Type:     capabilities.BouncerType,
			Version:  r.version,
			Os:       osMeta{Name: osName, Version: osVersion},
			Features: []string{},
			Meta: windowMeta{
				WindowSizeSeconds:   int64(r.interval.Seconds()),
				UtcStartupTimestamp: r.startupTime.Unix(),
				UtcNowTimestamp:     time.Now().Unix(),
			},
			Metrics: items,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", capabilities.UserAgent(r.version))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("lapi usage-metrics returned non-2xx")
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release when
// readable.
func detectOS() (name, version string) {
	name = runtime.GOOS

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if val, ok := strings.CutPrefix(scanner.Text(), "VERSION_ID="); ok {
			return name, strings.Trim(val, `"`)
		}
	}
	return name, ""
}
