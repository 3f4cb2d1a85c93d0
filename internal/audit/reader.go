package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/threat"
	"github.com/rs/zerolog"
)

const (
	// MaxPage bounds every list read.
	MaxPage = 100
	// statsPage is the sample size used for aggregation.
	statsPage = 100
	// criticalWindow limits which critical alerts count toward health.
	criticalWindow = time.Hour
)

// HealthStatus is the coarse system state shown on the dashboard.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthThresholds are the fixed cut-offs for HealthStatus.
type HealthThresholds struct {
	CriticalBans   int64
	CriticalAlerts int
	WarningBans    int64
	WarningAlerts  int
}

// DefaultHealthThresholds returns 50/10 critical and 10/3 warning.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{CriticalBans: 50, CriticalAlerts: 10, WarningBans: 10, WarningAlerts: 3}
}

// Evaluate derives the status from the active ban count and recent critical alerts.
func (h HealthThresholds) Evaluate(activeBans int64, criticalAlerts int) HealthStatus {
	switch {
	case activeBans >= h.CriticalBans || criticalAlerts >= h.CriticalAlerts:
		return HealthCritical
	case activeBans >= h.WarningBans || criticalAlerts >= h.WarningAlerts:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Reader serves the read side of the audit lists and the active ban index.
type Reader struct {
	store  storage.Store
	keys   storage.Keys
	health HealthThresholds
	now    func() time.Time
	log    zerolog.Logger
}

// NewReader returns a Reader. now may be nil to use time.Now.
func NewReader(store storage.Store, keys storage.Keys, health HealthThresholds, now func() time.Time, log zerolog.Logger) *Reader {
	if now == nil {
		now = time.Now
	}
	return &Reader{store: store, keys: keys, health: health, now: now, log: log}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPage {
		return MaxPage
	}
	return limit
}

// readList returns up to limit of the newest decodable entries of list,
// skipping and counting corrupt ones.
func readList[T Record](ctx context.Context, r *Reader, list string, limit int) ([]T, error) {
	raws, err := r.store.LRange(ctx, r.keys.Audit(list), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read audit list %s: %w", list, err)
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		rec, err := Decode[T]([]byte(raw))
		if err != nil {
			metrics.AuditCorruptEntries.WithLabelValues(list).Inc()
			r.log.Debug().Err(err).Str("list", list).Msg("skipping corrupt audit entry")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecentBans returns ban history entries, newest first. Entries whose ban has
// since expired are included; use ActiveBans for the live set.
func (r *Reader) RecentBans(ctx context.Context, limit int) ([]BanRecord, error) {
	return readList[BanRecord](ctx, r, storage.ListBans, clampLimit(limit))
}

func (r *Reader) RecentBypasses(ctx context.Context, limit int) ([]BypassRecord, error) {
	return readList[BypassRecord](ctx, r, storage.ListBypasses, clampLimit(limit))
}

// RecentThreats returns at most 100 threat alerts regardless of limit.
func (r *Reader) RecentThreats(ctx context.Context, limit int) ([]ThreatAlert, error) {
	return readList[ThreatAlert](ctx, r, storage.ListThreats, clampLimit(limit))
}

func (r *Reader) RecentPow(ctx context.Context, limit int) ([]PowAttempt, error) {
	return readList[PowAttempt](ctx, r, storage.ListPow, clampLimit(limit))
}

func (r *Reader) RecentAdmin(ctx context.Context, limit int) ([]AdminAction, error) {
	return readList[AdminAction](ctx, r, storage.ListAdmin, clampLimit(limit))
}

func nowMs(t time.Time) float64 { return float64(t.UnixMilli()) }

// ActiveBans returns the currently live bans. The index is pruned of expired
// members first; the ban keys themselves remain the source of truth, so index
// members whose key is gone are skipped.
func (r *Reader) ActiveBans(ctx context.Context) ([]BanRecord, error) {
	now := r.now()
	index := r.keys.ActiveBans()
	if _, err := r.store.ZRemBelow(ctx, index, nowMs(now)); err != nil {
		return nil, fmt.Errorf("prune active ban index: %w", err)
	}
	ips, err := r.store.ZRangeByScore(ctx, index, nowMs(now), 0)
	if err != nil {
		return nil, fmt.Errorf("read active ban index: %w", err)
	}
	if len(ips) == 0 {
		return []BanRecord{}, nil
	}

	keys := make([]string, len(ips))
	for i, ip := range ips {
		keys[i] = r.keys.Ban(ip)
	}
	vals, err := r.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read ban records: %w", err)
	}

	out := make([]BanRecord, 0, len(vals))
	for i, v := range vals {
		if v == "" {
			continue
		}
		rec, err := Decode[BanRecord]([]byte(v))
		if err != nil {
			metrics.AuditCorruptEntries.WithLabelValues("active_bans").Inc()
			r.log.Warn().Err(err).Str("ip", ips[i]).Msg("skipping corrupt ban record")
			continue
		}
		if !rec.Active(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ActiveBanCount counts live members of the active ban index.
func (r *Reader) ActiveBanCount(ctx context.Context) (int64, error) {
	n, err := r.store.ZCount(ctx, r.keys.ActiveBans(), nowMs(r.now()))
	if err != nil {
		return 0, fmt.Errorf("count active bans: %w", err)
	}
	return n, nil
}

// Stats is the dashboard aggregate.
type Stats struct {
	Threats     ThreatStats  `json:"threats"`
	Bans        BanStats     `json:"bans"`
	Bypasses    BypassStats  `json:"bypasses"`
	Pow         PowStats     `json:"pow"`
	Health      HealthStatus `json:"health"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

type ThreatStats struct {
	Total          int64                   `json:"total"`
	Sampled        int                     `json:"sampled"`
	ByCategory     map[string]int          `json:"byCategory"`
	BySeverity     map[threat.Severity]int `json:"bySeverity"`
	RecentCritical int                     `json:"recentCritical"`
}

type BanStats struct {
	Active   int64             `json:"active"`
	Total    int64             `json:"total"`
	ByReason map[BanReason]int `json:"byReason"`
}

type BypassStats struct {
	Total        int64   `json:"total"`
	Sampled      int     `json:"sampled"`
	Approved     int     `json:"approved"`
	ApprovalRate float64 `json:"approvalRate"`
}

type PowStats struct {
	Total       int64   `json:"total"`
	Sampled     int     `json:"sampled"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"successRate"`
	AvgSolveMs  float64 `json:"avgSolveMs"`
}

// Stats aggregates bounded pages of each list and O(1) list lengths. It never
// loads a whole list.
func (r *Reader) Stats(ctx context.Context) (Stats, error) {
	now := r.now()
	st := Stats{
		Threats:     ThreatStats{ByCategory: map[string]int{}, BySeverity: map[threat.Severity]int{}},
		Bans:        BanStats{ByReason: map[BanReason]int{}},
		GeneratedAt: now,
	}

	var err error
	if st.Threats.Total, err = r.length(ctx, storage.ListThreats); err != nil {
		return Stats{}, err
	}
	if st.Bans.Total, err = r.length(ctx, storage.ListBans); err != nil {
		return Stats{}, err
	}
	if st.Bypasses.Total, err = r.length(ctx, storage.ListBypasses); err != nil {
		return Stats{}, err
	}
	if st.Pow.Total, err = r.length(ctx, storage.ListPow); err != nil {
		return Stats{}, err
	}
	if st.Bans.Active, err = r.ActiveBanCount(ctx); err != nil {
		return Stats{}, err
	}

	threats, err := r.RecentThreats(ctx, statsPage)
	if err != nil {
		return Stats{}, err
	}
	st.Threats.Sampled = len(threats)
	for _, a := range threats {
		st.Threats.ByCategory[a.Category]++
		st.Threats.BySeverity[a.Severity]++
		if a.Severity == threat.SeverityCritical && now.Sub(a.Timestamp) <= criticalWindow {
			st.Threats.RecentCritical++
		}
	}

	bans, err := r.RecentBans(ctx, statsPage)
	if err != nil {
		return Stats{}, err
	}
	for _, b := range bans {
		st.Bans.ByReason[b.Reason]++
	}

	bypasses, err := r.RecentBypasses(ctx, statsPage)
	if err != nil {
		return Stats{}, err
	}
	st.Bypasses.Sampled = len(bypasses)
	for _, b := range bypasses {
		if b.Approved() {
			st.Bypasses.Approved++
		}
	}
	st.Bypasses.ApprovalRate = ratio(st.Bypasses.Approved, st.Bypasses.Sampled)

	pows, err := r.RecentPow(ctx, statsPage)
	if err != nil {
		return Stats{}, err
	}
	st.Pow.Sampled = len(pows)
	var solveTotal int64
	for _, p := range pows {
		if p.Valid {
			st.Pow.Succeeded++
			solveTotal += p.SolveMs
		}
	}
	st.Pow.SuccessRate = ratio(st.Pow.Succeeded, st.Pow.Sampled)
	if st.Pow.Succeeded > 0 {
		st.Pow.AvgSolveMs = float64(solveTotal) / float64(st.Pow.Succeeded)
	}

	st.Health = r.health.Evaluate(st.Bans.Active, st.Threats.RecentCritical)
	return st, nil
}

func (r *Reader) length(ctx context.Context, list string) (int64, error) {
	n, err := r.store.LLen(ctx, r.keys.Audit(list))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("length of audit list %s: %w", list, err)
	}
	return n, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
