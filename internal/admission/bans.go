package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/rs/zerolog"
)

// BanPolicy controls ban duration.
type BanPolicy struct {
	BaseTTL    time.Duration
	Escalation float64
	MaxTTL     time.Duration
	// HistoryTTL is how long the offense counter behind escalation survives.
	HistoryTTL time.Duration
}

// DefaultBanPolicy returns 1h doubling per prior offense, capped at 7 days.
func DefaultBanPolicy() BanPolicy {
	return BanPolicy{BaseTTL: time.Hour, Escalation: 2, MaxTTL: 7 * 24 * time.Hour, HistoryTTL: 30 * 24 * time.Hour}
}

// TTL returns BaseTTL × Escalation^previous, capped at MaxTTL.
func (p BanPolicy) TTL(previous int) time.Duration {
	if previous < 0 {
		previous = 0
	}
	factor := p.Escalation
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseTTL) * math.Pow(factor, float64(previous))
	if p.MaxTTL > 0 && (d > float64(p.MaxTTL) || math.IsInf(d, 1)) {
		return p.MaxTTL
	}
	return time.Duration(d)
}

// BanRequest describes a ban to write.
type BanRequest struct {
	IP          string
	Reason      audit.BanReason
	NodeType    audit.NodeType
	ThreatScore float64
	Actor       string
	// Duration overrides the escalated TTL when positive.
	Duration time.Duration
}

// Banner writes and lifts bans. The TTL'd ban key is the single source of
// truth; the sorted index only serves listing and counting.
type Banner struct {
	store  storage.Store
	keys   storage.Keys
	audit  *audit.Log
	policy BanPolicy
	now    func() time.Time
	log    zerolog.Logger
}

// NewBanner returns a Banner. now may be nil to use time.Now.
func NewBanner(store storage.Store, keys storage.Keys, auditLog *audit.Log, policy BanPolicy, now func() time.Time, log zerolog.Logger) *Banner {
	if now == nil {
		now = time.Now
	}
	return &Banner{store: store, keys: keys, audit: auditLog, policy: policy, now: now, log: log}
}

// Ban writes the ban key, indexes it and appends ban history.
func (b *Banner) Ban(ctx context.Context, req BanRequest) (audit.BanRecord, error) {
	offenses, _, err := b.store.Incr(ctx, b.keys.BanOffenses(req.IP), b.policy.HistoryTTL)
	if err != nil {
		return audit.BanRecord{}, fmt.Errorf("count offenses for %s: %w", req.IP, err)
	}
	previous := int(offenses - 1)

	ttl := req.Duration
	if ttl <= 0 {
		ttl = b.policy.TTL(previous)
	}
	now := b.now().UTC()
	rec := audit.BanRecord{
		IP:               req.IP,
		Reason:           req.Reason,
		Timestamp:        now,
		ExpiresAt:        now.Add(ttl),
		NodeType:         req.NodeType,
		PreviousBanCount: previous,
		ThreatScore:      req.ThreatScore,
		Actor:            req.Actor,
	}
	raw, err := audit.Encode(rec)
	if err != nil {
		return audit.BanRecord{}, fmt.Errorf("encode ban: %w", err)
	}
	if err := b.store.Set(ctx, b.keys.Ban(req.IP), string(raw), ttl); err != nil {
		return audit.BanRecord{}, fmt.Errorf("write ban for %s: %w", req.IP, err)
	}
	if err := b.store.ZAdd(ctx, b.keys.ActiveBans(), req.IP, float64(rec.ExpiresAt.UnixMilli())); err != nil {
		// Index is best effort; the ban key is already written.
		b.log.Warn().Err(err).Str("ip", req.IP).Msg("index ban failed")
	}
	b.audit.Record(ctx, rec)

	metrics.BansIssued.WithLabelValues(string(req.Reason)).Inc()
	b.log.Warn().
		Str("ip", req.IP).
		Str("reason", string(req.Reason)).
		Int("previous_bans", previous).
		Dur("ttl", ttl).
		Float64("threat_score", req.ThreatScore).
		Msg("client banned")
	return rec, nil
}

// Current returns the live ban for ip, or storage.ErrNotFound.
func (b *Banner) Current(ctx context.Context, ip string) (audit.BanRecord, error) {
	raw, err := b.store.Get(ctx, b.keys.Ban(ip))
	if err != nil {
		return audit.BanRecord{}, err
	}
	rec, err := audit.Decode[audit.BanRecord]([]byte(raw))
	if err != nil {
		return audit.BanRecord{}, fmt.Errorf("ban for %s: %w", ip, err)
	}
	return rec, nil
}

// Lift removes the ban for ip along with its rate-limit counters. It reports
// whether a ban key existed.
func (b *Banner) Lift(ctx context.Context, ip string) (bool, error) {
	n, err := b.store.Del(ctx, b.keys.Ban(ip))
	if err != nil {
		return false, fmt.Errorf("delete ban for %s: %w", ip, err)
	}
	if _, err := b.store.Del(ctx, b.keys.RateLimit(ip), b.keys.RateStrikes(ip)); err != nil {
		return n == 1, fmt.Errorf("clear counters for %s: %w", ip, err)
	}
	if err := b.store.ZRem(ctx, b.keys.ActiveBans(), ip); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.log.Warn().Err(err).Str("ip", ip).Msg("unindex ban failed")
	}
	return n == 1, nil
}
