package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidIP is returned when an admin target is not an IP address.
var ErrInvalidIP = errors.New("admission: invalid ip address")

// DefaultActor is recorded when an admin request names no actor.
const DefaultActor = "admin"

// Admin performs privileged operations. Every successful call is audited
// with its actor.
type Admin struct {
	store       storage.Store
	keys        storage.Keys
	banner      *Banner
	flags       *Flags
	audit       *audit.Log
	immunityTTL time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewAdmin returns an Admin. unbanImmunity is granted after every unban.
func NewAdmin(store storage.Store, keys storage.Keys, banner *Banner, flags *Flags, auditLog *audit.Log, unbanImmunity time.Duration, now func() time.Time, log zerolog.Logger) *Admin {
	if now == nil {
		now = time.Now
	}
	return &Admin{
		store: store, keys: keys, banner: banner, flags: flags, audit: auditLog,
		immunityTTL: unbanImmunity, now: now, log: log,
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return DefaultActor
	}
	return actor
}

func (a *Admin) record(ctx context.Context, actor, action, target, value string) {
	a.audit.Record(ctx, audit.AdminAction{
		ID:        uuid.NewString(),
		Timestamp: a.now().UTC(),
		Actor:     actorOr(actor),
		Action:    action,
		Target:    target,
		Value:     value,
	})
}

// Unban lifts any ban on ip, clears its rate-limit counters and grants a short
// immunity so stale signals cannot re-ban it immediately. It reports whether
// a ban was active.
func (a *Admin) Unban(ctx context.Context, ip, actor string) (bool, error) {
	canon := CanonicalIP(ip)
	if canon == "" {
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	existed, err := a.banner.Lift(ctx, canon)
	if err != nil {
		return false, err
	}
	if a.immunityTTL > 0 {
		if err := a.store.Set(ctx, a.keys.Immunity(canon), "unban", a.immunityTTL); err != nil {
			return existed, fmt.Errorf("grant unban immunity for %s: %w", canon, err)
		}
	}
	a.record(ctx, actor, audit.ActionUnban, canon, "")
	metrics.Unbans.WithLabelValues("admin").Inc()
	a.log.Info().Str("ip", canon).Str("actor", actorOr(actor)).Bool("was_banned", existed).Msg("client unbanned")
	return existed, nil
}

// Ban writes a manual ban. duration <= 0 uses the escalated ban TTL.
func (a *Admin) Ban(ctx context.Context, ip string, duration time.Duration, actor string) (audit.BanRecord, error) {
	canon := CanonicalIP(ip)
	if canon == "" {
		return audit.BanRecord{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	rec, err := a.banner.Ban(ctx, BanRequest{
		IP:       canon,
		Reason:   audit.ReasonManualBan,
		NodeType: audit.NodeSuspicious,
		Actor:    actorOr(actor),
		Duration: duration,
	})
	if err != nil {
		return audit.BanRecord{}, err
	}
	// A manual ban overrides any immunity the client held.
	if _, err := a.store.Del(ctx, a.keys.Immunity(canon)); err != nil {
		a.log.Warn().Err(err).Str("ip", canon).Msg("clear immunity after manual ban failed")
	}
	a.record(ctx, actor, audit.ActionBan, canon, rec.ExpiresAt.Sub(rec.Timestamp).String())
	return rec, nil
}

// SetConfig writes a SystemConfig flag.
func (a *Admin) SetConfig(ctx context.Context, flag string, value bool, actor string) error {
	if err := a.flags.Set(ctx, flag, value); err != nil {
		return err
	}
	a.record(ctx, actor, audit.ActionSetConfig, flag, strconv.FormatBool(value))
	a.log.Info().Str("flag", flag).Bool("value", value).Str("actor", actorOr(actor)).Msg("config updated")
	return nil
}

// Config returns every known flag.
func (a *Admin) Config(ctx context.Context) (map[string]bool, error) {
	return a.flags.All(ctx)
}
