// Package trust decides bypass requests from clients that cannot solve a
// proof-of-work challenge.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest is returned for requests that are rejected before any
// state is touched. No audit entry is written for them.
var ErrInvalidRequest = errors.New("trust: invalid bypass request")

const (
	msgQuota       = "daily bypass limit reached"
	msgNoChallenge = "challenge expired or unknown"
	msgReplay      = "challenge already used"
	msgBanned      = "access denied"
	msgOtherClient = "challenge was issued to a different client"
	msgLowTrust    = "unable to verify this request; please solve the challenge"
	msgUnavailable = "bypass temporarily unavailable"

	warnLowTrust = "limited trust: access granted for a shortened period"
)

// Interaction is the client telemetry collected on the challenge page.
type Interaction struct {
	TimeOnPageMs   int64
	MouseMovements int
}

// BypassRequest is one bypass call.
type BypassRequest struct {
	ChallengeID string
	Reason      audit.BypassReason
	Interaction Interaction
	UserAgent   string
	// Timestamp is the client's clock at submission.
	Timestamp time.Time
	IP        string
}

// Outcome is the decision returned to the client. Success is the same value
// persisted in the BypassRecord.
type Outcome struct {
	Success    bool
	Warning    string
	Message    string
	TrustScore int
	Factors    []string
	ReturnTo   string
}

// Config holds the evaluator's policy.
type Config struct {
	DailyQuota          int
	MinTrust            int
	HighTrust           int
	ImmunityTTL         time.Duration
	LowTrustImmunityTTL time.Duration
}

// DefaultConfig returns 3 bypasses per day, acceptance at 40, full trust at 70.
func DefaultConfig() Config {
	return Config{
		DailyQuota:          3,
		MinTrust:            40,
		HighTrust:           70,
		ImmunityTTL:         time.Hour,
		LowTrustImmunityTTL: 15 * time.Minute,
	}
}

// Challenges is the subset of the challenge engine a bypass needs.
type Challenges interface {
	Get(ctx context.Context, id string) (challenge.Challenge, error)
	Consume(ctx context.Context, id string) (bool, error)
	Banned(ctx context.Context, ip string) (bool, error)
}

// Evaluator scores and records bypass requests.
type Evaluator struct {
	store      storage.Store
	keys       storage.Keys
	challenges Challenges
	audit      *audit.Log
	cfg        Config
	now        func() time.Time
	log        zerolog.Logger
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the evaluator's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator returns an Evaluator.
func NewEvaluator(store storage.Store, keys storage.Keys, challenges Challenges, auditLog *audit.Log, cfg Config, log zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{store: store, keys: keys, challenges: challenges, audit: auditLog, cfg: cfg, now: time.Now, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestBypass evaluates req and writes exactly one BypassRecord for every
// request that passes input validation.
func (e *Evaluator) RequestBypass(ctx context.Context, req BypassRequest) (Outcome, error) {
	if err := validate(req); err != nil {
		return Outcome{}, err
	}
	now := e.now().UTC()
	score, factors := Score(req, now)
	out := e.decide(ctx, req, now, score, factors)

	e.audit.Record(ctx, audit.BypassRecord{
		ID:          uuid.NewString(),
		Timestamp:   now,
		IP:          req.IP,
		ChallengeID: req.ChallengeID,
		Reason:      req.Reason,
		TrustScore:  out.TrustScore,
		Success:     out.Success,
		Warning:     out.Warning,
		Message:     out.Message,
		Factors:     out.Factors,
	})

	result := "rejected"
	if out.Success {
		result = "approved"
	}
	metrics.Bypasses.WithLabelValues(string(req.Reason), result).Inc()
	e.log.Info().Str("ip", req.IP).Str("challenge_id", req.ChallengeID).Str("reason", string(req.Reason)).
		Int("trust_score", out.TrustScore).Bool("success", out.Success).Msg("bypass evaluated")
	return out, nil
}

func (e *Evaluator) decide(ctx context.Context, req BypassRequest, now time.Time, score int, factors []string) Outcome {
	reject := func(msg string, extra ...string) Outcome {
		return Outcome{Message: msg, TrustScore: score, Factors: append(factors, extra...)}
	}

	banned, err := e.challenges.Banned(ctx, req.IP)
	if err != nil {
		e.log.Warn().Err(err).Str("ip", req.IP).Msg("bypass ban check failed")
		return reject(msgUnavailable)
	}
	if banned {
		return reject(msgBanned, "banned")
	}

	n, _, err := e.store.Incr(ctx, e.keys.BypassDaily(req.IP, now), 24*time.Hour)
	if err != nil {
		e.log.Warn().Err(err).Str("ip", req.IP).Msg("bypass quota check failed")
		return reject(msgUnavailable)
	}
	if n > int64(e.cfg.DailyQuota) {
		return reject(msgQuota, "daily_quota_exceeded")
	}

	c, err := e.challenges.Get(ctx, req.ChallengeID)
	if errors.Is(err, challenge.ErrNotFound) {
		return reject(msgNoChallenge)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("challenge_id", req.ChallengeID).Msg("bypass challenge lookup failed")
		return reject(msgUnavailable)
	}
	if c.IP != "" && c.IP != req.IP {
		return reject(msgOtherClient, "ip_mismatch")
	}

	if score < e.cfg.MinTrust {
		return reject(msgLowTrust)
	}

	won, err := e.challenges.Consume(ctx, c.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("challenge_id", c.ID).Msg("bypass consume failed")
		return reject(msgUnavailable)
	}
	if !won {
		return reject(msgReplay)
	}

	out := Outcome{Success: true, TrustScore: score, Factors: factors, ReturnTo: c.ReturnTo}
	ttl := e.cfg.ImmunityTTL
	if score < e.cfg.HighTrust {
		ttl = e.cfg.LowTrustImmunityTTL
		out.Warning = warnLowTrust
	}
	if err := e.store.Set(ctx, e.keys.Immunity(req.IP), "bypass", ttl); err != nil {
		e.log.Warn().Err(err).Str("ip", req.IP).Msg("bypass immunity grant failed")
		return reject(msgUnavailable)
	}
	return out
}

func validate(req BypassRequest) error {
	switch {
	case req.ChallengeID == "":
		return fmt.Errorf("%w: missing challengeId", ErrInvalidRequest)
	case !req.Reason.Valid():
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidRequest, req.Reason)
	case req.IP == "":
		return fmt.Errorf("%w: missing client ip", ErrInvalidRequest)
	case req.Interaction.TimeOnPageMs < 0 || req.Interaction.MouseMovements < 0:
		return fmt.Errorf("%w: negative interaction data", ErrInvalidRequest)
	}
	return nil
}
