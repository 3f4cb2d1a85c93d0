// Package admission runs every inbound request through the immunity, ban,
// rate-limit and classification checks before it reaches the upstream.
package admission

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/threat"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the terminal state of one admission evaluation.
type State string

const (
	StateAllow       State = "ALLOW"
	StateChallenge   State = "CHALLENGE"
	StateBan         State = "BAN"
	StateRateLimited State = "RATE_LIMITED"
	StateUnavailable State = "UNAVAILABLE"
)

// Decision reasons.
const (
	ReasonExempt      = "exempt"
	ReasonAllowlisted = "allowlisted"
	ReasonImmune      = "immune"
	ReasonBanned      = "banned"
	ReasonRateLimited = "rate_limited"
	ReasonRateAbuse   = "rate_abuse"
	ReasonClassified  = "classified"
	ReasonStoreError  = "store_error"
	ReasonFailOpen    = "fail_open"
	ReasonNoClientIP  = "no_client_ip"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	State  State
	Reason string
	IP     string
	// Threat is set once the request has been classified.
	Threat     *threat.Result
	Challenge  *challenge.Challenge
	Ban        *audit.BanRecord
	RetryAfter time.Duration
}

// Classifier scores requests.
type Classifier interface {
	Classify(req threat.Request, sig threat.Signals) threat.Result
}

// Challenger issues proof-of-work challenges.
type Challenger interface {
	Issue(ctx context.Context, ip string, difficulty int, returnTo string) (challenge.Challenge, error)
	DifficultyFor(score float64, th threat.Thresholds) int
}

// Config holds the controller's policy.
type Config struct {
	ExemptPrefixes        []string
	ChallengePath         string
	FailOpen              bool
	StoreOpTimeout        time.Duration
	RateLimitWindow       time.Duration
	RateLimitMax          int64
	RateLimitStrikes      int64
	RateLimitStrikeWindow time.Duration
	MaxBodyBytes          int64
	Policy                threat.Policy
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		ExemptPrefixes:        []string{"/challenge", "/admin/immune", "/healthz", "/readyz"},
		ChallengePath:         "/challenge",
		StoreOpTimeout:        250 * time.Millisecond,
		RateLimitWindow:       time.Minute,
		RateLimitMax:          10,
		RateLimitStrikes:      30,
		RateLimitStrikeWindow: 10 * time.Minute,
		MaxBodyBytes:          64 << 10,
		Policy:                threat.DefaultPolicy(),
	}
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store      storage.Store
	Keys       storage.Keys
	Classifier Classifier
	Challenges Challenger
	Banner     *Banner
	Flags      *Flags
	Audit      *audit.Log
	Resolver   *IPResolver
	// Allowlist networks bypass every check. May be nil.
	Allowlist *NetSet
	// Usage receives remediation counts for LAPI usage metrics. May be nil.
	Usage UsageRecorder
	// Now may be nil to use time.Now.
	Now func() time.Time
	Log zerolog.Logger
}

// UsageRecorder counts admitted traffic and remediations.
type UsageRecorder interface {
	RecordRemediation(origin, remediationType string)
	RecordProcessed()
}

// UsageOrigin labels remediations decided by the gate itself.
const UsageOrigin = "immune-gate"

// Controller is the admission state machine. It holds no per-client state;
// everything lives in the store.
type Controller struct {
	d   Deps
	cfg Config
}

// NewController returns a Controller.
func NewController(d Deps, cfg Config) *Controller {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Controller{d: d, cfg: cfg}
}

// Exempt reports whether p skips the pipeline entirely. Prefixes are matched
// against the cleaned path.
func (c *Controller) Exempt(p string) bool {
	p, _ = CleanPath(p)
	for _, prefix := range c.cfg.ExemptPrefixes {
		if prefix == "" {
			continue
		}
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// CleanPath returns the lexically cleaned form of p, keeping a trailing slash,
// and reports whether p was already in that form. Paths carrying dot segments,
// repeated slashes or no leading slash are not clean.
func CleanPath(p string) (string, bool) {
	if p == "" {
		return "/", false
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, cleaned == p
}

func (c *Controller) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.StoreOpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.StoreOpTimeout)
}

// Evaluate walks CHECK_IMMUNITY → CHECK_BAN → CHECK_RATE_LIMIT → CLASSIFY for
// req and returns the terminal state. Side effects (bans, challenges, alerts)
// are written before it returns.
func (c *Controller) Evaluate(ctx context.Context, req threat.Request) Decision {
	d := c.evaluate(ctx, req)
	d.IP = req.IP
	metrics.AdmissionDecisions.WithLabelValues(strings.ToLower(string(d.State)), d.Reason).Inc()
	if u := c.d.Usage; u != nil && d.Reason != ReasonExempt {
		u.RecordProcessed()
		switch d.State {
		case StateBan:
			u.RecordRemediation(UsageOrigin, "ban")
		case StateChallenge:
			u.RecordRemediation(UsageOrigin, "captcha")
		}
	}
	return d
}

func (c *Controller) evaluate(ctx context.Context, req threat.Request) Decision {
	ip := req.IP
	if c.Exempt(req.Path) {
		return Decision{State: StateAllow, Reason: ReasonExempt}
	}
	if ip == "" {
		return Decision{State: StateUnavailable, Reason: ReasonNoClientIP}
	}
	if c.d.Allowlist.Contains(ip) {
		return Decision{State: StateAllow, Reason: ReasonAllowlisted}
	}

	// CHECK_IMMUNITY
	immune, err := c.exists(ctx, c.d.Keys.Immunity(ip))
	if err != nil {
		return c.unavailable(ip, "immunity", err)
	}
	if immune {
		return Decision{State: StateAllow, Reason: ReasonImmune}
	}

	// CHECK_BAN
	banned, err := c.exists(ctx, c.d.Keys.Ban(ip))
	if err != nil {
		return c.unavailable(ip, "ban", err)
	}
	if banned {
		return Decision{State: StateBan, Reason: ReasonBanned}
	}

	// CHECK_RATE_LIMIT
	opCtx, cancel := c.opCtx(ctx)
	count, ttl, err := c.d.Store.Incr(opCtx, c.d.Keys.RateLimit(ip), c.cfg.RateLimitWindow)
	cancel()
	if err != nil {
		return c.unavailable(ip, "rate_limit", err)
	}
	if c.cfg.RateLimitMax > 0 && count > c.cfg.RateLimitMax {
		return c.rateLimited(ctx, ip, ttl)
	}

	// CLASSIFY
	flagCtx, cancel := c.opCtx(ctx)
	paranoid, err := c.d.Flags.Get(flagCtx, FlagParanoia)
	cancel()
	if err != nil {
		c.d.Log.Warn().Err(err).Msg("paranoia flag unavailable; assuming on")
		paranoid = true
	}
	th := c.cfg.Policy.Select(paranoid)
	res := c.d.Classifier.Classify(req, threat.Signals{RecentRequests: count})
	action := th.Decide(res.Score)

	metrics.ThreatScore.Observe(res.Score)
	for _, f := range res.Factors {
		metrics.ThreatFactors.WithLabelValues(f).Inc()
	}
	if res.Score > 0 {
		c.d.Audit.Record(ctx, audit.ThreatAlert{
			ID:          uuid.NewString(),
			Timestamp:   c.d.Now().UTC(),
			IP:          ip,
			Method:      req.Method,
			Path:        req.Path,
			Severity:    res.Severity,
			ThreatScore: res.Score,
			Category:    res.Category,
			Factors:     res.Factors,
			Action:      action,
		})
	}

	switch action {
	case threat.ActionBan:
		banCtx, cancel := c.opCtx(ctx)
		defer cancel()
		rec, err := c.d.Banner.Ban(banCtx, BanRequest{
			IP:          ip,
			Reason:      audit.ReasonByzantine,
			NodeType:    audit.NodeHostile,
			ThreatScore: res.Score,
		})
		if err != nil {
			return c.unavailable(ip, "ban_write", err)
		}
		return Decision{State: StateBan, Reason: ReasonClassified, Threat: &res, Ban: &rec}

	case threat.ActionChallenge:
		returnTo := req.Path
		if req.RawQuery != "" {
			returnTo += "?" + req.RawQuery
		}
		issueCtx, cancel := c.opCtx(ctx)
		defer cancel()
		ch, err := c.d.Challenges.Issue(issueCtx, ip, c.d.Challenges.DifficultyFor(res.Score, th), returnTo)
		if errors.Is(err, challenge.ErrBanned) {
			// Banned between CHECK_BAN and here.
			return Decision{State: StateBan, Reason: ReasonBanned, Threat: &res}
		}
		if err != nil {
			return c.unavailable(ip, "challenge_issue", err)
		}
		c.d.Log.Info().Str("ip", ip).Float64("threat_score", res.Score).Int("difficulty", ch.Difficulty).
			Strs("factors", res.Factors).Msg("challenge required")
		return Decision{State: StateChallenge, Reason: ReasonClassified, Threat: &res, Challenge: &ch}
	}
	return Decision{State: StateAllow, Reason: ReasonClassified, Threat: &res}
}

// rateLimited counts a strike and escalates repeated abuse to a ban.
func (c *Controller) rateLimited(ctx context.Context, ip string, retry time.Duration) Decision {
	d := Decision{State: StateRateLimited, Reason: ReasonRateLimited, RetryAfter: retry}
	if c.cfg.RateLimitStrikes <= 0 {
		return d
	}
	opCtx, cancel := c.opCtx(ctx)
	strikes, _, err := c.d.Store.Incr(opCtx, c.d.Keys.RateStrikes(ip), c.cfg.RateLimitStrikeWindow)
	cancel()
	if err != nil {
		c.d.Log.Warn().Err(err).Str("ip", ip).Msg("rate-limit strike count failed")
		return d
	}
	if strikes < c.cfg.RateLimitStrikes {
		return d
	}
	banCtx, cancel := c.opCtx(ctx)
	defer cancel()
	rec, err := c.d.Banner.Ban(banCtx, BanRequest{IP: ip, Reason: audit.ReasonRateLimitAbuse, NodeType: audit.NodeHostile})
	if err != nil {
		c.d.Log.Error().Err(err).Str("ip", ip).Msg("rate-limit abuse ban failed")
		return d
	}
	return Decision{State: StateBan, Reason: ReasonRateAbuse, Ban: &rec}
}

func (c *Controller) exists(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.d.Store.Exists(opCtx, key)
}

func (c *Controller) unavailable(ip, stage string, err error) Decision {
	if c.cfg.FailOpen {
		c.d.Log.Warn().Err(err).Str("ip", ip).Str("stage", stage).Msg("store unavailable; failing open")
		return Decision{State: StateAllow, Reason: ReasonFailOpen}
	}
	c.d.Log.Error().Err(err).Str("ip", ip).Str("stage", stage).Msg("store unavailable; rejecting request")
	return Decision{State: StateUnavailable, Reason: ReasonStoreError}
}
