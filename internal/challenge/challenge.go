// Package challenge issues and verifies proof-of-work puzzles. A solution is a
// nonce such that hex(SHA-256(challengeId + nonce)) starts with at least
// `difficulty` '0' nibbles.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/threat"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned by Get for unknown or expired challenges.
	ErrNotFound = errors.New("challenge: not found")
	// ErrBanned is returned by Issue while the client holds a live ban.
	ErrBanned = errors.New("challenge: client is banned")
)

// IssueLimitError is returned by Request once a client has used up its issue
// quota for the current window.
type IssueLimitError struct {
	RetryAfter time.Duration
}

func (e *IssueLimitError) Error() string {
	return fmt.Sprintf("challenge: issue limit reached, retry in %s", e.RetryAfter)
}

// Failure classifies an unsuccessful verification.
type Failure string

const (
	FailureMalformed         Failure = "malformed"
	FailureInvalidDifficulty Failure = "invalid-difficulty"
	FailureHashMismatch      Failure = "hash-mismatch"
	FailureExpired           Failure = "expired"
	FailureReplay            Failure = "replay"
	FailureIPMismatch        Failure = "ip-mismatch"
	FailureBanned            Failure = "banned"
	FailureUnavailable       Failure = "unavailable"
)

var failureMessages = map[Failure]string{
	FailureMalformed:         "malformed verification request",
	FailureInvalidDifficulty: "hash does not meet the required difficulty",
	FailureHashMismatch:      "submitted hash does not match the nonce",
	FailureExpired:           "challenge expired or unknown",
	FailureReplay:            "challenge already used",
	FailureIPMismatch:        "challenge was issued to a different client",
	FailureBanned:            "access denied",
	FailureUnavailable:       "verification temporarily unavailable",
}

const maxNonceLen = 128

// Challenge is the stored puzzle.
type Challenge struct {
	ID         string    `json:"challengeId"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ReturnTo   string    `json:"returnTo"`
	IP         string    `json:"ip,omitempty"`
}

// VerifyRequest is a client's claimed solution.
type VerifyRequest struct {
	ChallengeID string
	Nonce       string
	// Hash is the client's claimed hash. It is never trusted: when present it
	// must equal the recomputed value.
	Hash string
	// Difficulty is the client's claimed difficulty. The stored value wins.
	Difficulty int
	IP         string
}

// Result is the structured outcome of Verify.
type Result struct {
	Valid      bool
	Failure    Failure
	Message    string
	ReturnTo   string
	Difficulty int
	SolveTime  time.Duration
}

// Config holds engine tunables.
type Config struct {
	TTL           time.Duration
	MinDifficulty int
	MaxDifficulty int
	ImmunityTTL   time.Duration
	// IssueLimit caps Request calls per client per IssueWindow. 0 disables.
	IssueLimit  int
	IssueWindow time.Duration
}

// DefaultConfig returns a 10 minute TTL, difficulty 2-5, 1h immunity and 20
// requested challenges per 10 minutes.
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Minute,
		MinDifficulty: 2,
		MaxDifficulty: 5,
		ImmunityTTL:   time.Hour,
		IssueLimit:    20,
		IssueWindow:   10 * time.Minute,
	}
}

// Engine issues and verifies challenges against the Atomic Store.
type Engine struct {
	store storage.Store
	keys  storage.Keys
	audit *audit.Log
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine.
func NewEngine(store storage.Store, keys storage.Keys, auditLog *audit.Log, cfg Config, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{store: store, keys: keys, audit: auditLog, cfg: cfg, now: time.Now, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue stores a new challenge for ip. difficulty is clamped to
// [0, MaxDifficulty]; returnTo is reduced to a local path. A banned ip gets
// ErrBanned.
func (e *Engine) Issue(ctx context.Context, ip string, difficulty int, returnTo string) (Challenge, error) {
	if ip != "" {
		banned, err := e.Banned(ctx, ip)
		if err != nil {
			return Challenge{}, err
		}
		if banned {
			return Challenge{}, ErrBanned
		}
	}
	if difficulty < 0 {
		difficulty = 0
	}
	if difficulty > e.cfg.MaxDifficulty {
		difficulty = e.cfg.MaxDifficulty
	}
	now := e.now().UTC()
	c := Challenge{
		ID:         uuid.NewString(),
		Difficulty: difficulty,
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.cfg.TTL),
		ReturnTo:   SanitizeReturnTo(returnTo),
		IP:         ip,
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return Challenge{}, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := e.store.Set(ctx, e.keys.Challenge(c.ID), string(raw), e.cfg.TTL); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	metrics.ChallengesIssued.WithLabelValues(strconv.Itoa(difficulty)).Inc()
	e.log.Debug().Str("challenge_id", c.ID).Str("ip", ip).Int("difficulty", difficulty).Msg("challenge issued")
	return c, nil
}

// Request issues a challenge a client asked for directly. The difficulty never
// drops below MinDifficulty and each ip is held to IssueLimit per IssueWindow.
func (e *Engine) Request(ctx context.Context, ip string, difficulty int, returnTo string) (Challenge, error) {
	if difficulty < e.cfg.MinDifficulty {
		difficulty = e.cfg.MinDifficulty
	}
	if ip != "" && e.cfg.IssueLimit > 0 {
		n, ttl, err := e.store.Incr(ctx, e.keys.ChallengeIssued(ip), e.cfg.IssueWindow)
		if err != nil {
			return Challenge{}, fmt.Errorf("count issued challenges: %w", err)
		}
		if n > int64(e.cfg.IssueLimit) {
			return Challenge{}, &IssueLimitError{RetryAfter: ttl}
		}
	}
	return e.Issue(ctx, ip, difficulty, returnTo)
}

// Banned reports whether ip holds a live ban.
func (e *Engine) Banned(ctx context.Context, ip string) (bool, error) {
	ok, err := e.store.Exists(ctx, e.keys.Ban(ip))
	if err != nil {
		return false, fmt.Errorf("check ban for %s: %w", ip, err)
	}
	return ok, nil
}

// Get reads back a live challenge.
func (e *Engine) Get(ctx context.Context, id string) (Challenge, error) {
	if !validID(id) {
		return Challenge{}, ErrNotFound
	}
	raw, err := e.store.Get(ctx, e.keys.Challenge(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Challenge{}, ErrNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("load challenge %s: %w", id, err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge %s: %w", id, err)
	}
	return c, nil
}

// Used reports whether id was consumed within its TTL.
func (e *Engine) Used(ctx context.Context, id string) (bool, error) {
	return e.store.Exists(ctx, e.keys.ChallengeUsed(id))
}

// Consume deletes the challenge. It returns true only for the single caller
// whose delete removed the key.
func (e *Engine) Consume(ctx context.Context, id string) (bool, error) {
	// Marker first so a verify racing the delete reports replay, not expired.
	if err := e.store.Set(ctx, e.keys.ChallengeUsed(id), "1", e.cfg.TTL); err != nil {
		return false, fmt.Errorf("mark challenge used: %w", err)
	}
	n, err := e.store.Del(ctx, e.keys.Challenge(id))
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	return n == 1, nil
}

// Verify checks a claimed solution. Only the client the challenge was issued
// to can redeem it, and never while that client is banned. Failures leave the
// challenge in place; success consumes it, grants immunity to req.IP and is
// audited.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) Result {
	res := e.verify(ctx, req)
	outcome := "valid"
	if !res.Valid {
		outcome = string(res.Failure)
		res.Message = failureMessages[res.Failure]
	}
	metrics.ChallengeVerifications.WithLabelValues(outcome).Inc()

	if req.ChallengeID != "" && res.Failure != FailureMalformed {
		e.audit.Record(ctx, audit.PowAttempt{
			ID:          uuid.NewString(),
			Timestamp:   e.now().UTC(),
			IP:          req.IP,
			ChallengeID: req.ChallengeID,
			Difficulty:  res.Difficulty,
			Valid:       res.Valid,
			Failure:     string(res.Failure),
			SolveMs:     res.SolveTime.Milliseconds(),
		})
	}

	ev := e.log.Debug()
	if res.Valid {
		ev = e.log.Info()
	}
	ev.Str("challenge_id", req.ChallengeID).Str("ip", req.IP).Bool("valid", res.Valid).
		Str("failure", string(res.Failure)).Msg("challenge verification")
	return res
}

func (e *Engine) verify(ctx context.Context, req VerifyRequest) Result {
	claimed := req.Difficulty
	if claimed < 0 {
		claimed = 0
	}
	fail := func(f Failure, difficulty int) Result {
		return Result{Failure: f, Difficulty: difficulty}
	}

	if !validID(req.ChallengeID) || req.Nonce == "" || len(req.Nonce) > maxNonceLen || req.Difficulty < 0 {
		return fail(FailureMalformed, claimed)
	}
	if req.Hash != "" && !validHash(req.Hash) {
		return fail(FailureMalformed, claimed)
	}

	c, err := e.Get(ctx, req.ChallengeID)
	switch {
	case errors.Is(err, ErrNotFound):
		used, uerr := e.Used(ctx, req.ChallengeID)
		if uerr != nil {
			e.log.Warn().Err(uerr).Msg("challenge used-marker lookup failed")
			return fail(FailureUnavailable, claimed)
		}
		if used {
			return fail(FailureReplay, claimed)
		}
		return fail(FailureExpired, claimed)
	case err != nil:
		e.log.Warn().Err(err).Str("challenge_id", req.ChallengeID).Msg("challenge lookup failed")
		return fail(FailureUnavailable, claimed)
	}

	computed := Hash(c.ID, req.Nonce)
	if req.Hash != "" && !strings.EqualFold(req.Hash, computed) {
		return fail(FailureHashMismatch, c.Difficulty)
	}
	if !Meets(computed, c.Difficulty) {
		return fail(FailureInvalidDifficulty, c.Difficulty)
	}
	if c.IP != "" && c.IP != req.IP {
		return fail(FailureIPMismatch, c.Difficulty)
	}
	if req.IP != "" {
		banned, err := e.Banned(ctx, req.IP)
		if err != nil {
			e.log.Warn().Err(err).Str("ip", req.IP).Msg("ban lookup during verification failed")
			return fail(FailureUnavailable, c.Difficulty)
		}
		if banned {
			return fail(FailureBanned, c.Difficulty)
		}
	}

	won, err := e.Consume(ctx, c.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("challenge_id", c.ID).Msg("challenge consume failed")
		return fail(FailureUnavailable, c.Difficulty)
	}
	if !won {
		return fail(FailureReplay, c.Difficulty)
	}

	if req.IP != "" && e.cfg.ImmunityTTL > 0 {
		if err := e.store.Set(ctx, e.keys.Immunity(req.IP), "pow", e.cfg.ImmunityTTL); err != nil {
			e.log.Warn().Err(err).Str("ip", req.IP).Msg("grant immunity after verification failed")
		}
	}

	solve := e.now().Sub(c.IssuedAt)
	if solve < 0 {
		solve = 0
	}
	return Result{Valid: true, ReturnTo: c.ReturnTo, Difficulty: c.Difficulty, SolveTime: solve}
}

// DifficultyFor maps a score inside the challenge band linearly onto
// [MinDifficulty, MaxDifficulty].
func (e *Engine) DifficultyFor(score float64, th threat.Thresholds) int {
	return DifficultyFor(score, th, e.cfg.MinDifficulty, e.cfg.MaxDifficulty)
}

// MinDifficulty is the floor applied to challenges handed out on request.
func (e *Engine) MinDifficulty() int { return e.cfg.MinDifficulty }

// DifficultyFor maps score from [th.Challenge, th.Ban) onto [min, max].
func DifficultyFor(score float64, th threat.Thresholds, min, max int) int {
	span := th.Ban - th.Challenge
	if span <= 0 || max <= min {
		return min
	}
	frac := (score - th.Challenge) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return min + int(math.Round(frac*float64(max-min)))
}

// Hash returns hex(SHA-256(id + nonce)).
func Hash(id, nonce string) string {
	sum := sha256.Sum256([]byte(id + nonce))
	return hex.EncodeToString(sum[:])
}

// Meets reports whether hash has at least difficulty leading '0' nibbles.
func Meets(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// Solve brute-forces a nonce for id. Mining belongs to the client; this exists
// for tests and the CLI self-check.
func Solve(ctx context.Context, id string, difficulty int) (nonce, hash string, err error) {
	for n := uint64(0); ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}
		}
		nonce = strconv.FormatUint(n, 10)
		hash = Hash(id, nonce)
		if Meets(hash, difficulty) {
			return nonce, hash, nil
		}
	}
}

// SanitizeReturnTo accepts only same-origin absolute paths and returns "/"
// for anything else.
func SanitizeReturnTo(s string) string {
	if s == "" || len(s) > 2048 || !strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/\\") {
		return "/"
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "/"
		}
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return s
}

func validID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
