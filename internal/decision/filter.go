// Package decision screens CrowdSec LAPI decisions before they reach the
// Atomic Store.
package decision

import (
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters for the 8-stage decision pipeline.
type FilterConfig struct {
	// Stage 1: remediation types the gate enforces as bans
	AllowedActions []string

	// Stage 2: scenario substrings to skip
	BlockScenarioExclude []string

	// Stage 3: allowed origins (empty = all)
	AllowedOrigins []string

	// Stage 4: allowed scopes
	AllowedScopes []string

	// Stage 7
	Whitelist *admission.NetSet

	// Stage 8: minimum ban duration (0 = disabled). Not applied to deletions.
	MinBanDuration time.Duration
}

// NewFilterConfig returns a FilterConfig that accepts single-IP bans.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban"},
		AllowedScopes:  []string{"ip"},
	}
}

// FilterResult holds the decision after pipeline processing.
type FilterResult struct {
	Passed   bool
	Action   string
	IP       string
	IPv6     bool
	Duration time.Duration
	Origin   string
	Scenario string
}

const (
	stageAction    = "1_action"
	stageScenario  = "2_scenario_exclude"
	stageOrigin    = "3_origin"
	stageScope     = "4_scope"
	stageParse     = "5_parse"
	stagePrivate   = "6_private"
	stageWhitelist = "7_whitelist"
	stageMinDur    = "8_min_duration"
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func reject(stage, reason string) FilterResult {
	metrics.DecisionsFiltered.WithLabelValues(stage, reason).Inc()
	return FilterResult{}
}

// Filter runs a new decision through the pipeline.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	return run(d, cfg, false, log)
}

// FilterDeletion runs a deleted decision through the pipeline. The minimum
// duration stage is skipped so a short ban can always be lifted.
func FilterDeletion(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	return run(d, cfg, true, log)
}

func run(d *models.Decision, cfg FilterConfig, deletion bool, log zerolog.Logger) FilterResult {
	if d == nil {
		return reject(stageParse, "nil_decision")
	}
	action := strings.ToLower(deref(d.Type))
	scope := strings.ToLower(deref(d.Scope))
	value := deref(d.Value)
	origin := deref(d.Origin)
	scenario := deref(d.Scenario)

	if !containsCI(cfg.AllowedActions, action) {
		log.Trace().Str("action", action).Msg("filtered: unsupported action")
		return reject(stageAction, "unsupported_action")
	}

	for _, exc := range cfg.BlockScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			log.Trace().Str("scenario", scenario).Str("exclude", exc).Msg("filtered: excluded scenario")
			return reject(stageScenario, "excluded_scenario")
		}
	}

	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		log.Trace().Str("origin", origin).Msg("filtered: origin not allowed")
		return reject(stageOrigin, "origin_not_allowed")
	}

	if !containsCI(cfg.AllowedScopes, scope) {
		log.Trace().Str("scope", scope).Msg("filtered: unsupported scope")
		return reject(stageScope, "unsupported_scope")
	}

	ip, err := ParseIP(value)
	if err != nil {
		log.Warn().Str("value", value).Err(err).Msg("filtered: parse error")
		return reject(stageParse, "parse_error")
	}

	if IsPrivate(ip) {
		log.Trace().Str("ip", ip).Msg("filtered: private/loopback/link-local IP")
		return reject(stagePrivate, "private_ip")
	}

	if cfg.Whitelist.Contains(ip) {
		log.Trace().Str("ip", ip).Msg("filtered: whitelisted IP")
		return reject(stageWhitelist, "whitelisted")
	}

	var dur time.Duration
	if raw := deref(d.Duration); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			dur = parsed
		}
	}
	if !deletion && cfg.MinBanDuration > 0 && dur > 0 && dur < cfg.MinBanDuration {
		log.Trace().Str("ip", ip).Dur("duration", dur).Dur("min", cfg.MinBanDuration).Msg("filtered: ban duration too short")
		return reject(stageMinDur, "too_short")
	}

	return FilterResult{
		Passed:   true,
		Action:   action,
		IP:       ip,
		IPv6:     IsIPv6(ip),
		Duration: dur,
		Origin:   origin,
		Scenario: scenario,
	}
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
