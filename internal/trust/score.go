package trust

import (
	"strings"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/threat"
)

const (
	baseScore = 50
	maxSkew   = 5 * time.Minute
)

// adjustment is one named entry of the trust table.
type adjustment struct {
	name  string
	delta int
	match func(req BypassRequest, now time.Time) bool
}

// pointerless reasons have no meaningful mouse telemetry.
func pointerless(r audit.BypassReason) bool {
	return r == audit.BypassAccessibility || r == audit.BypassMobileLimitation
}

var adjustments = []adjustment{
	{"long_dwell", 20, func(r BypassRequest, _ time.Time) bool {
		return r.Interaction.TimeOnPageMs >= 10_000
	}},
	{"moderate_dwell", 10, func(r BypassRequest, _ time.Time) bool {
		t := r.Interaction.TimeOnPageMs
		return t >= 3_000 && t < 10_000
	}},
	{"short_dwell", -15, func(r BypassRequest, _ time.Time) bool {
		return r.Interaction.TimeOnPageMs < 2_000
	}},
	{"mouse_activity", 15, func(r BypassRequest, _ time.Time) bool {
		return r.Interaction.MouseMovements >= 5
	}},
	{"some_mouse_activity", 5, func(r BypassRequest, _ time.Time) bool {
		m := r.Interaction.MouseMovements
		return m > 0 && m < 5
	}},
	{"no_mouse_movement", -10, func(r BypassRequest, _ time.Time) bool {
		return r.Interaction.MouseMovements == 0 && !pointerless(r.Reason)
	}},
	{"instant_no_movement", -25, func(r BypassRequest, _ time.Time) bool {
		return r.Interaction.MouseMovements == 0 && r.Interaction.TimeOnPageMs < 2_000
	}},
	{"missing_user_agent", -20, func(r BypassRequest, _ time.Time) bool {
		return strings.TrimSpace(r.UserAgent) == ""
	}},
	{"scanner_user_agent", -40, func(r BypassRequest, _ time.Time) bool {
		return threat.IsScannerUserAgent(r.UserAgent)
	}},
	{"clock_skew", -10, func(r BypassRequest, now time.Time) bool {
		if r.Timestamp.IsZero() {
			return true
		}
		d := now.Sub(r.Timestamp)
		return d > maxSkew || d < -maxSkew
	}},
}

// Score computes the 0–100 trust score for req and the names of the
// adjustments that applied, in table order.
func Score(req BypassRequest, now time.Time) (int, []string) {
	score := baseScore
	factors := []string{}
	for _, a := range adjustments {
		if a.match(req, now) {
			score += a.delta
			factors = append(factors, a.name)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, factors
}
