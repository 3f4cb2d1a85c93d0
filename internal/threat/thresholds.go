package threat

// Action is the admission outcome implied by a score.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBan       Action = "ban"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionChallenge || a == ActionBan
}

// Thresholds split the score range into allow / challenge / ban bands.
type Thresholds struct {
	Challenge float64
	Ban       float64
}

// Decide maps score onto an action: score < Challenge allows, score >= Ban
// bans, anything between is challenged.
func (t Thresholds) Decide(score float64) Action {
	switch {
	case score >= t.Ban:
		return ActionBan
	case score >= t.Challenge:
		return ActionChallenge
	default:
		return ActionAllow
	}
}

// Policy holds the normal and paranoid threshold sets.
type Policy struct {
	Normal   Thresholds
	Paranoid Thresholds
}

// DefaultPolicy returns 0.5/0.85 normally and 0.3/0.7 under paranoia mode.
func DefaultPolicy() Policy {
	return Policy{
		Normal:   Thresholds{Challenge: 0.5, Ban: 0.85},
		Paranoid: Thresholds{Challenge: 0.3, Ban: 0.7},
	}
}

// Select returns the thresholds in force for the given paranoia flag.
func (p Policy) Select(paranoid bool) Thresholds {
	if paranoid {
		return p.Paranoid
	}
	return p.Normal
}
