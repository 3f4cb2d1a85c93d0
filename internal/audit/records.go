package audit

import (
	"fmt"
	"net"
	"time"

	"github.com/developingchet/immune-gate/internal/threat"
)

// Kind tags every stored entry with its schema.
type Kind string

const (
	KindBan    Kind = "ban"
	KindBypass Kind = "bypass"
	KindThreat Kind = "threat"
	KindPow    Kind = "pow"
	KindAdmin  Kind = "admin"
)

// Record is implemented by every audit schema. Methods use value receivers so
// the zero value of a record type can report its kind.
type Record interface {
	Kind() Kind
	Validate() error
}

// BanReason explains why a ban was issued.
type BanReason string

const (
	ReasonByzantine      BanReason = "byzantine"
	ReasonRateLimitAbuse BanReason = "rateLimitAbuse"
	ReasonManualBan      BanReason = "manualBan"
	ReasonCrowdSec       BanReason = "crowdsec"
)

func (r BanReason) Valid() bool {
	switch r {
	case ReasonByzantine, ReasonRateLimitAbuse, ReasonManualBan, ReasonCrowdSec:
		return true
	}
	return false
}

// NodeType is the client class at ban time.
type NodeType string

const (
	NodeHostile    NodeType = "hostile"
	NodeSuspicious NodeType = "suspicious"
	NodeTrusted    NodeType = "trusted"
)

func (n NodeType) Valid() bool {
	return n == NodeHostile || n == NodeSuspicious || n == NodeTrusted
}

// BanRecord is both the value of the live ban key and a ban history entry.
type BanRecord struct {
	IP               string    `json:"ip"`
	Reason           BanReason `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
	ExpiresAt        time.Time `json:"expiresAt"`
	NodeType         NodeType  `json:"nodeType"`
	PreviousBanCount int       `json:"previousBanCount"`
	ThreatScore      float64   `json:"threatScore,omitempty"`
	Actor            string    `json:"actor,omitempty"`
}

func (BanRecord) Kind() Kind { return KindBan }

func (r BanRecord) Validate() error {
	if net.ParseIP(r.IP) == nil {
		return fmt.Errorf("ban: invalid ip %q", r.IP)
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("ban: unknown reason %q", r.Reason)
	}
	if !r.NodeType.Valid() {
		return fmt.Errorf("ban: unknown nodeType %q", r.NodeType)
	}
	if r.Timestamp.IsZero() || !r.ExpiresAt.After(r.Timestamp) {
		return fmt.Errorf("ban: expiresAt must follow timestamp")
	}
	if r.PreviousBanCount < 0 {
		return fmt.Errorf("ban: negative previousBanCount")
	}
	return nil
}

// Active reports whether the ban has not yet expired at now.
func (r BanRecord) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// BypassReason is the declared reason a client cannot solve a challenge.
type BypassReason string

const (
	BypassHumanDeclared    BypassReason = "human-declared"
	BypassAccessibility    BypassReason = "accessibility"
	BypassMobileLimitation BypassReason = "mobile-limitation"
	BypassUrgency          BypassReason = "urgency"
)

func (r BypassReason) Valid() bool {
	switch r {
	case BypassHumanDeclared, BypassAccessibility, BypassMobileLimitation, BypassUrgency:
		return true
	}
	return false
}

// BypassRecord is written exactly once per bypass request. Success is the
// only field that decides approval.
type BypassRecord struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	IP          string       `json:"ip"`
	ChallengeID string       `json:"challengeId"`
	Reason      BypassReason `json:"reason"`
	TrustScore  int          `json:"trustScore"`
	Success     bool         `json:"success"`
	Warning     string       `json:"warning,omitempty"`
	Message     string       `json:"message,omitempty"`
	Factors     []string     `json:"factors,omitempty"`
}

func (BypassRecord) Kind() Kind { return KindBypass }

func (r BypassRecord) Validate() error {
	if r.IP == "" {
		return fmt.Errorf("bypass: missing ip")
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("bypass: unknown reason %q", r.Reason)
	}
	if r.TrustScore < 0 || r.TrustScore > 100 {
		return fmt.Errorf("bypass: trustScore %d out of range", r.TrustScore)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("bypass: missing timestamp")
	}
	return nil
}

// Approved is the downstream view of a bypass. It is Success verbatim.
func (r BypassRecord) Approved() bool { return r.Success }

// ThreatAlert is written for every classified request with a non-zero score.
type ThreatAlert struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	IP          string          `json:"ip"`
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	Severity    threat.Severity `json:"severity"`
	ThreatScore float64         `json:"threatScore"`
	Category    string          `json:"category"`
	Factors     []string        `json:"factors"`
	Action      threat.Action   `json:"action"`
}

func (ThreatAlert) Kind() Kind { return KindThreat }

func (a ThreatAlert) Validate() error {
	if a.IP == "" {
		return fmt.Errorf("threat: missing ip")
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("threat: unknown severity %q", a.Severity)
	}
	if a.ThreatScore < 0 || a.ThreatScore > 1 {
		return fmt.Errorf("threat: score %v out of range", a.ThreatScore)
	}
	if !a.Action.Valid() {
		return fmt.Errorf("threat: unknown action %q", a.Action)
	}
	return nil
}

// PowAttempt records one proof-of-work verification.
type PowAttempt struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	IP          string    `json:"ip"`
	ChallengeID string    `json:"challengeId"`
	Difficulty  int       `json:"difficulty"`
	Valid       bool      `json:"valid"`
	Failure     string    `json:"failure,omitempty"`
	SolveMs     int64     `json:"solveMs,omitempty"`
}

func (PowAttempt) Kind() Kind { return KindPow }

func (p PowAttempt) Validate() error {
	if p.ChallengeID == "" {
		return fmt.Errorf("pow: missing challengeId")
	}
	if p.Difficulty < 0 {
		return fmt.Errorf("pow: negative difficulty")
	}
	if p.Valid && p.Failure != "" {
		return fmt.Errorf("pow: valid attempt carries failure %q", p.Failure)
	}
	return nil
}

// Admin action names.
const (
	ActionUnban     = "unban"
	ActionBan       = "ban"
	ActionSetConfig = "setConfig"
)

// AdminAction records a privileged operation and who performed it.
type AdminAction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Value     string    `json:"value,omitempty"`
}

func (AdminAction) Kind() Kind { return KindAdmin }

func (a AdminAction) Validate() error {
	if a.Actor == "" {
		return fmt.Errorf("admin: missing actor")
	}
	switch a.Action {
	case ActionUnban, ActionBan, ActionSetConfig:
	default:
		return fmt.Errorf("admin: unknown action %q", a.Action)
	}
	if a.Target == "" {
		return fmt.Errorf("admin: missing target")
	}
	return nil
}
