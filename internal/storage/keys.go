package storage

import "time"

// DefaultPrefix namespaces every key written by the gate.
const DefaultPrefix = "immune:"

// Audit list names.
const (
	ListBans     = "bans"
	ListBypasses = "bypasses"
	ListThreats  = "threats"
	ListPow      = "pow"
	ListAdmin    = "admin"
)

// Keys builds namespaced key names. The zero value uses DefaultPrefix.
type Keys struct {
	Prefix string
}

func (k Keys) p() string {
	if k.Prefix == "" {
		return DefaultPrefix
	}
	return k.Prefix
}

// Ban is the TTL'd key whose existence means "ip is banned".
func (k Keys) Ban(ip string) string { return k.p() + "ban:" + ip }

// BanOffenses counts bans ever issued to ip within the history window.
func (k Keys) BanOffenses(ip string) string { return k.p() + "ban:offenses:" + ip }

// ActiveBans is the sorted set of banned IPs scored by expiry (unix ms).
func (k Keys) ActiveBans() string { return k.p() + "bans:active" }

func (k Keys) Challenge(id string) string     { return k.p() + "challenge:" + id }
func (k Keys) ChallengeUsed(id string) string { return k.p() + "challenge:used:" + id }

// ChallengeIssued counts challenges ip requested in the current issue window.
func (k Keys) ChallengeIssued(ip string) string { return k.p() + "challenge:issued:" + ip }

// Immunity exempts ip from classification while present.
func (k Keys) Immunity(ip string) string { return k.p() + "immunity:" + ip }

func (k Keys) RateLimit(ip string) string   { return k.p() + "rl:" + ip }
func (k Keys) RateStrikes(ip string) string { return k.p() + "rl:strikes:" + ip }

// BypassDaily is the per-IP bypass counter for the UTC day containing t.
func (k Keys) BypassDaily(ip string, t time.Time) string {
	return k.p() + "bypass:daily:" + ip + ":" + t.UTC().Format("20060102")
}

func (k Keys) Config(flag string) string { return k.p() + "config:" + flag }

// Audit returns the capped list key for the named audit list.
func (k Keys) Audit(list string) string { return k.p() + "audit:" + list }
