// Package capabilities declares what the gate enforces when it reports to a
// CrowdSec LAPI.
package capabilities

const (
	// BouncerType is the remediation component type sent in usage metrics.
	BouncerType = "immune-gate"

	// Layer is the network layer the gate enforces at.
	Layer = "application"

	// UserAgentPrefix prefixes the version in LAPI requests.
	UserAgentPrefix = "crowdsec-immune-gate/v"
)

// Remediations the gate can apply to a client.
const (
	SupportsBan                 = true
	SupportsCaptcha             = true // proof-of-work challenge
	SupportsAppSec              = false
	SupportsPerRequestDecisions = true
)

// UserAgent returns the User-Agent used for LAPI calls.
func UserAgent(version string) string {
	return UserAgentPrefix + version
}
