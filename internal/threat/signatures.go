package threat

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Signature is one named rule of the classifier. Every matched signature adds
// its Weight to the request score and its Name to the factor list.
type Signature struct {
	Name     string
	Category string
	Weight   float64
	Match    func(in *input) bool
}

// Categories reported on Result.Category.
const (
	CategoryClean          = "clean"
	CategoryInjection      = "injection"
	CategoryTraversal      = "traversal"
	CategoryReconnaissance = "reconnaissance"
	CategoryAnomaly        = "anomaly"
	CategoryVelocity       = "velocity"
)

var (
	sqlInjectionRe = regexp.MustCompile(`(?i)(union(\s|\+|/\*.*?\*/)+(all(\s|\+)+)?select\b` +
		`|'\s*(or|and)\s+'?\w*'?\s*=\s*'?\w*` +
		`|\bor\s+1\s*=\s*1\b` +
		`|;\s*(drop|delete|truncate|insert|update)\s+` +
		`|\b(sleep|benchmark|pg_sleep)\s*\(` +
		`|\binformation_schema\b` +
		`|\bwaitfor\s+delay\b)`)

	pathTraversalRe = regexp.MustCompile(`(?i)(\.\./|\.\.\\|/etc/passwd|/etc/shadow|/proc/self/|\bboot\.ini\b|\bwin\.ini\b)`)

	commandInjectionRe = regexp.MustCompile("(?i)(;|\\||&&|\\$\\(|`)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|zsh|powershell|python|perl|chmod|rm)\\b")

	xssRe = regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|mouseover|focus)\s*=|<\s*iframe\b|<\s*svg\b[^>]*\bon\w+\s*=|document\.cookie|\balert\s*\()`)
)

// scannerPaths are prefixes commonly probed by vulnerability scanners.
var scannerPaths = []string{
	"/.env",
	"/.git/",
	"/.aws/",
	"/.ssh/",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/xmlrpc.php",
	"/phpmyadmin",
	"/phpinfo",
	"/config.json",
	"/secrets.json",
	"/server-status",
	"/cgi-bin/",
	"/actuator",
	"/vendor/phpunit",
	"/web.config",
	"/backup.sql",
	"/dump.sql",
}

// scannerUserAgents are substrings of known offensive tooling.
var scannerUserAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"gobuster",
	"dirbuster",
	"dirb/",
	"wfuzz",
	"ffuf",
	"nuclei",
	"acunetix",
	"netsparker",
	"openvas",
	"w3af",
	"whatweb",
	"scanner",
	"exploit",
}

// IsScannerUserAgent reports whether ua contains a known scanner token.
// The trust evaluator shares this list.
func IsScannerUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, s := range scannerUserAgents {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isScannerPath(path string) bool {
	for _, p := range scannerPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// defaultSignatures returns the ordered signature table. Order matters only
// for category ties and factor ordering.
func defaultSignatures(opts Options) []Signature {
	return []Signature{
		{
			Name: "sql_injection", Category: CategoryInjection, Weight: 0.9,
			Match: func(in *input) bool { return in.anyPayload(sqlInjectionRe) },
		},
		{
			Name: "path_traversal", Category: CategoryTraversal, Weight: 0.7,
			Match: func(in *input) bool {
				return pathTraversalRe.MatchString(in.rawTarget) || in.anyPayload(pathTraversalRe)
			},
		},
		{
			Name: "command_injection", Category: CategoryInjection, Weight: 0.8,
			Match: func(in *input) bool { return in.anyPayload(commandInjectionRe) },
		},
		{
			Name: "xss", Category: CategoryInjection, Weight: 0.6,
			Match: func(in *input) bool { return in.anyPayload(xssRe) },
		},
		{
			Name: "scanner_path", Category: CategoryReconnaissance, Weight: 0.5,
			Match: func(in *input) bool { return isScannerPath(in.path) },
		},
		{
			Name: "scanner_user_agent", Category: CategoryReconnaissance, Weight: 0.5,
			Match: func(in *input) bool { return in.userAgent != "" && IsScannerUserAgent(in.userAgent) },
		},
		{
			Name: "missing_user_agent", Category: CategoryAnomaly, Weight: 0.3,
			Match: func(in *input) bool { return in.userAgent == "" },
		},
		{
			Name: "missing_browser_headers", Category: CategoryAnomaly, Weight: 0.15,
			Match: func(in *input) bool {
				return in.headers.Get("Accept") == "" && in.headers.Get("Accept-Language") == ""
			},
		},
		{
			Name: "proxy_chain_anomaly", Category: CategoryAnomaly, Weight: 0.2,
			Match: func(in *input) bool { return proxyChainAnomalous(in.headers.Values("X-Forwarded-For")) },
		},
		{
			Name: "oversized_payload", Category: CategoryAnomaly, Weight: 0.2,
			Match: func(in *input) bool {
				if opts.OversizedPayloadBytes <= 0 {
					return false
				}
				if len(in.body) > opts.OversizedPayloadBytes {
					return true
				}
				cl, err := strconv.ParseInt(in.headers.Get("Content-Length"), 10, 64)
				return err == nil && cl > int64(opts.OversizedPayloadBytes)
			},
		},
		{
			Name: "velocity_anomaly", Category: CategoryVelocity, Weight: 0.3,
			Match: func(in *input) bool {
				return opts.VelocityThreshold > 0 && in.signals.RecentRequests > int64(opts.VelocityThreshold)
			},
		},
	}
}

const maxProxyHops = 5

// proxyChainAnomalous flags forwarding chains that are implausibly long or
// contain entries that are not IP addresses.
func proxyChainAnomalous(values []string) bool {
	hops := 0
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			hops++
			if net.ParseIP(part) == nil {
				if host, _, err := net.SplitHostPort(part); err != nil || net.ParseIP(host) == nil {
					return true
				}
			}
		}
	}
	return hops > maxProxyHops
}
