package decision

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/developingchet/immune-gate/internal/admission"
)

// ParseIP returns the canonical form of a single address. CIDR values are
// rejected: the gate bans individual clients.
func ParseIP(value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		return "", fmt.Errorf("range %q cannot be admitted per client", value)
	}
	ip := admission.CanonicalIP(value)
	if ip == "" {
		return "", fmt.Errorf("invalid IP address %q", value)
	}
	return ip, nil
}

// IsIPv6 reports whether a canonical address is IPv6.
func IsIPv6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is6() && !addr.Is4In6()
}

// privateRanges holds RFC1918, loopback, link-local, CGNAT and ULA space.
// Mapped IPv4 needs no entries of its own because ParseIP unmaps it.
var privateRanges = func() *admission.NetSet {
	s, err := admission.NewNetSet([]string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64", // discard-only (RFC 6666)
	})
	if err != nil {
		panic("invalid private range: " + err.Error())
	}
	return s
}()

// IsPrivate reports whether ip is never a meaningful public ban target.
func IsPrivate(ip string) bool {
	return privateRanges.Contains(ip)
}

// ParseWhitelist builds the set of addresses the feed must never ban.
func ParseWhitelist(entries []string) (*admission.NetSet, error) {
	s, err := admission.NewNetSet(entries)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}
	return s, nil
}
