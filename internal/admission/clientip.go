package admission

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yl2chen/cidranger"
)

// CanonicalIP returns the canonical text form of s, folding IPv4-mapped IPv6
// addresses to IPv4. It returns "" when s is not an IP address.
func CanonicalIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// NetSet is an immutable set of networks backed by a path-compressed trie.
type NetSet struct {
	ranger cidranger.Ranger
	size   int
}

// NewNetSet parses CIDRs and bare addresses (treated as /32 or /128).
func NewNetSet(entries []string) (*NetSet, error) {
	s := &NetSet{ranger: cidranger.NewPCTrieRanger()}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", e)
			}
			if ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
		}
		if err := s.ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("insert %q: %w", e, err)
		}
		s.size++
	}
	return s, nil
}

// Contains reports whether ip falls inside any network of the set.
func (s *NetSet) Contains(ip string) bool {
	if s == nil || s.size == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if v4 := parsed.To4(); v4 != nil {
		parsed = v4
	}
	ok, err := s.ranger.Contains(parsed)
	return err == nil && ok
}

// Len returns the number of networks in the set.
func (s *NetSet) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}

// IPResolver derives the client identity from a request. Forwarding headers
// are honoured only when the direct peer is a trusted proxy.
type IPResolver struct {
	trusted *NetSet
}

// NewIPResolver returns a resolver trusting the given proxy networks.
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	set, err := NewNetSet(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return &IPResolver{trusted: set}, nil
}

// Resolve returns the canonical client IP, or "" if none can be determined.
func (r *IPResolver) Resolve(req *http.Request) string {
	peer := req.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	peer = CanonicalIP(peer)
	if peer == "" || !r.trusted.Contains(peer) {
		return peer
	}

	// Walk X-Forwarded-For right to left; the first hop that is not one of
	// our proxies is the client.
	var hops []string
	for _, v := range req.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := CanonicalIP(hops[i])
		if ip == "" {
			// Unparseable entry: stop at the last hop we could verify.
			break
		}
		if !r.trusted.Contains(ip) {
			return ip
		}
		peer = ip
	}
	if len(hops) == 0 {
		if ip := CanonicalIP(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peer
}
