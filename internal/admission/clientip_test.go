package admission

import (
	"net/http/httptest"
	"testing"
)

func TestCanonicalIP(t *testing.T) {
	cases := map[string]string{
		"1.2.3.4":         "1.2.3.4",
		" 1.2.3.4 ":       "1.2.3.4",
		"::ffff:10.0.0.1": "10.0.0.1",
		"2001:DB8::1":     "2001:db8::1",
		"not-an-ip":       "",
		"1.2.3.4:80":      "",
		"":                "",
	}
	for in, want := range cases {
		if got := CanonicalIP(in); got != want {
			t.Errorf("CanonicalIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNetSet(t *testing.T) {
	s, err := NewNetSet([]string{"10.0.0.0/8", "2001:db8::/32", "203.0.113.9"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d", s.Len())
	}
	for ip, want := range map[string]bool{
		"10.20.30.40":     true,
		"::ffff:10.1.1.1": true,
		"2001:db8::5":     true,
		"203.0.113.9":     true,
		"203.0.113.10":    false,
		"garbage":         false,
	} {
		if got := s.Contains(ip); got != want {
			t.Errorf("Contains(%q) = %v, want %v", ip, got, want)
		}
	}

	if _, err := NewNetSet([]string{"10.0.0.0/33"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
	if _, err := NewNetSet([]string{"nope"}); err == nil {
		t.Error("expected error for invalid address")
	}

	var empty *NetSet
	if empty.Contains("1.1.1.1") {
		t.Error("nil set must contain nothing")
	}
}

func TestIPResolver(t *testing.T) {
	r, err := NewIPResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		remote string
		xff    []string
		realIP string
		want   string
	}{
		{"direct", "198.51.100.1:5555", nil, "", "198.51.100.1"},
		{"untrusted peer ignores xff", "198.51.100.1:5555", []string{"203.0.113.7"}, "", "198.51.100.1"},
		{"trusted proxy", "10.0.0.1:5555", []string{"203.0.113.7"}, "", "203.0.113.7"},
		{"proxy chain", "10.0.0.1:5555", []string{"203.0.113.7, 10.0.0.2"}, "", "203.0.113.7"},
		{"spoofed left entry", "10.0.0.1:5555", []string{"1.1.1.1, 203.0.113.7"}, "", "203.0.113.7"},
		{"multiple headers", "10.0.0.1:5555", []string{"203.0.113.7", "10.0.0.3"}, "", "203.0.113.7"},
		{"garbage hop", "10.0.0.1:5555", []string{"203.0.113.7, bogus"}, "", "10.0.0.1"},
		{"real ip", "10.0.0.1:5555", nil, "203.0.113.8", "203.0.113.8"},
		{"only proxies", "10.0.0.1:5555", []string{"10.0.0.9"}, "", "10.0.0.9"},
		{"mapped peer", "[::ffff:198.51.100.2]:5555", nil, "", "198.51.100.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := r.Resolve(req); got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}
