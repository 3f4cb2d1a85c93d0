// Package threat scores inbound requests against an ordered table of named
// signatures. Classification is a pure function of the request and the
// store-derived Signals passed in, so results are replayable.
package threat

import (
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Severity buckets a threat score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityFor maps a score in [0,1] to its severity bucket.
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.5:
		return SeverityHigh
	case score >= 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Request is the classifier's view of an inbound HTTP request.
type Request struct {
	IP       string
	Method   string
	Path     string
	RawQuery string
	Headers  http.Header
	Body     []byte
}

// Signals are store-derived counters that feed velocity-style signatures.
type Signals struct {
	// RecentRequests is the request count for the IP in the current window.
	RecentRequests int64
}

// Result is the outcome of a classification.
type Result struct {
	Score    float64  `json:"threatScore"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Factors  []string `json:"factors"`
}

// Options tunes the parameterised signatures.
type Options struct {
	// VelocityThreshold: RecentRequests above this matches velocity_anomaly. 0 disables.
	VelocityThreshold int
	// OversizedPayloadBytes: bodies above this match oversized_payload. 0 disables.
	OversizedPayloadBytes int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{VelocityThreshold: 8, OversizedPayloadBytes: 32 << 10}
}

// Classifier evaluates requests against its signature table. It is safe for
// concurrent use.
type Classifier struct {
	signatures []Signature
}

// New builds a classifier with the default signature table.
func New(opts Options) *Classifier {
	return &Classifier{signatures: defaultSignatures(opts)}
}

// Signatures returns a copy of the signature table in evaluation order.
func (c *Classifier) Signatures() []Signature {
	return append([]Signature(nil), c.signatures...)
}

// Classify scores req. The score is the clamped sum of matched signature
// weights; Category comes from the heaviest match (first in table order on ties).
func (c *Classifier) Classify(req Request, sig Signals) Result {
	in := newInput(req, sig)

	res := Result{Category: CategoryClean, Factors: []string{}}
	var (
		sum       float64
		topWeight float64
	)
	for _, s := range c.signatures {
		if !s.Match(in) {
			continue
		}
		sum += s.Weight
		res.Factors = append(res.Factors, s.Name)
		if s.Weight > topWeight {
			topWeight = s.Weight
			res.Category = s.Category
		}
	}
	res.Score = clamp(sum)
	res.Severity = SeverityFor(res.Score)
	return res
}

func clamp(v float64) float64 {
	v = math.Round(v*1e4) / 1e4
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// input is the normalised request handed to signature predicates.
type input struct {
	path      string // decoded, lower-cased path
	rawTarget string // raw path + query, lower-cased
	payloads  []string
	userAgent string
	headers   http.Header
	body      []byte
	signals   Signals
}

func newInput(req Request, sig Signals) *input {
	headers := req.Headers
	if headers == nil {
		headers = http.Header{}
	}
	path := strings.ToLower(decode(req.Path))
	query := decode(req.RawQuery)

	in := &input{
		path:      path,
		rawTarget: strings.ToLower(req.Path + "?" + req.RawQuery),
		userAgent: strings.TrimSpace(headers.Get("User-Agent")),
		headers:   headers,
		body:      req.Body,
		signals:   sig,
	}
	in.payloads = []string{path, query}
	if len(req.Body) > 0 {
		in.payloads = append(in.payloads, decode(string(req.Body)))
	}
	return in
}

func (in *input) anyPayload(re *regexp.Regexp) bool {
	for _, p := range in.payloads {
		if p != "" && re.MatchString(p) {
			return true
		}
	}
	return false
}

// decode undoes up to two layers of percent-encoding; '+' is treated as a space.
func decode(s string) string {
	for i := 0; i < 2; i++ {
		next, err := url.QueryUnescape(s)
		if err != nil || next == s {
			break
		}
		s = next
	}
	return s
}
