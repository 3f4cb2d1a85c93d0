package admission

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/developingchet/immune-gate/internal/threat"
)

type replayBody struct {
	io.Reader
	io.Closer
}

// ClientIP resolves the client identity of r.
func (c *Controller) ClientIP(r *http.Request) string {
	if c.d.Resolver == nil {
		return CanonicalIP(r.RemoteAddr)
	}
	return c.d.Resolver.Resolve(r)
}

// Middleware applies Evaluate to every non-exempt request and only calls next
// on ALLOW. Requests whose path is not already clean are rejected before any
// prefix matching, so dot segments cannot smuggle traffic through an exempt
// prefix.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CleanPath(r.URL.Path); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request path"})
			return
		}
		if c.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		req := threat.Request{
			IP:       c.ClientIP(r),
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Headers:  r.Header,
		}
		if r.Body != nil && r.Body != http.NoBody && c.cfg.MaxBodyBytes > 0 {
			buf, err := io.ReadAll(io.LimitReader(r.Body, c.cfg.MaxBodyBytes))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
				return
			}
			req.Body = buf
			r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
		}

		d := c.Evaluate(r.Context(), req)
		switch d.State {
		case StateAllow:
			next.ServeHTTP(w, r)
		case StateChallenge:
			http.Redirect(w, r, c.challengeURL(d), http.StatusSeeOther)
		case StateBan:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"})
		case StateRateLimited:
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service temporarily unavailable"})
		}
	})
}

func (c *Controller) challengeURL(d Decision) string {
	q := url.Values{}
	q.Set("challengeId", d.Challenge.ID)
	q.Set("difficulty", strconv.Itoa(d.Challenge.Difficulty))
	q.Set("returnTo", d.Challenge.ReturnTo)
	path := c.cfg.ChallengePath
	if path == "" {
		path = "/challenge"
	}
	return path + "?" + q.Encode()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
