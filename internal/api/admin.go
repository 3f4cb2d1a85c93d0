package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"
)

const (
	headerAPIKey = "X-API-Key"
	headerActor  = "X-Admin-Actor"

	defaultListLimit = 50
)

type adminHandlers struct {
	d       Deps
	key     []byte
	limiter *rate.Limiter
}

func newAdminHandlers(d Deps, opts Options) *adminHandlers {
	a := &adminHandlers{d: d, key: []byte(opts.AdminAPIKey)}
	if opts.AdminRateLimit > 0 {
		burst := opts.AdminRateBurst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.AdminRateLimit), burst)
	}
	return a
}

// throttle is a process-local guard in front of the admin surface. It also
// slows key guessing, so it runs before authentication.
func (a *adminHandlers) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			a.respondError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminHandlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(headerAPIKey))
		if len(a.key) == 0 || subtle.ConstantTimeCompare(got, a.key) != 1 {
			hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("admin request rejected: bad api key")
			a.respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminHandlers) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	route := "unknown"
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			route = p
		}
	}
	metrics.AdminRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	writeJSON(w, status, v)
}

func (a *adminHandlers) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	a.respond(w, r, status, map[string]string{"error": msg})
}

func (a *adminHandlers) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	hlog.FromRequest(r).Error().Err(err).Msg(msg)
	a.respondError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
}

func actor(r *http.Request) string {
	if v := r.Header.Get(headerActor); v != "" {
		return v
	}
	return admission.DefaultActor
}

// listLimit parses ?limit=N. Values above audit.MaxPage are clamped.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > audit.MaxPage {
		n = audit.MaxPage
	}
	return n, nil
}

// banView is the admin projection of a live ban.
type banView struct {
	IP           string          `json:"ip"`
	Reason       audit.BanReason `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
	Expires      time.Time       `json:"expires"`
	NodeType     audit.NodeType  `json:"nodeType"`
	PreviousBans int             `json:"previousBans"`
	Actor        string          `json:"actor,omitempty"`
}

func (a *adminHandlers) bans(w http.ResponseWriter, r *http.Request) {
	recs, err := a.d.Reader.ActiveBans(r.Context())
	if err != nil {
		a.internalError(w, r, err, "list active bans failed")
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	out := make([]banView, 0, len(recs))
	for _, b := range recs {
		out = append(out, banView{
			IP:           b.IP,
			Reason:       b.Reason,
			Timestamp:    b.Timestamp,
			Expires:      b.ExpiresAt,
			NodeType:     b.NodeType,
			PreviousBans: b.PreviousBanCount,
			Actor:        b.Actor,
		})
	}
	a.respond(w, r, http.StatusOK, out)
}

// list serves one of the capped audit lists.
func list[T any](a *adminHandlers, w http.ResponseWriter, r *http.Request, read func(*http.Request, int) ([]T, error)) {
	limit, err := listLimit(r)
	if err != nil {
		a.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := read(r, limit)
	if err != nil {
		a.internalError(w, r, err, "read audit list failed")
		return
	}
	if recs == nil {
		recs = []T{}
	}
	a.respond(w, r, http.StatusOK, recs)
}

func (a *adminHandlers) bypasses(w http.ResponseWriter, r *http.Request) {
	list(a, w, r, func(r *http.Request, n int) ([]audit.BypassRecord, error) {
		return a.d.Reader.RecentBypasses(r.Context(), n)
	})
}

func (a *adminHandlers) threats(w http.ResponseWriter, r *http.Request) {
	list(a, w, r, func(r *http.Request, n int) ([]audit.ThreatAlert, error) {
		return a.d.Reader.RecentThreats(r.Context(), n)
	})
}

func (a *adminHandlers) pow(w http.ResponseWriter, r *http.Request) {
	list(a, w, r, func(r *http.Request, n int) ([]audit.PowAttempt, error) {
		return a.d.Reader.RecentPow(r.Context(), n)
	})
}

func (a *adminHandlers) auditTrail(w http.ResponseWriter, r *http.Request) {
	list(a, w, r, func(r *http.Request, n int) ([]audit.AdminAction, error) {
		return a.d.Reader.RecentAdmin(r.Context(), n)
	})
}

func (a *adminHandlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.d.Reader.Stats(r.Context())
	if err != nil {
		a.internalError(w, r, err, "compute stats failed")
		return
	}
	a.respond(w, r, http.StatusOK, st)
}

func (a *adminHandlers) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.d.Admin.Config(r.Context())
	if err != nil {
		a.internalError(w, r, err, "read config failed")
		return
	}
	a.respond(w, r, http.StatusOK, cfg)
}

func (a *adminHandlers) setConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]*bool
	if err := decodeJSON(r, &body); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body) == 0 {
		a.respondError(w, r, http.StatusBadRequest, "no config flags given")
		return
	}
	flags := make([]string, 0, len(body))
	for flag, v := range body {
		if !known(flag) {
			a.respondError(w, r, http.StatusBadRequest, "unknown config flag "+strconv.Quote(flag))
			return
		}
		if v == nil {
			a.respondError(w, r, http.StatusBadRequest, flag+" must be a boolean")
			return
		}
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for _, flag := range flags {
		if err := a.d.Admin.SetConfig(r.Context(), flag, *body[flag], actor(r)); err != nil {
			a.internalError(w, r, err, "write config failed")
			return
		}
	}
	a.getConfig(w, r)
}

func known(flag string) bool {
	for _, f := range admission.KnownFlags {
		if f == flag {
			return true
		}
	}
	return false
}

type unbanBody struct {
	IP string `json:"ip"`
}

type unbanResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *adminHandlers) unban(w http.ResponseWriter, r *http.Request) {
	var body unbanBody
	if err := decodeJSON(r, &body); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	existed, err := a.d.Admin.Unban(r.Context(), body.IP, actor(r))
	if errors.Is(err, admission.ErrInvalidIP) {
		a.respondError(w, r, http.StatusBadRequest, "ip must be a valid IP address")
		return
	}
	if err != nil {
		a.internalError(w, r, err, "unban failed")
		return
	}
	msg := "ban lifted"
	if !existed {
		msg = "no active ban; immunity granted"
	}
	a.respond(w, r, http.StatusOK, unbanResponse{Success: true, Message: msg})
}

type banBody struct {
	IP              string `json:"ip"`
	DurationSeconds int64  `json:"durationSeconds"`
}

func (a *adminHandlers) ban(w http.ResponseWriter, r *http.Request) {
	var body banBody
	if err := decodeJSON(r, &body); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if body.DurationSeconds < 0 {
		a.respondError(w, r, http.StatusBadRequest, "durationSeconds must not be negative")
		return
	}
	rec, err := a.d.Admin.Ban(r.Context(), body.IP, time.Duration(body.DurationSeconds)*time.Second, actor(r))
	if errors.Is(err, admission.ErrInvalidIP) {
		a.respondError(w, r, http.StatusBadRequest, "ip must be a valid IP address")
		return
	}
	if err != nil {
		a.internalError(w, r, err, "manual ban failed")
		return
	}
	a.respond(w, r, http.StatusCreated, rec)
}
