// Package api exposes the gateway's HTTP surface: challenge endpoints, the
// admin API, health probes and the admitted upstream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/developingchet/immune-gate/internal/trust"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxJSONBody = 64 << 10

// Deps are the components the router dispatches to.
type Deps struct {
	Store      storage.Store
	Controller *admission.Controller
	Admin      *admission.Admin
	Challenges *challenge.Engine
	Bypass     *trust.Evaluator
	Reader     *audit.Reader
	// Upstream receives admitted traffic. Nil answers 404.
	Upstream http.Handler
	Now      func() time.Time
	Log      zerolog.Logger
}

// Options configure the admin surface.
type Options struct {
	AdminAPIKey    string
	AdminRateLimit float64
	AdminRateBurst int
}

// NewHandler builds the gateway router. Challenge, admin and health routes
// are exempt from admission; everything else passes through
// Controller.Middleware before reaching the upstream.
func NewHandler(d Deps, opts Options) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(d.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))

	r.Get("/healthz", handleLive)
	r.Get("/readyz", handleReady(d.Store))

	r.Route("/challenge", func(r chi.Router) {
		h := &challengeHandlers{d: d}
		r.Post("/verify", h.verify)
		r.Post("/bypass", h.bypass)
		r.Post("/issue", h.issue)
		r.Get("/{id}", h.get)
	})

	r.Route("/admin/immune", func(r chi.Router) {
		a := newAdminHandlers(d, opts)
		r.Use(a.throttle)
		r.Use(a.authenticate)
		r.Get("/bans", a.bans)
		r.Get("/bypasses", a.bypasses)
		r.Get("/threats", a.threats)
		r.Get("/pow", a.pow)
		r.Get("/audit", a.auditTrail)
		r.Get("/stats", a.stats)
		r.Get("/config", a.getConfig)
		r.Post("/config", a.setConfig)
		r.Post("/unban", a.unban)
		r.Post("/ban", a.ban)
	})

	upstream := d.Upstream
	if upstream == nil {
		upstream = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "no upstream configured")
		})
	}
	// Subrouters inherit this, so unknown paths under /challenge reach the
	// upstream as exempt traffic once the middleware has checked the path is
	// clean.
	r.NotFound(d.Controller.Middleware(upstream).ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var errBadJSON = errors.New("invalid json")

// decodeJSON reads a single JSON object from the body into v. Unknown fields
// are tolerated; trailing data is not.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errBadJSON)
	}
	return nil
}
