package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/immune-gate/internal/audit"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/trust"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type challengeHandlers struct {
	d Deps
}

type verifyBody struct {
	ChallengeID string `json:"challengeId"`
	Nonce       string `json:"nonce"`
	Hash        string `json:"hash"`
	Difficulty  int    `json:"difficulty"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Message  string `json:"message,omitempty"`
	ReturnTo string `json:"returnTo,omitempty"`
}

func (h *challengeHandlers) verify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.ChallengeID == "" || body.Nonce == "" {
		writeError(w, http.StatusBadRequest, "challengeId and nonce are required")
		return
	}

	res := h.d.Challenges.Verify(r.Context(), challenge.VerifyRequest{
		ChallengeID: body.ChallengeID,
		Nonce:       body.Nonce,
		Hash:        body.Hash,
		Difficulty:  body.Difficulty,
		IP:          h.d.Controller.ClientIP(r),
	})
	resp := verifyResponse{Valid: res.Valid, Message: res.Message}
	if res.Valid {
		resp.ReturnTo = res.ReturnTo
	}
	writeJSON(w, http.StatusOK, resp)
}

type bypassBody struct {
	ChallengeID string `json:"challengeId"`
	Reason      string `json:"reason"`
	// Timestamp is the client clock in Unix milliseconds.
	Timestamp       int64  `json:"timestamp"`
	UserAgent       string `json:"userAgent"`
	InteractionData struct {
		TimeOnPage     int64 `json:"timeOnPage"`
		MouseMovements int   `json:"mouseMovements"`
	} `json:"interactionData"`
}

type bypassResponse struct {
	Success  bool   `json:"success"`
	Warning  string `json:"warning,omitempty"`
	Message  string `json:"message,omitempty"`
	ReturnTo string `json:"returnTo,omitempty"`
}

func (h *challengeHandlers) bypass(w http.ResponseWriter, r *http.Request) {
	var body bypassBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ua := body.UserAgent
	if ua == "" {
		ua = r.UserAgent()
	}
	var ts time.Time
	if body.Timestamp > 0 {
		ts = time.UnixMilli(body.Timestamp)
	}

	out, err := h.d.Bypass.RequestBypass(r.Context(), trust.BypassRequest{
		ChallengeID: body.ChallengeID,
		Reason:      audit.BypassReason(body.Reason),
		Interaction: trust.Interaction{
			TimeOnPageMs:   body.InteractionData.TimeOnPage,
			MouseMovements: body.InteractionData.MouseMovements,
		},
		UserAgent: ua,
		Timestamp: ts,
		IP:        h.d.Controller.ClientIP(r),
	})
	if errors.Is(err, trust.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("bypass failed")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, bypassResponse{
		Success:  out.Success,
		Warning:  out.Warning,
		Message:  out.Message,
		ReturnTo: out.ReturnTo,
	})
}

type issueBody struct {
	Difficulty int    `json:"difficulty"`
	ReturnTo   string `json:"returnTo"`
}

// issue hands out a fresh challenge, for example when the page was reloaded
// after the original one expired. Clients may raise the difficulty but never
// lower it below the engine floor.
func (h *challengeHandlers) issue(w http.ResponseWriter, r *http.Request) {
	var body issueBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	ch, err := h.d.Challenges.Request(r.Context(), h.d.Controller.ClientIP(r), body.Difficulty, body.ReturnTo)
	var limit *challenge.IssueLimitError
	switch {
	case errors.Is(err, challenge.ErrBanned):
		writeError(w, http.StatusForbidden, "access denied")
		return
	case errors.As(err, &limit):
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(limit.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, "too many challenges requested")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("issue challenge failed")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	ch.IP = ""
	writeJSON(w, http.StatusCreated, ch)
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (h *challengeHandlers) get(w http.ResponseWriter, r *http.Request) {
	ch, err := h.d.Challenges.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, challenge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "challenge expired or unknown")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load challenge failed")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	ch.IP = ""
	writeJSON(w, http.StatusOK, ch)
}
