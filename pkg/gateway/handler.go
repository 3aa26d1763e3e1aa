// Package gateway is the Admission API: the HTTP surface between the
// upstream proxy and the verification core.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cerberus/internal/cerberr"
	"github.com/wisbric/cerberus/internal/httpserver"
	"github.com/wisbric/cerberus/internal/telemetry"
	"github.com/wisbric/cerberus/internal/threat"
	"github.com/wisbric/cerberus/pkg/captcha"
	"github.com/wisbric/cerberus/pkg/circuit"
	"github.com/wisbric/cerberus/pkg/gossip"
	"github.com/wisbric/cerberus/pkg/haproxy"
	"github.com/wisbric/cerberus/pkg/notify"
	"github.com/wisbric/cerberus/pkg/passport"
)

// Version is the reported software version.
const Version = "0.3.0"

const (
	headerCircuitID     = "X-Circuit-Id"
	headerPassportToken = "X-Passport-Token"
)

// Handler bridges the upstream proxy and the core subsystems. It holds each
// collaborator as a distinct reference; none of them refer back.
type Handler struct {
	logger    *slog.Logger
	rdb       *redis.Client
	dial      *threat.Dial
	engine    *captcha.Engine
	tracker   *circuit.Tracker
	passports *passport.Service
	crossNode *passport.CrossNode
	gossip    *gossip.Service
	box       *captcha.Box
	proxy     *haproxy.Client
	notifier  *notify.Notifier
	metrics   *prometheus.Registry

	nodeID               string
	maxRequestsPerMinute uint32
	adminToken           string
	startedAt            time.Time
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Logger    *slog.Logger
	Redis     *redis.Client
	Dial      *threat.Dial
	Engine    *captcha.Engine
	Tracker   *circuit.Tracker
	Passports *passport.Service
	CrossNode *passport.CrossNode
	Gossip    *gossip.Service
	Box       *captcha.Box
	Proxy     *haproxy.Client
	Notifier  *notify.Notifier
	Metrics   *prometheus.Registry

	NodeID               string
	MaxRequestsPerMinute uint32
	AdminToken           string
}

// NewHandler creates the admission handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		logger:               cfg.Logger,
		rdb:                  cfg.Redis,
		dial:                 cfg.Dial,
		engine:               cfg.Engine,
		tracker:              cfg.Tracker,
		passports:            cfg.Passports,
		crossNode:            cfg.CrossNode,
		gossip:               cfg.Gossip,
		box:                  cfg.Box,
		proxy:                cfg.Proxy,
		notifier:             cfg.Notifier,
		metrics:              cfg.Metrics,
		nodeID:               cfg.NodeID,
		maxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		adminToken:           cfg.AdminToken,
		startedAt:            time.Now(),
	}
}

// Routes returns the full admission router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.RequestID)
	r.Use(httpserver.Logger(h.logger))
	r.Use(httpserver.Metrics)
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleChallengePage)
	r.Get("/challenge", h.handleChallenge)
	r.Post("/verify", h.handleVerify)
	r.Get("/validate", h.handleValidate)
	r.Get("/app/*", h.handleApp)
	r.Get("/circuit/{id}", h.handleGetCircuit)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{}))

	r.Mount("/admin", h.adminRoutes())
	return r
}

// circuitID resolves the upstream-assigned circuit identifier: the header
// first, then the query string.
func circuitID(r *http.Request) string {
	if id := r.Header.Get(headerCircuitID); id != "" {
		return id
	}
	return r.URL.Query().Get("circuit_id")
}

// handleChallengePage serves the human-facing challenge page.
func (h *Handler) handleChallengePage(w http.ResponseWriter, r *http.Request) {
	cid := circuitID(r)

	allowed, reason, err := h.tracker.IsAllowed(r.Context(), cid)
	if err != nil {
		h.logger.Error("admit check failed", "circuit_id", cid, "error", err)
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "verification temporarily unavailable")
		return
	}
	if !allowed {
		renderDenied(w, reason)
		return
	}

	level := h.dial.Get()
	if !level.RequiresChallenge() {
		renderOpen(w)
		return
	}

	ch, err := h.engine.Generate(r.Context(), cid, level.Difficulty())
	if err != nil {
		h.logger.Error("generating challenge", "circuit_id", cid, "error", err)
		httpserver.RespondError(w, cerberr.Status(err), "captcha_error", "could not generate challenge")
		return
	}
	renderChallenge(w, ch, cid, "")
}

// handleChallenge is the JSON variant of the challenge page.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	cid := circuitID(r)

	allowed, reason, err := h.tracker.IsAllowed(r.Context(), cid)
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "verification temporarily unavailable")
		return
	}
	if !allowed {
		httpserver.RespondError(w, http.StatusForbidden, "denied", reason)
		return
	}

	level := h.dial.Get()
	if !level.RequiresChallenge() {
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"challenge_required": false,
			"threat_level":       int(level),
		})
		return
	}

	ch, err := h.engine.Generate(r.Context(), cid, level.Difficulty())
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "captcha_error", "could not generate challenge")
		return
	}
	httpserver.Respond(w, http.StatusOK, ch)
}

// verifyRequest is the form-or-JSON verify payload.
type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"answer"`
	CircuitID   string `json:"circuit_id,omitempty"`
}

// decodeVerifyRequest accepts either a JSON body or a form post.
func decodeVerifyRequest(r *http.Request) (verifyRequest, bool, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return verifyRequest{}, true, err
		}
		return req, true, nil
	}

	if err := r.ParseForm(); err != nil {
		return verifyRequest{}, false, err
	}
	return verifyRequest{
		ChallengeID: r.PostFormValue("challenge_id"),
		Answer:      r.PostFormValue("answer"),
		CircuitID:   r.PostFormValue("circuit_id"),
	}, false, nil
}

// handleVerify checks an answer, updates circuit reputation, and on success
// hands back a passport: JSON result for JSON callers, redirect for forms.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, isJSON, err := decodeVerifyRequest(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed verify request")
		return
	}
	if req.CircuitID == "" {
		req.CircuitID = circuitID(r)
	}
	if req.ChallengeID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "challenge_id is required")
		return
	}

	result, err := h.engine.Verify(r.Context(), req.ChallengeID, req.Answer, req.CircuitID)
	if err != nil {
		h.logger.Error("verify failed", "challenge_id", req.ChallengeID, "error", err)
		httpserver.RespondError(w, cerberr.Status(err), "verify_error", "verification temporarily unavailable")
		return
	}

	if req.CircuitID != "" {
		if result.Success {
			rec, err := h.passports.Get(r.Context(), result.PassportToken)
			expires := time.Now().Add(h.passports.TTL()).Unix()
			if err == nil && rec != nil {
				expires = rec.ExpiresAt
			}
			info, err := h.tracker.RecordSuccess(r.Context(), req.CircuitID, result.PassportToken, expires)
			if err != nil {
				h.logger.Error("recording success", "circuit_id", req.CircuitID, "error", err)
			} else if info.Status == circuit.StatusVip {
				h.proxy.SetCircuitStatus(r.Context(), req.CircuitID, haproxy.StatusVip)
			}
		} else {
			if _, err := h.tracker.RecordFailure(r.Context(), req.CircuitID); err != nil {
				h.logger.Error("recording failure", "circuit_id", req.CircuitID, "error", err)
			}
		}
	}

	if isJSON {
		httpserver.Respond(w, http.StatusOK, result)
		return
	}

	if result.Success {
		http.Redirect(w, r, "/app/?token="+result.PassportToken, http.StatusSeeOther)
		return
	}

	// Re-render the page with a non-revealing error for form callers.
	level := h.dial.Get()
	ch, err := h.engine.Generate(r.Context(), req.CircuitID, level.Difficulty())
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "captcha_error", "could not generate challenge")
		return
	}
	renderChallenge(w, ch, req.CircuitID, result.ErrorMessage)
}

// handleValidate is the upstream auth subrequest: admissibility, then rate
// limit, then passport liveness. Store failures surface as 503 so the proxy
// fails closed.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	cid := circuitID(r)
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get(headerPassportToken)
	}

	if cid != "" {
		allowed, reason, err := h.tracker.IsAllowed(r.Context(), cid)
		if err != nil {
			telemetry.ValidateRequestsTotal.WithLabelValues("error").Inc()
			httpserver.RespondError(w, cerberr.Status(err), "store_error", "validation unavailable")
			return
		}
		if !allowed {
			telemetry.ValidateRequestsTotal.WithLabelValues("denied").Inc()
			httpserver.RespondError(w, http.StatusForbidden, "denied", reason)
			return
		}

		ok, _, err := h.tracker.CheckRateLimit(r.Context(), cid, h.maxRequestsPerMinute)
		if err != nil {
			telemetry.ValidateRequestsTotal.WithLabelValues("error").Inc()
			httpserver.RespondError(w, cerberr.Status(err), "store_error", "validation unavailable")
			return
		}
		if !ok {
			telemetry.ValidateRequestsTotal.WithLabelValues("rate_limited").Inc()
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
	}

	valid, err := h.passports.Validate(r.Context(), token)
	if err != nil {
		telemetry.ValidateRequestsTotal.WithLabelValues("error").Inc()
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "validation unavailable")
		return
	}
	if !valid {
		telemetry.ValidateRequestsTotal.WithLabelValues("unauthorized").Inc()
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired passport")
		return
	}

	telemetry.ValidateRequestsTotal.WithLabelValues("ok").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "valid"})
}

// handleApp is the demo protected endpoint: a valid passport in the query
// string or a redirect back to the challenge page.
func (h *Handler) handleApp(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	valid, err := h.passports.Validate(r.Context(), token)
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "validation unavailable")
		return
	}
	if !valid {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	renderApp(w)
}

// handleGetCircuit returns the tracked state of one circuit.
func (h *Handler) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "lookup unavailable")
		return
	}
	if info == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "circuit not tracked")
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// handleReady returns 503 when the shared store is unreachable.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.rdb.Ping(r.Context()).Err(); err != nil {
		h.logger.Error("readiness check: redis ping failed", "error", err)
		httpserver.Respond(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"redis":  false,
		})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status": "ready",
		"redis":  true,
	})
}
