package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/cerberus/internal/cerberr"
	"github.com/wisbric/cerberus/internal/httpserver"
	"github.com/wisbric/cerberus/internal/threat"
	"github.com/wisbric/cerberus/pkg/haproxy"
)

// adminRoutes mounts the operator surface. Every route requires the
// configured bearer token; an empty token disables the surface entirely.
func (h *Handler) adminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)

	r.Get("/threat-level", h.handleGetThreatLevel)
	r.Post("/threat-level", h.handleSetThreatLevel)
	r.Route("/circuits/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetCircuit)
		r.Delete("/", h.handleBanCircuit)
	})
	r.Get("/stats", h.handleStats)
	r.Get("/cluster", h.handleCluster)
	r.Post("/peers", h.handleAddPeerKey)
	r.Post("/passport", h.handleMintCrossNode)
	return r
}

// requireAdmin authenticates the admin bearer token in constant time.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, hasScheme := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.adminToken == "" || !hasScheme ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// threatLevelResponse exposes the dial and its derived parameters.
type threatLevelResponse struct {
	Level             int    `json:"level"`
	RequiresChallenge bool   `json:"requires_challenge"`
	ChallengeCount    int    `json:"challenge_count"`
	Difficulty        string `json:"difficulty"`
	ChallengeTimeoutS int    `json:"challenge_timeout_secs"`
}

func threatLevelView(level threat.Level) threatLevelResponse {
	return threatLevelResponse{
		Level:             int(level),
		RequiresChallenge: level.RequiresChallenge(),
		ChallengeCount:    level.ChallengeCount(),
		Difficulty:        string(level.Difficulty()),
		ChallengeTimeoutS: level.Difficulty().TimeoutSecs(),
	}
}

func (h *Handler) handleGetThreatLevel(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, threatLevelView(h.dial.Get()))
}

func (h *Handler) handleSetThreatLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "level is required")
		return
	}

	if err := h.dial.Set(r.Context(), threat.NewLevel(req.Level)); err != nil {
		// The local dial moved even if the store write failed.
		h.logger.Error("persisting threat level", "error", err)
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "level set locally, cluster sync failed")
		return
	}
	httpserver.Respond(w, http.StatusOK, threatLevelView(h.dial.Get()))
}

// handleBanCircuit force-bans a circuit and mirrors the ban to the proxy.
func (h *Handler) handleBanCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.tracker.Ban(r.Context(), id, "admin ban"); err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "store_error", "ban failed")
		return
	}

	h.proxy.SetCircuitStatus(r.Context(), id, haproxy.StatusBanned)
	h.notifier.CircuitBanned(r.Context(), id, "admin ban")

	httpserver.Respond(w, http.StatusOK, map[string]string{
		"circuit_id": id,
		"status":     "banned",
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"node_id":        h.nodeID,
		"version":        Version,
		"uptime_secs":    int(time.Since(h.startedAt).Seconds()),
		"threat_level":   int(h.dial.Get()),
		"ammo":           h.box.Stats(),
		"isolated":       h.gossip.IsIsolated(),
		"healthy_peers":  len(h.gossip.HealthyPeers()),
		"tracked_peers":  len(h.gossip.Peers()),
	})
}

func (h *Handler) handleCluster(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"node_id":    h.nodeID,
		"public_key": h.crossNode.PublicKeyB64(),
		"isolated":   h.gossip.IsIsolated(),
		"peers":      h.gossip.Peers(),
	})
}

// handleAddPeerKey registers a peer's Ed25519 public key at runtime.
func (h *Handler) handleAddPeerKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID    string `json:"node_id"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.PublicKey == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "node_id and public_key are required")
		return
	}

	if err := h.crossNode.AddPeerKey(req.NodeID, req.PublicKey); err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "bad_key", "could not register peer key")
		return
	}

	h.logger.Info("peer public key registered", "node_id", req.NodeID)
	httpserver.Respond(w, http.StatusCreated, map[string]string{"node_id": req.NodeID})
}

// handleMintCrossNode issues a signed handoff passport for the shed path.
func (h *Handler) handleMintCrossNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "target is required")
		return
	}

	token, err := h.crossNode.Mint(req.Target)
	if err != nil {
		httpserver.RespondError(w, cerberr.Status(err), "mint_error", "could not mint passport")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"target": req.Target,
		"issuer": h.nodeID,
		"token":  token,
	})
}
