// Package api is the local operations surface: health, user and group
// administration, recent logs, and optionally Prometheus metrics. It is
// meant to listen on loopback, separate from the realtime listener, so
// monitoring tools can poll it without chat credentials.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvuslabs/parley/internal/config"
	"github.com/corvuslabs/parley/internal/group"
	"github.com/corvuslabs/parley/internal/logring"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/security"
	"github.com/corvuslabs/parley/internal/server"
	"github.com/corvuslabs/parley/internal/store"
)

// Deps bundles what the ops endpoints read from.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Groups    *group.Hub
	Tracker   *server.Tracker
	Logs      *logring.Buffer
	StartTime time.Time
	Version   string
}

// Handler serves the operations endpoints.
type Handler struct {
	cfg  config.OpsConfig
	deps Deps
}

// NewHandler creates the ops handler.
func NewHandler(cfg config.OpsConfig, deps Deps) *Handler {
	return &Handler{cfg: cfg, deps: deps}
}

// Mux builds the ops ServeMux with all configured endpoints.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.HealthEndpoint, h.handleHealth)
	mux.HandleFunc("/api/users", h.requireToken(h.handleUsers))
	mux.HandleFunc("/api/groups", h.requireToken(h.handleGroups))
	mux.HandleFunc("/api/logs", h.requireToken(h.handleLogs))
	if h.cfg.MetricsEnabled {
		mux.Handle(h.cfg.MetricsEndpoint, promhttp.Handler())
	}
	return mux
}

// requireToken gates an endpoint behind ops.auth_token. With no token
// configured the endpoint is open (the listener binds to loopback).
func (h *Handler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			provided := security.ExtractBearerToken(r.Header.Get("Authorization"))
			if !security.TokenMatch(provided, h.cfg.AuthToken) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// healthResponse is the JSON response from the health endpoint.
type healthResponse struct {
	Status         string         `json:"status"`
	Uptime         string         `json:"uptime"`
	ActiveSessions int            `json:"active_sessions"`
	StoreReachable bool           `json:"store_reachable"`
	Version        string         `json:"version,omitempty"`
	Timestamp      string         `json:"timestamp"`
	Details        *healthDetails `json:"details,omitempty"`
}

// healthDetails contains extended health information.
type healthDetails struct {
	TotalConnections int64   `json:"total_connections"`
	TotalEvents      int64   `json:"total_events"`
	MemoryMB         float64 `json:"memory_mb"`
	Goroutines       int     `json:"goroutines"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	storeOK := h.deps.Store.Ping(ctx) == nil

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:         status,
		Uptime:         time.Since(h.deps.StartTime).Round(time.Second).String(),
		ActiveSessions: h.deps.Registry.Count(),
		StoreReachable: storeOK,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.cfg.Detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.deps.Version
		resp.Details = &healthDetails{
			TotalConnections: h.deps.Tracker.TotalConnections(),
			TotalEvents:      h.deps.Tracker.TotalEvents(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
			Goroutines:       runtime.NumGoroutine(),
		}
	}

	writeJSON(w, httpCode, resp)
}

// userEntry is one row of GET /api/users.
type userEntry struct {
	store.User
	Online bool `json:"online"`
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	users, err := h.deps.Store.ListUsers(r.Context())
	if err != nil {
		slog.Error("listing users failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	entries := make([]userEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, userEntry{User: u, Online: h.deps.Registry.Online(u.ID)})
	}
	writeJSON(w, http.StatusOK, entries)
}

// createGroupRequest is the JSON body for POST /api/groups.
type createGroupRequest struct {
	Name      string   `json:"name"`
	OwnerID   string   `json:"ownerId"`
	MemberIDs []string `json:"memberIds"`
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.OwnerID == "" || len(req.MemberIDs) == 0 {
		http.Error(w, "name, ownerId and memberIds are required", http.StatusBadRequest)
		return
	}

	// The owner always belongs to their own group.
	members := req.MemberIDs
	hasOwner := false
	for _, id := range members {
		if id == req.OwnerID {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		members = append(members, req.OwnerID)
	}

	g, err := h.deps.Groups.Create(r.Context(), req.Name, req.OwnerID, members)
	if err != nil {
		slog.Error("creating group failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logring.Entry{})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.deps.Logs.Recent(limit))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
