// Package server is the realtime transport: it authenticates WebSocket
// connects, owns the per-connection goroutines, and dispatches inbound
// frames to the router and the call broker.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/corvuslabs/parley/internal/auth"
	"github.com/corvuslabs/parley/internal/call"
	"github.com/corvuslabs/parley/internal/config"
	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/group"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/router"
	"github.com/corvuslabs/parley/internal/security"
	"github.com/corvuslabs/parley/internal/store"
)

// Handler is the HTTP handler that accepts realtime WebSocket
// connections from chat clients.
type Handler struct {
	Config      *config.Config
	Registry    *registry.Registry
	Router      *router.Router
	Calls       *call.Broker
	Groups      *group.Hub
	Directory   store.UserDirectory
	Verifier    *auth.Verifier
	Tracker     *Tracker
	RateLimiter *security.RateLimiter
	Trusted     *security.TrustedNets
	Metrics     *metrics.Metrics
	ShutdownCtx context.Context // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining sessions.
	// Active sessions watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc
	drainOnce   sync.Once

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a realtime handler.
func NewHandler(cfg *config.Config, deps Deps) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Registry:    deps.Registry,
		Router:      deps.Router,
		Calls:       deps.Calls,
		Groups:      deps.Groups,
		Directory:   deps.Directory,
		Verifier:    deps.Verifier,
		Tracker:     deps.Tracker,
		RateLimiter: deps.RateLimiter,
		Trusted:     deps.Trusted,
		Metrics:     deps.Metrics,
		ShutdownCtx: deps.ShutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Registry    *registry.Registry
	Router      *router.Router
	Calls       *call.Broker
	Groups      *group.Hub
	Directory   store.UserDirectory
	Verifier    *auth.Verifier
	Tracker     *Tracker
	RateLimiter *security.RateLimiter
	Trusted     *security.TrustedNets
	Metrics     *metrics.Metrics
	ShutdownCtx context.Context
}

// StartDrain signals all active sessions to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainOnce.Do(h.drainCancel)
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	// 1. Network allowlist
	if h.Trusted != nil && !h.Trusted.Allows(r.RemoteAddr) {
		slog.Warn("rejected connection from untrusted network", "remote_addr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 2. Parse client IP (needed for rate limiting and connection tracking)
	clientIP := security.ExtractClientIP(r.RemoteAddr)

	// 3. Identity check before the upgrade so a bad token gets a clean
	// 403 instead of a post-upgrade close frame.
	token := security.ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.Verifier.Verify(token)
	if err != nil {
		slog.Warn("rejected invalid connect token", "client_ip", clientIP, "error", err)
		h.Metrics.ErrorsTotal.WithLabelValues("auth_failure").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 4. Connection rate limit
	if h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 5. Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Tracker.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Tracker.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Tracker.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	defer h.Tracker.Release(clientIP)
	h.Metrics.ConnectionsTotal.Inc()

	// 6. Upgrade
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	h.serve(clientIP, claims, conn, cfg)
}

// serve runs one authenticated session until its connection drops, it
// is kicked, or the server shuts down.
func (h *Handler) serve(clientIP string, claims *auth.Claims, conn *websocket.Conn, cfg *config.Config) {
	ctx, cancel := context.WithCancel(h.ShutdownCtx)
	defer cancel()

	s := newSession(claims.UserID, conn, cfg.Server.SendBuffer, cfg.Server.WriteTimeout, cancel, slog.Default())

	// The directory row is refreshed from the token on every connect so
	// presence always shows current profile data.
	if err := h.Directory.UpsertUser(ctx, store.User{
		ID:       claims.UserID,
		Username: claims.Username,
		Nickname: claims.Nickname,
		Avatar:   claims.Avatar,
	}); err != nil {
		slog.Error("directory upsert failed", "user", claims.UserID, "error", err)
	}
	if _, err := h.Groups.Attach(ctx, claims.UserID); err != nil {
		slog.Error("group attach failed", "user", claims.UserID, "error", err)
	}

	go s.writeLoop(ctx)
	if cfg.Server.PingInterval > 0 {
		go s.keepAlive(ctx, cfg.Server.PingInterval, cfg.Server.PongTimeout)
	}

	// Drain watcher: when the server starts draining, close gracefully.
	go func() {
		select {
		case <-h.drainCtx.Done():
			s.Kick("server shutting down")
		case <-ctx.Done():
		}
	}()

	// Registering last means the first presence broadcast already sees
	// a session that can receive it.
	handle := h.Registry.Register(claims.UserID, s)
	h.Metrics.ActiveSessions.Inc()
	slog.Info("session opened", "user", claims.UserID, "client_ip", clientIP)

	h.readLoop(ctx, s, cfg)

	cancel()
	h.Registry.Unregister(claims.UserID, handle)
	h.Calls.HangupFor(claims.UserID)
	h.Metrics.ActiveSessions.Dec()

	reason := s.kickReason
	if reason != "" {
		conn.Close(websocket.StatusPolicyViolation, reason)
	} else {
		conn.Close(websocket.StatusGoingAway, "")
	}
	slog.Info("session closed", "user", claims.UserID, "reason", reason)
}

// readLoop consumes inbound frames until the connection or context dies.
func (h *Handler) readLoop(ctx context.Context, s *session, cfg *config.Config) {
	var limiter *rate.Limiter
	if cfg.Security.RateLimit.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.EventsPerSecond), cfg.Security.RateLimit.EventsPerSecond)
	}

	for {
		// Block on the session context only; keepalive pings detect
		// dead connections. A read deadline here would kill idle
		// sessions that are merely quiet.
		_, reader, err := s.conn.Reader(ctx)
		if err != nil {
			slog.Debug("read stopped", "user", s.userID, "reason", err)
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			slog.Debug("read failed", "user", s.userID, "reason", err)
			return
		}
		h.Tracker.CountEvent()

		var raw event.Raw
		if err := json.Unmarshal(data, &raw); err != nil {
			h.Metrics.DroppedEvents.WithLabelValues("malformed").Inc()
			slog.Debug("dropping malformed frame", "user", s.userID, "error", err)
			continue
		}
		h.dispatch(ctx, s, raw)
	}
}

// dispatch decodes one inbound frame and hands it to the owning
// component. A panic in a handler kills the event, not the server.
func (h *Handler) dispatch(ctx context.Context, s *session, raw event.Raw) {
	defer func() {
		if r := recover(); r != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("dispatch_panic").Inc()
			slog.Error("panic handling event", "user", s.userID, "type", raw.Type, "panic", r)
		}
	}()

	switch raw.Type {
	case event.TypeSendMessage:
		var msg event.SendMessage
		if !h.decode(s, raw, &msg) {
			return
		}
		h.Router.Route(ctx, s.userID, msg)
	case event.TypeLoadHistory:
		var req event.LoadHistory
		if !h.decode(s, raw, &req) {
			return
		}
		h.Router.History(ctx, s.userID, req)
	case event.TypeDeleteMessage:
		var req event.DeleteMessage
		if !h.decode(s, raw, &req) {
			return
		}
		h.Router.Delete(ctx, s.userID, req)
	case event.TypeCallOffer:
		var offer event.CallOffer
		if !h.decode(s, raw, &offer) {
			return
		}
		h.Calls.Offer(ctx, s.userID, offer)
	case event.TypeCallAnswer:
		var ans event.CallAnswer
		if !h.decode(s, raw, &ans) {
			return
		}
		h.Calls.Answer(ctx, s.userID, ans)
	case event.TypeICECandidate:
		var cand event.ICECandidate
		if !h.decode(s, raw, &cand) {
			return
		}
		h.Calls.Candidate(ctx, s.userID, cand)
	case event.TypeCallReject:
		var rej event.CallReject
		if !h.decode(s, raw, &rej) {
			return
		}
		h.Calls.Reject(ctx, s.userID, rej)
	case event.TypeCallEnd:
		h.Calls.End(ctx, s.userID)
	default:
		h.Metrics.DroppedEvents.WithLabelValues("unknown_type").Inc()
		slog.Debug("dropping unknown event type", "user", s.userID, "type", raw.Type)
	}
}

func (h *Handler) decode(s *session, raw event.Raw, into any) bool {
	if err := json.Unmarshal(raw.Payload, into); err != nil {
		h.Metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		slog.Debug("dropping malformed payload", "user", s.userID, "type", raw.Type, "error", err)
		return false
	}
	return true
}
