//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/corvuslabs/parley/internal/api"
	"github.com/corvuslabs/parley/internal/auth"
	"github.com/corvuslabs/parley/internal/bot"
	"github.com/corvuslabs/parley/internal/call"
	"github.com/corvuslabs/parley/internal/config"
	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/group"
	"github.com/corvuslabs/parley/internal/logring"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/presence"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/router"
	"github.com/corvuslabs/parley/internal/security"
	"github.com/corvuslabs/parley/internal/server"
	"github.com/corvuslabs/parley/internal/store"
)

const testSecret = "integration-secret-0123456789abcdef"

// stack is the full server wired the way cmd/parley wires it, but with
// a Badger store in a temp dir and httptest listeners.
type stack struct {
	realtime *httptest.Server
	ops      *httptest.Server
	verifier *auth.Verifier
	store    *store.Badger
}

func newStack(t *testing.T, modCfg func(*config.Config)) *stack {
	t.Helper()

	// Fresh metric registry per stack; promauto registers globally.
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Security.RateLimit.Enabled = false
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.PingInterval = 0
	if modCfg != nil {
		modCfg(cfg)
	}

	st, err := store.OpenBadger(t.TempDir(), cfg.Store.HistoryLimit)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())

	connReg := registry.New()
	hub := group.NewHub(connReg, st, slog.Default())
	rt := router.New(st, connReg, hub, bot.NewClient(cfg.Bot), m, slog.Default())
	broker := call.New(connReg, st, st, cfg.Call.RingTimeout, m, slog.Default())
	pres := presence.New(connReg, st, m, slog.Default())
	go pres.Run(ctx)

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		t.Cleanup(rl.Stop)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	tracker := server.NewTracker()
	handler := server.NewHandler(cfg, server.Deps{
		Registry:    connReg,
		Router:      rt,
		Calls:       broker,
		Groups:      hub,
		Directory:   st,
		Verifier:    verifier,
		Tracker:     tracker,
		RateLimiter: rl,
		Metrics:     m,
		ShutdownCtx: ctx,
	})
	realtime := httptest.NewServer(handler)

	opsHandler := api.NewHandler(cfg.Ops, api.Deps{
		Store:     st,
		Registry:  connReg,
		Groups:    hub,
		Tracker:   tracker,
		Logs:      logring.NewBuffer(100),
		StartTime: time.Now(),
		Version:   "test",
	})
	ops := httptest.NewServer(opsHandler.Mux())

	t.Cleanup(func() {
		cancel()
		realtime.Close()
		ops.Close()
		st.Close()
	})

	return &stack{realtime: realtime, ops: ops, verifier: verifier, store: st}
}

func (s *stack) dial(t *testing.T, ctx context.Context, userID string) *websocket.Conn {
	t.Helper()
	token, err := s.verifier.Issue(userID, userID, "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws" + strings.TrimPrefix(s.realtime.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("reading while waiting for %s: %v", typ, err)
		}
		var raw event.Raw
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if raw.Type == typ {
			return raw.Payload
		}
	}
}

func TestChatEndToEnd(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := s.dial(t, ctx, "alice")
	bob := s.dial(t, ctx, "bob")

	msg := `{"type":"sendMessage","payload":{"recipientId":"bob","body":{"kind":"text","text":"hi bob"}}}`
	if err := alice.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	var got event.NewMessage
	if err := json.Unmarshal(readUntil(t, ctx, bob, event.TypeNewMessage), &got); err != nil {
		t.Fatal(err)
	}
	if got.SenderID != "alice" || got.Body.Text != "hi bob" || got.ID == 0 {
		t.Errorf("delivered message = %+v", got)
	}

	// The message survives in durable history.
	load := `{"type":"loadHistory","payload":{"peerId":"alice"}}`
	if err := bob.Write(ctx, websocket.MessageText, []byte(load)); err != nil {
		t.Fatal(err)
	}
	var hist event.HistoryLoaded
	if err := json.Unmarshal(readUntil(t, ctx, bob, event.TypeHistoryLoaded), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].ID != got.ID {
		t.Errorf("history = %+v", hist)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.realtime.URL, "http")

	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("expected error without token")
	}
	if _, _, err := websocket.Dial(ctx, wsURL+"?token=wrong", nil); err == nil {
		t.Fatal("expected error with bad token")
	}
}

func TestConnectionLimits(t *testing.T) {
	s := newStack(t, func(cfg *config.Config) {
		cfg.Security.MaxConnections = 2
		cfg.Security.MaxConnectionsPerIP = 2
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.dial(t, ctx, "u1")
	s.dial(t, ctx, "u2")

	token, err := s.verifier.Issue("u3", "u3", "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws" + strings.TrimPrefix(s.realtime.URL, "http")
	if _, _, err := websocket.Dial(ctx, wsURL+"?token="+token, nil); err == nil {
		t.Fatal("expected error when max connections reached")
	}
}

func TestRateLimiting(t *testing.T) {
	s := newStack(t, func(cfg *config.Config) {
		cfg.Security.RateLimit.Enabled = true
		cfg.Security.RateLimit.ConnectionsPerMinute = 2
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.dial(t, ctx, "u1")
	s.dial(t, ctx, "u2")

	token, err := s.verifier.Issue("u3", "u3", "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws" + strings.TrimPrefix(s.realtime.URL, "http")
	if _, _, err := websocket.Dial(ctx, wsURL+"?token="+token, nil); err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestGroupOverOps(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := s.dial(t, ctx, "alice")
	bob := s.dial(t, ctx, "bob")

	resp, err := http.Post(s.ops.URL+"/api/groups", "application/json",
		strings.NewReader(`{"name":"ops-made","ownerId":"alice","memberIds":["alice","bob"]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status = %d", resp.StatusCode)
	}
	var g store.Group
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}

	// Both online members hear about the new group.
	readUntil(t, ctx, alice, event.TypeNewGroupAdded)
	readUntil(t, ctx, bob, event.TypeNewGroupAdded)

	// And the group routes messages.
	msg := `{"type":"sendMessage","payload":{"recipientId":"` + g.ID + `","body":{"kind":"text","text":"hello group"}}}`
	if err := alice.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatal(err)
	}
	var got event.NewMessage
	if err := json.Unmarshal(readUntil(t, ctx, bob, event.TypeNewMessage), &got); err != nil {
		t.Fatal(err)
	}
	if got.RecipientID != g.ID {
		t.Errorf("group message = %+v", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newStack(t, nil)

	resp, err := http.Get(s.ops.URL + "/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	var hr struct {
		Status         string `json:"status"`
		StoreReachable bool   `json:"store_reachable"`
		Version        string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hr.Status != "ok" || !hr.StoreReachable {
		t.Errorf("health = %+v", hr)
	}
	if hr.Version != "test" {
		t.Errorf("version = %q, want test", hr.Version)
	}
}
