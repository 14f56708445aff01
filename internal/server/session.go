package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/corvuslabs/parley/internal/event"
)

// session is one authenticated realtime connection. The read loop runs
// on the ServeHTTP goroutine; a dedicated writer goroutine owns all
// writes so routing code never blocks on a slow client.
type session struct {
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	out          chan event.Frame
	writeTimeout time.Duration

	// cancel tears the whole session down; closed guards out against
	// sends after the writer has exited.
	cancel context.CancelFunc
	done   chan struct{}

	kickOnce   sync.Once
	kickReason string
}

func newSession(userID string, conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration, cancel context.CancelFunc, log *slog.Logger) *session {
	return &session{
		userID:       userID,
		conn:         conn,
		log:          log,
		out:          make(chan event.Frame, sendBuffer),
		writeTimeout: writeTimeout,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Send enqueues an outbound frame. It never blocks: a full buffer or a
// closing session reports false and the frame is dropped.
func (s *session) Send(f event.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Kick asks the session to close. Safe to call from any goroutine and
// more than once; the first reason wins.
func (s *session) Kick(reason string) {
	s.kickOnce.Do(func() {
		s.kickReason = reason
		s.cancel()
	})
}

// writeLoop drains the outbound buffer onto the wire. It exits when ctx
// is cancelled and closes done so pending Sends stop enqueueing.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.out:
			if err := s.write(ctx, f); err != nil {
				s.log.Debug("write failed", "user", s.userID, "type", f.Type, "reason", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *session) write(ctx context.Context, f event.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the session.
func (s *session) keepAlive(ctx context.Context, interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := s.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.log.Debug("keepalive ping failed, closing session", "user", s.userID, "error", err)
				s.cancel()
				return
			}
		}
	}
}
