// Package presence rebuilds and broadcasts the full roster whenever the
// set of live connections changes. There are no per-user deltas: every
// refresh ships the complete list, so a dropped frame is repaired by the
// next refresh.
package presence

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/store"
)

// Broadcaster joins the user directory with the connection registry and
// pushes the resulting roster to everyone online.
type Broadcaster struct {
	reg     *registry.Registry
	dir     store.UserDirectory
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a broadcaster over reg and dir.
func New(reg *registry.Registry, dir store.UserDirectory, m *metrics.Metrics, log *slog.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, dir: dir, metrics: m, log: log}
}

// Roster builds the current presence list: every directory user with
// their online flag, plus the built-in assistant, which is always
// online even without a directory row.
func (b *Broadcaster) Roster(ctx context.Context) ([]event.PresenceEntry, error) {
	users, err := b.dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	online := b.reg.OnlineIDs()

	entries := lo.Map(users, func(u store.User, _ int) event.PresenceEntry {
		return event.PresenceEntry{
			UserID:   u.ID,
			Username: u.Username,
			Nickname: u.Nickname,
			Avatar:   u.Avatar,
			Online:   u.ID == event.BotUserID || online[u.ID],
		}
	})

	if !lo.ContainsBy(entries, func(e event.PresenceEntry) bool {
		return e.UserID == event.BotUserID
	}) {
		entries = append([]event.PresenceEntry{{
			UserID:   event.BotUserID,
			Username: "assistant",
			Online:   true,
		}}, entries...)
	}
	return entries, nil
}

// Refresh rebuilds the roster and broadcasts it to all live sessions.
func (b *Broadcaster) Refresh(ctx context.Context) error {
	roster, err := b.Roster(ctx)
	if err != nil {
		b.metrics.ErrorsTotal.WithLabelValues("presence_refresh").Inc()
		return err
	}
	sent := b.reg.Broadcast(event.Frame{Type: event.TypePresenceList, Payload: roster})
	b.metrics.PresenceRefreshes.Inc()
	b.log.Debug("presence refreshed", "roster", len(roster), "delivered", sent)
	return nil
}

// Run consumes the registry's coalesced change signal and refreshes
// until ctx is cancelled. Errors are logged, not fatal: the next change
// triggers another attempt.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.reg.Changes():
			if err := b.Refresh(ctx); err != nil {
				b.log.Error("presence refresh failed", "error", err)
			}
		}
	}
}
