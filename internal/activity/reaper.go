package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// ReapFunc is called once per idle ConversationKey found by a Reaper tick.
type ReapFunc func(ctx context.Context, key model.ConversationKey) error

// Reaper periodically scans the Activity Index for conversations idle
// longer than Idle and invokes a callback for each, on a cron-expression
// schedule (e.g. "*/5 * * * *" for every five minutes).
type Reaper struct {
	store *Store
	idle  time.Duration
	cron  string
	onHit ReapFunc
}

// NewReaper builds a Reaper. cronExpr must be a valid five-field cron
// expression; idle is the minimum time since last activity before a key
// is eligible.
func NewReaper(store *Store, cronExpr string, idle time.Duration, onHit ReapFunc) *Reaper {
	return &Reaper{store: store, idle: idle, cron: cronExpr, onHit: onHit}
}

// Run blocks, ticking once a minute and firing a reap pass whenever the
// cron expression matches, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	expr := gronx.NewGronx()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := expr.IsDue(r.cron, now)
			if err != nil {
				slog.Error("activity: invalid reaper cron expression", "cron", r.cron, "error", err)
				continue
			}
			if !due {
				continue
			}
			r.reapOnce(ctx, now)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.idle)
	keys, err := r.store.FetchExpired(ctx, cutoff)
	if err != nil {
		slog.Error("activity: reap fetch failed", "error", err)
		return
	}
	for _, key := range keys {
		if err := r.onHit(ctx, key); err != nil {
			slog.Warn("activity: reap callback failed", "conversation", key.String(), "error", err)
			continue
		}
		if err := r.store.Remove(ctx, key); err != nil {
			slog.Warn("activity: reap remove failed", "conversation", key.String(), "error", err)
		}
	}
}
