// Package gate implements the Gate Loop (spec §4.F): given a token the
// caller already holds, repeatedly drain the conversation's buffer and
// hand batches to a callback, heartbeating the gate's TTL in the
// background, until the buffer empties and the gate is released or
// another owner takes over.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// Outcome is the loop's sum-type result (spec §9: "return a sum-type
// value" instead of relying on exceptions for control flow).
type Outcome int

const (
	// Drained means the buffer emptied and the gate was released cleanly.
	Drained Outcome = iota
	// LostGate means another owner claimed the gate before this loop
	// could finish; the caller must not assume ownership of anything.
	LostGate
)

func (o Outcome) String() string {
	if o == Drained {
		return "drained"
	}
	return "lost_gate"
}

// BatchResult is onBatch's sum-type return value.
type BatchResult int

const (
	Continue BatchResult = iota
	BatchLostGate
)

// BufferStore is the subset of the Buffer Store the loop drives.
type BufferStore interface {
	ClaimGate(ctx context.Context, key model.ConversationKey, token string) (bool, error)
	RefreshGate(ctx context.Context, key model.ConversationKey, token string) (bool, error)
	Drain(ctx context.Context, key model.ConversationKey) ([]model.SessionEvent, error)
	TryReleaseGate(ctx context.Context, key model.ConversationKey, token string) (bool, error)
}

// OnBatch processes one drained batch of messages.
type OnBatch func(ctx context.Context, msgs []model.SessionEvent) (BatchResult, error)

// heartbeatInterval returns max(1s, min(30s, gateTTL/2)) per spec §4.F.
func heartbeatInterval(gateTTL time.Duration) time.Duration {
	iv := gateTTL / 2
	if iv > 30*time.Second {
		iv = 30 * time.Second
	}
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// Run executes the gate loop. The caller must already hold the gate with
// token before calling Run.
func Run(ctx context.Context, store BufferStore, key model.ConversationKey, token string, gateTTL time.Duration, onBatch OnBatch) (Outcome, error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go heartbeat(hbCtx, store, key, token, heartbeatInterval(gateTTL))

	for {
		ok, err := store.ClaimGate(ctx, key, token)
		if err != nil {
			return LostGate, err
		}
		if !ok {
			return LostGate, nil
		}

		msgs, err := store.Drain(ctx, key)
		if err != nil {
			return LostGate, err
		}

		if len(msgs) == 0 {
			released, err := store.TryReleaseGate(ctx, key, token)
			if err != nil {
				return LostGate, err
			}
			if released {
				return Drained, nil
			}
			// Another producer appended between drain and try-release; loop.
			continue
		}

		result, err := onBatch(ctx, msgs)
		if err != nil {
			return LostGate, err
		}
		if result == BatchLostGate {
			return LostGate, nil
		}
	}
}

func heartbeat(ctx context.Context, store BufferStore, key model.ConversationKey, token string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := store.RefreshGate(ctx, key, token)
			if err != nil {
				slog.Warn("gate: heartbeat refresh failed", "conversation", key.String(), "error", err)
				continue
			}
			if !ok {
				// Gate no longer ours; the main loop will discover this on
				// its next claimGate call. Stop ticking.
				return
			}
		}
	}
}
