// Package buffer implements the Buffer Store (spec §4.A): a per-conversation
// ordered message buffer plus the gate token, both held in Redis. Every
// multi-step contract is a single Lua script (scripts.go) so it stays
// atomic with respect to concurrent callers on the same key.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// DefaultGateTTL and DefaultHeartbeatInterval match spec §4.A's stated
// defaults. The gate TTL must exceed the heartbeat interval by at least 2x.
const (
	DefaultGateTTL           = 60 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
)

// Store is the Buffer Store backed by a Redis client. It depends only on
// the scripting subset of the client (redis.Scripter), which both the
// real go-redis client and a test fake can satisfy.
type Store struct {
	rdb     redis.Scripter
	gateTTL time.Duration
}

// New creates a Store. gateTTL<=0 uses DefaultGateTTL.
func New(rdb redis.Scripter, gateTTL time.Duration) *Store {
	if gateTTL <= 0 {
		gateTTL = DefaultGateTTL
	}
	return &Store{rdb: rdb, gateTTL: gateTTL}
}

func (s *Store) ttlSeconds() string {
	return strconv.FormatInt(int64(s.gateTTL/time.Second), 10)
}

// Append pushes a serialized SessionEvent onto the tail of key's buffer.
func (s *Store) Append(ctx context.Context, key model.ConversationKey, msg model.SessionEvent) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("buffer: marshal event: %w", err)
	}
	return appendScript.Run(ctx, s.rdb, []string{key.BufferKey()}, data).Err()
}

// RequeueFront pushes msgs onto the head of key's buffer, preserving
// their mutual order, ahead of anything already there.
func (s *Store) RequeueFront(ctx context.Context, key model.ConversationKey, msgs []model.SessionEvent) error {
	if len(msgs) == 0 {
		return nil
	}
	argv := make([]interface{}, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("buffer: marshal event: %w", err)
		}
		// Reversed so LPUSH's head-inserting semantics restore original order.
		argv[len(msgs)-1-i] = data
	}
	return requeueFrontScript.Run(ctx, s.rdb, []string{key.BufferKey()}, argv...).Err()
}

// AppendAndRequestJob pushes msg to the tail, then sets the gate to token
// with TTL only if absent. Returns the token iff the gate was newly
// acquired by this call, or "" if someone already holds the gate.
func (s *Store) AppendAndRequestJob(ctx context.Context, key model.ConversationKey, msg model.SessionEvent, token string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("buffer: marshal event: %w", err)
	}
	res, err := appendAndRequestJobScript.Run(ctx, s.rdb,
		[]string{key.BufferKey(), key.GateKey()},
		data, token, s.ttlSeconds(),
	).Result()
	if err == redis.Nil {
		// The script returns false (a nil reply) when the gate is already held.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("buffer: append and request job: %w", err)
	}
	got, ok := res.(string)
	if !ok || got == "" {
		return "", nil
	}
	return got, nil
}

// Drain atomically reads then clears key's buffer, decoding each entry.
// Entries that fail to decode are dropped and logged, not returned.
func (s *Store) Drain(ctx context.Context, key model.ConversationKey) ([]model.SessionEvent, error) {
	res, err := drainScript.Run(ctx, s.rdb, []string{key.BufferKey()}).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: drain: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]model.SessionEvent, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var ev model.SessionEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			slog.Warn("buffer: dropping undecodable entry", "key", key.String(), "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ClaimGate claims the gate for token if absent, or refreshes its TTL if
// token already owns it. Returns false if another token holds the gate.
func (s *Store) ClaimGate(ctx context.Context, key model.ConversationKey, token string) (bool, error) {
	res, err := claimGateScript.Run(ctx, s.rdb, []string{key.GateKey()}, token, s.ttlSeconds()).Result()
	if err != nil {
		return false, fmt.Errorf("buffer: claim gate: %w", err)
	}
	return toBool(res), nil
}

// RefreshGate extends the gate's TTL iff its current value equals token.
func (s *Store) RefreshGate(ctx context.Context, key model.ConversationKey, token string) (bool, error) {
	res, err := refreshGateScript.Run(ctx, s.rdb, []string{key.GateKey()}, token, s.ttlSeconds()).Result()
	if err != nil {
		return false, fmt.Errorf("buffer: refresh gate: %w", err)
	}
	return toBool(res), nil
}

// TryReleaseGate releases the gate iff the buffer is empty. Returns false
// (without releasing) if the buffer has grown since the caller's drain.
func (s *Store) TryReleaseGate(ctx context.Context, key model.ConversationKey, token string) (bool, error) {
	res, err := tryReleaseGateScript.Run(ctx, s.rdb, []string{key.BufferKey(), key.GateKey()}, token).Result()
	if err != nil {
		return false, fmt.Errorf("buffer: try release gate: %w", err)
	}
	return toBool(res), nil
}

// ReleaseGate unconditionally deletes the gate iff its value equals token.
func (s *Store) ReleaseGate(ctx context.Context, key model.ConversationKey, token string) (bool, error) {
	res, err := releaseGateScript.Run(ctx, s.rdb, []string{key.GateKey()}, token).Result()
	if err != nil {
		return false, fmt.Errorf("buffer: release gate: %w", err)
	}
	return toBool(res), nil
}

func toBool(res interface{}) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}
