// Package activity implements the Activity Index (spec §4.B): a Redis
// sorted set mapping a ConversationKey to its last-active timestamp, used
// to find and reap conversations that have gone idle.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// IndexKey is the Redis key for the activity sorted set (spec §6).
const IndexKey = "session:last-active"

// Store is the Activity Index backed by a Redis client's scripting subset.
type Store struct {
	rdb redis.Scripter
}

// New creates a Store.
func New(rdb redis.Scripter) *Store {
	return &Store{rdb: rdb}
}

// RecordActivity sets key's last-active score to ms, or now if ms is zero.
func (s *Store) RecordActivity(ctx context.Context, key model.ConversationKey, ms time.Time) error {
	if ms.IsZero() {
		ms = time.Now()
	}
	score := strconv.FormatInt(ms.UnixMilli(), 10)
	return recordActivityScript.Run(ctx, s.rdb, []string{IndexKey}, key.ActivityMember(), score).Err()
}

// FetchExpired returns every key scored at or below cutoff. Members that
// do not decode to a valid ConversationKey are removed from the index as
// a side effect (spec §4.B: "silently repaired — removed") and excluded
// from the result.
func (s *Store) FetchExpired(ctx context.Context, cutoff time.Time) ([]model.ConversationKey, error) {
	res, err := fetchExpiredScript.Run(ctx, s.rdb, []string{IndexKey}, strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("activity: fetch expired: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]model.ConversationKey, 0, len(raw))
	for _, r := range raw {
		member, ok := r.(string)
		if !ok {
			continue
		}
		key, ok := model.ParseActivityMember(member)
		if !ok {
			slog.Warn("activity: removing malformed member", "member", member)
			if err := s.removeMember(ctx, member); err != nil {
				slog.Warn("activity: failed to remove malformed member", "member", member, "error", err)
			}
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Remove deletes key from the index.
func (s *Store) Remove(ctx context.Context, key model.ConversationKey) error {
	return s.removeMember(ctx, key.ActivityMember())
}

func (s *Store) removeMember(ctx context.Context, member string) error {
	return removeActivityScript.Run(ctx, s.rdb, []string{IndexKey}, member).Err()
}
