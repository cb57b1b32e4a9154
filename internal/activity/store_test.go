package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

func TestRecordAndFetchExpired(t *testing.T) {
	s := New(newFakeRedis())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	k1 := model.ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "old"}
	k2 := model.ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "fresh"}

	require.NoError(t, s.RecordActivity(ctx, k1, base.Add(-time.Hour)))
	require.NoError(t, s.RecordActivity(ctx, k2, base))

	expired, err := s.FetchExpired(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, k1, expired[0])
}

func TestFetchExpiredDropsMalformedMembers(t *testing.T) {
	fake := newFakeRedis()
	s := New(fake)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	fake.scores["not-a-valid-member"] = float64(base.Add(-time.Hour).UnixMilli())
	fake.members["not-a-valid-member"] = true

	expired, err := s.FetchExpired(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.False(t, fake.members["not-a-valid-member"], "malformed member should be removed from the index")
}

func TestRemove(t *testing.T) {
	s := New(newFakeRedis())
	ctx := context.Background()
	k := model.ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "sess"}

	require.NoError(t, s.RecordActivity(ctx, k, time.Now()))
	require.NoError(t, s.Remove(ctx, k))

	expired, err := s.FetchExpired(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}
