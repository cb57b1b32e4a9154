package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

func testKey() model.ConversationKey {
	return model.ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "sess-a"}
}

func testEvent(content string) model.SessionEvent {
	return model.SessionEvent{Platform: "discord", SelfID: "self1", UserID: "user1", ChannelID: "chan1", Content: content, Timestamp: time.Now()}
}

func TestAppendAndDrainPreservesOrder(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.Append(ctx, key, testEvent("one")))
	require.NoError(t, s.Append(ctx, key, testEvent("two")))
	require.NoError(t, s.Append(ctx, key, testEvent("three")))

	out, err := s.Drain(ctx, key)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "one", out[0].Content)
	assert.Equal(t, "two", out[1].Content)
	assert.Equal(t, "three", out[2].Content)

	// A second drain sees an empty buffer.
	out2, err := s.Drain(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, out2)
}

func TestRequeueFrontRestoresOrderAheadOfNewArrivals(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.RequeueFront(ctx, key, []model.SessionEvent{testEvent("a"), testEvent("b")}))
	require.NoError(t, s.Append(ctx, key, testEvent("c")))

	out, err := s.Drain(ctx, key)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].Content, out[1].Content, out[2].Content})
}

func TestAppendAndRequestJobGrantsExactlyOneToken(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	tok1, err := s.AppendAndRequestJob(ctx, key, testEvent("first"), "token-a")
	require.NoError(t, err)
	assert.Equal(t, "token-a", tok1)

	// A concurrent message finds the gate already held; it only buffers.
	tok2, err := s.AppendAndRequestJob(ctx, key, testEvent("second"), "token-b")
	require.NoError(t, err)
	assert.Empty(t, tok2)

	held, err := s.ClaimGate(ctx, key, "token-a")
	require.NoError(t, err)
	assert.True(t, held)

	heldByOther, err := s.ClaimGate(ctx, key, "token-b")
	require.NoError(t, err)
	assert.False(t, heldByOther)
}

func TestClaimGateRefreshesOwnToken(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	ok, err := s.ClaimGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same token re-claims (TTL refresh), distinct token is refused.
	ok, err = s.ClaimGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimGate(ctx, key, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryReleaseGateRefusesWhenBufferNonEmpty(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	_, err := s.AppendAndRequestJob(ctx, key, testEvent("x"), "tok")
	require.NoError(t, err)

	// A message lands after the drain the caller already performed.
	require.NoError(t, s.Append(ctx, key, testEvent("late")))

	released, err := s.TryReleaseGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.False(t, released)

	held, err := s.ClaimGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestTryReleaseGateSucceedsWhenBufferEmpty(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	_, err := s.AppendAndRequestJob(ctx, key, testEvent("x"), "tok")
	require.NoError(t, err)
	_, err = s.Drain(ctx, key)
	require.NoError(t, err)

	released, err := s.TryReleaseGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, released)

	// Gate is gone — a fresh message can claim it again.
	tok2, err := s.AppendAndRequestJob(ctx, key, testEvent("y"), "tok2")
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok2)
}

func TestReleaseGateRefusesOnTokenMismatch(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	ok, err := s.ClaimGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := s.ReleaseGate(ctx, key, "wrong")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRefreshGateRefusesOnTokenMismatch(t *testing.T) {
	s := New(newFakeRedis(), 0)
	ctx := context.Background()
	key := testKey()

	_, err := s.ClaimGate(ctx, key, "tok")
	require.NoError(t, err)

	ok, err := s.RefreshGate(ctx, key, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RefreshGate(ctx, key, "tok")
	require.NoError(t, err)
	assert.True(t, ok)
}
