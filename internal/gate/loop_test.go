package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// fakeStore is a tiny in-process BufferStore for exercising the loop's
// control flow without Redis.
type fakeStore struct {
	mu       sync.Mutex
	buf      map[model.ConversationKey][]model.SessionEvent
	gate     map[model.ConversationKey]string
	onDrain  func() // injected hook to simulate a racing producer
	injected bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{buf: make(map[model.ConversationKey][]model.SessionEvent), gate: make(map[model.ConversationKey]string)}
}

func (f *fakeStore) ClaimGate(_ context.Context, key model.ConversationKey, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.gate[key]
	if !ok {
		f.gate[key] = token
		return true, nil
	}
	return cur == token, nil
}

func (f *fakeStore) RefreshGate(_ context.Context, key model.ConversationKey, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate[key] == token, nil
}

func (f *fakeStore) Drain(_ context.Context, key model.ConversationKey) ([]model.SessionEvent, error) {
	f.mu.Lock()
	msgs := f.buf[key]
	delete(f.buf, key)
	hook := f.onDrain
	injected := f.injected
	f.mu.Unlock()

	if hook != nil && !injected {
		f.mu.Lock()
		f.injected = true
		f.mu.Unlock()
		hook()
	}
	return msgs, nil
}

func (f *fakeStore) TryReleaseGate(_ context.Context, key model.ConversationKey, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf[key]) > 0 {
		return false, nil
	}
	if f.gate[key] != token {
		return false, nil
	}
	delete(f.gate, key)
	return true, nil
}

func (f *fakeStore) append(key model.ConversationKey, ev model.SessionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[key] = append(f.buf[key], ev)
}

func testKey() model.ConversationKey {
	return model.ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "sess-a"}
}

func TestRunDrainsAndReleasesWhenEmpty(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	key := testKey()
	_, _ = store.ClaimGate(ctx, key, "tok")
	store.append(key, model.SessionEvent{Content: "hi"})

	var received []model.SessionEvent
	outcome, err := Run(ctx, store, key, "tok", time.Second, func(_ context.Context, msgs []model.SessionEvent) (BatchResult, error) {
		received = msgs
		return Continue, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Drained, outcome)
	require.Len(t, received, 1)
	assert.Equal(t, "hi", received[0].Content)

	_, held := store.gate[key]
	assert.False(t, held, "gate must be absent after drained exit (P6)")
}

func TestRunReturnsLostGateWhenOnBatchLosesOwnership(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	key := testKey()
	_, _ = store.ClaimGate(ctx, key, "tok")
	store.append(key, model.SessionEvent{Content: "hi"})

	outcome, err := Run(ctx, store, key, "tok", time.Second, func(_ context.Context, msgs []model.SessionEvent) (BatchResult, error) {
		return BatchLostGate, nil
	})
	require.NoError(t, err)
	assert.Equal(t, LostGate, outcome)
}

func TestRunRetriesWhenAnotherProducerAppendsBetweenDrainAndRelease(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	key := testKey()
	_, _ = store.ClaimGate(ctx, key, "tok")
	store.append(key, model.SessionEvent{Content: "first"})

	batches := 0
	store.onDrain = func() {
		store.append(key, model.SessionEvent{Content: "raced-in"})
	}

	outcome, err := Run(ctx, store, key, "tok", time.Second, func(_ context.Context, msgs []model.SessionEvent) (BatchResult, error) {
		batches++
		return Continue, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Drained, outcome)
	assert.Equal(t, 2, batches, "the racing append must be drained in a second batch before exit")
}

func TestHeartbeatIntervalBounds(t *testing.T) {
	assert.Equal(t, time.Second, heartbeatInterval(500*time.Millisecond))
	assert.Equal(t, 30*time.Second, heartbeatInterval(120*time.Second))
	assert.Equal(t, 30*time.Second, heartbeatInterval(60*time.Second))
}
