package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapterRecordsRepliesInOrder(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, m.SendReply(ctx, Reply{Platform: "discord", ChannelID: "c1", Text: "first"}))
	require.NoError(t, m.SendReply(ctx, Reply{Platform: "discord", ChannelID: "c1", Text: "second"}))

	require.Len(t, m.Replies, 2)
	assert.Equal(t, "first", m.Replies[0].Text)
	assert.Equal(t, "second", m.Last())
}

func TestMemoryAdapterLastOnEmpty(t *testing.T) {
	m := NewMemoryAdapter()
	assert.Equal(t, "", m.Last())
}
