package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSafeSegment(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "bot-1", true},
		{"dotted", "v1.2.3", true},
		{"underscore", "user_42", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"leading-dot", ".hidden", false},
		{"slash", "a/b", false},
		{"backslash", `a\b`, false},
		{"traversal", "../etc/passwd", false},
		{"unicode", "café", false},
		{"too-long", strings.Repeat("a", MaxIdentifierLen+1), false},
		{"max-len-ok", strings.Repeat("a", MaxIdentifierLen), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSafeSegment(tc.in))
		})
	}
}

func TestConversationKeyRoundTrip(t *testing.T) {
	k := ConversationKey{BotID: "bot1", GroupID: "0", SessionID: "sess-a"}
	assert.True(t, k.Valid())
	assert.True(t, k.IsDirect())
	assert.Equal(t, "bot1:0:sess-a", k.String())
	assert.Equal(t, "session:buffer:bot1:0:sess-a", k.BufferKey())
	assert.Equal(t, "session:gate:bot1:0:sess-a", k.GateKey())

	parsed, ok := ParseActivityMember(k.ActivityMember())
	assert.True(t, ok)
	assert.Equal(t, k, parsed)
}

func TestParseActivityMemberRejectsMalformed(t *testing.T) {
	_, ok := ParseActivityMember("not-enough-parts")
	assert.False(t, ok)

	_, ok = ParseActivityMember("bot:../escape:sess")
	assert.False(t, ok)
}

func TestSessionJobDataValid(t *testing.T) {
	j := SessionJobData{BotID: "b", GroupID: "0", SessionID: "s", UserID: "u", Key: 0}
	assert.True(t, j.Valid())

	bad := j
	bad.Key = -1
	assert.False(t, bad.Valid())

	bad2 := j
	bad2.SessionID = "../escape"
	assert.False(t, bad2.Valid())
}
