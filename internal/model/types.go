// Package model holds the value types shared by every session-processing
// component: the conversation identity, its persisted metadata, the
// inbound event shape, the durable job payload, and a history entry.
package model

import (
	"fmt"
	"time"
)

// SessionStatus is SessionMeta's lifecycle flag.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusRunning SessionStatus = "running"
)

// Role distinguishes participants in a HistoryEntry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationKey identifies one conversation: a bot account, a group
// (or "0" for a direct message), and a session id. All three segments
// must satisfy IsSafeSegment.
type ConversationKey struct {
	BotID     string
	GroupID   string
	SessionID string
}

// DirectMessageGroupID is the sentinel GroupID for a direct-message channel.
const DirectMessageGroupID = "0"

// IsDirect reports whether this key addresses a direct-message channel.
func (k ConversationKey) IsDirect() bool { return k.GroupID == DirectMessageGroupID }

// Valid reports whether every segment of the key is a safe path segment.
func (k ConversationKey) Valid() bool {
	return IsSafeSegment(k.BotID) && IsSafeSegment(k.GroupID) && IsSafeSegment(k.SessionID)
}

// String renders the canonical "bot:group:session" form used as the
// suffix of every Redis key and Activity Index member (spec §6).
func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.BotID, k.GroupID, k.SessionID)
}

// BufferKey returns the Redis key for this conversation's message buffer list.
func (k ConversationKey) BufferKey() string {
	return "session:buffer:" + k.String()
}

// GateKey returns the Redis key for this conversation's gate string.
func (k ConversationKey) GateKey() string {
	return "session:gate:" + k.String()
}

// ActivityMember returns this conversation's member string in the
// Activity Index sorted set ("session:last-active").
func (k ConversationKey) ActivityMember() string { return k.String() }

// ParseActivityMember reverses ConversationKey.ActivityMember, returning
// ok=false for any malformed member (spec §4.B: "repaired" — removed).
func ParseActivityMember(member string) (ConversationKey, bool) {
	parts := splitN3(member)
	if parts == nil {
		return ConversationKey{}, false
	}
	k := ConversationKey{BotID: parts[0], GroupID: parts[1], SessionID: parts[2]}
	if !k.Valid() {
		return ConversationKey{}, false
	}
	return k, true
}

func splitN3(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
			if len(out) == 2 {
				out = append(out, s[start:])
				return out
			}
		}
	}
	return nil
}

// SessionMeta is the persisted metadata for one ConversationKey.
// Created lazily on first job, mutated only by the processor holding
// the gate, never destroyed by the core (spec §3).
type SessionMeta struct {
	SessionID       string        `json:"sessionId"`
	GroupID         string        `json:"groupId"`
	BotID           string        `json:"botId"`
	OwnerID         string        `json:"ownerId"`
	Key             int           `json:"key"`
	Status          SessionStatus `json:"status"`
	AgentSessionID  string        `json:"agentSessionId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	DisplayName     string        `json:"displayName,omitempty"`
	PreferredName   string        `json:"preferredName,omitempty"`
	PolicyContext   string        `json:"policyContext,omitempty"` // "build" (default) or "play"

	// LastAssistantMessageID is the agent message id of the last turn
	// this processor accepted and appended to history. Timeout recovery
	// (spec §4.G, §9 Open Question) refuses to replay this id again.
	LastAssistantMessageID string `json:"lastAssistantMessageId,omitempty"`
}

// ConversationKey reconstructs the key this metadata belongs to.
func (m SessionMeta) ConversationKey() ConversationKey {
	return ConversationKey{BotID: m.BotID, GroupID: m.GroupID, SessionID: m.SessionID}
}

// SessionEvent is an immutable snapshot of one inbound message.
type SessionEvent struct {
	Platform  string            `json:"platform"`
	SelfID    string            `json:"selfId"`
	UserID    string            `json:"userId"`
	ChannelID string            `json:"channelId"`
	GuildID   string            `json:"guildId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Content   string            `json:"content"`
	Elements  []string          `json:"elements,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// SessionJobData is the durable queue payload for one conversation's
// pending turn. GateToken is the token the job must match against the
// current gate holder (spec §3 invariant 2).
type SessionJobData struct {
	BotID      string    `json:"botId"`
	GroupID    string    `json:"groupId"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	Key        int       `json:"key"`
	GateToken  string    `json:"gateToken"`
	TraceID    string    `json:"traceId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

// ConversationKey reconstructs the key this job addresses.
func (j SessionJobData) ConversationKey() ConversationKey {
	return ConversationKey{BotID: j.BotID, GroupID: j.GroupID, SessionID: j.SessionID}
}

// Valid checks every job identifier against the safe-segment alphabet
// and that Key is non-negative (spec §4.H worker validation, P5).
func (j SessionJobData) Valid() bool {
	return IsSafeSegment(j.BotID) && IsSafeSegment(j.GroupID) &&
		IsSafeSegment(j.SessionID) && IsSafeSegment(j.UserID) && j.Key >= 0
}

// HistoryEntry is one append-only record in the History Store.
type HistoryEntry struct {
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
	GroupID          string    `json:"groupId,omitempty"`
	SessionID        string    `json:"sessionId,omitempty"`
	IncludeInContext bool      `json:"includeInContext"`
	Trace            string    `json:"trace,omitempty"`
}

// HistoryKey identifies a history stream: the bot account plus the user.
type HistoryKey struct {
	BotAccountID string // "{platform}:{selfId}"
	UserID       string
}

// BotAccountID builds the canonical "{platform}:{selfId}" account id.
func BotAccountID(platform, selfID string) string {
	return platform + ":" + selfID
}
