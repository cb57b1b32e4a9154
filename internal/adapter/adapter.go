// Package adapter defines the platform Adapter boundary the Session
// Processor sends finished turns through. Spec §1 scopes platform
// adapters out of the core ("described only by the interface they
// expose to the core"); this package defines exactly that interface
// plus a thin Discord implementation proving it against a real SDK.
package adapter

import "context"

// Reply is one outbound assistant message, addressed back to the
// channel/message the triggering SessionEvent arrived on (spec §4.G:
// "the last message supplies platform/channel/messageId for the
// outbound reply").
type Reply struct {
	Platform       string
	ChannelID      string
	ReplyToMessage string // original inbound message id, if the platform supports threaded replies
	Text           string
}

// Adapter sends a finished turn's reply to its originating channel.
type Adapter interface {
	SendReply(ctx context.Context, reply Reply) error
}
