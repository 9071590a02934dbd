// Package transport defines the surfaces the sync engine consumes: the write
// API, the paginated history API, the realtime event stream and the typing
// broadcast channel. All of them are treated as untrusted and asynchronous;
// the engine never hands raw transport objects to its UI consumer.
package transport

import (
	"context"

	"github.com/courtside/chatsync/internal/model"
)

// SendInput is a message submission. ClientMsgID is the correlation key the
// server must store and echo back; resubmitting the same ClientMsgID must
// not create a second message.
type SendInput struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id"`
}

// WriteAPI is the mutation surface. Every call returns either an
// authoritative result or an error; nothing is applied locally on error.
type WriteAPI interface {
	SendMessage(ctx context.Context, in SendInput) (*model.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, playerID, emoji string) ([]model.ReactionGroup, error)
	MarkRead(ctx context.Context, conversationID, playerID string) error
	SetConversationFlag(ctx context.Context, conversationID, playerID string, flag model.ConversationFlag, on bool) error
	LeaveConversation(ctx context.Context, conversationID, playerID string) error
	UnreadCount(ctx context.Context, playerID string) (int, error)
	SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error)
}

// HistoryAPI pages through a conversation's messages, newest first.
// Exhaustion is signaled by returning fewer items than limit.
type HistoryAPI interface {
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
}

// StreamHandle is an owned subscription to one conversation's events.
// Stop tears the subscription down immediately; after Stop returns no
// further events are delivered on Events.
type StreamHandle interface {
	Events() <-chan Event
	Stop()
}

// EventStream delivers realtime events per conversation. Implementations
// reconnect on channel failure and emit EventResubscribed after a gap so the
// consumer can re-fetch its first page; missed events are not backfilled.
type EventStream interface {
	Subscribe(ctx context.Context, conversationID string) (StreamHandle, error)
}

// PresenceChannel broadcasts the local player's typing state. Receiving other
// players' typing signals happens on the EventStream.
type PresenceChannel interface {
	SignalTyping(ctx context.Context, conversationID string, typing bool) error
}
