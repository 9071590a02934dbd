package transport

import (
	"time"

	"github.com/courtside/chatsync/internal/model"
)

type EventType string

const (
	EventMessageInserted EventType = "message_inserted"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageDeleted  EventType = "message_deleted"
	EventMessageRead     EventType = "message_read"
	EventTyping          EventType = "typing"
	EventConversationCreated EventType = "conversation_created"
	EventParticipantAdded    EventType = "participant_added"
	EventParticipantRemoved  EventType = "participant_removed"
	// EventResubscribed is synthesized locally after a reconnect gap; it
	// never travels on the wire.
	EventResubscribed EventType = "resubscribed"
	EventError        EventType = "error"
)

// Event is one frame from the realtime channel. Exactly the fields relevant
// to Type are set; everything else stays zero so redelivered or partial
// frames decode without failing the whole stream.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	Patch          *MessagePatch `json:"patch,omitempty"`
	Typing         *TypingPayload `json:"typing,omitempty"`
	Read           *ReadPayload   `json:"read,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// MessagePatch is a partial update; nil fields are left untouched.
type MessagePatch struct {
	Content   *string               `json:"content,omitempty"`
	EditedAt  *time.Time            `json:"edited_at,omitempty"`
	Deleted   bool                  `json:"deleted,omitempty"`
	Reactions []model.ReactionGroup `json:"reactions,omitempty"`
}

// TypingPayload is broadcast while a player is typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	PlayerID       string `json:"player_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Typing         bool   `json:"typing"`
}

// ReadPayload is broadcast when a player marks a conversation read.
type ReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	PlayerID       string    `json:"player_id"`
	ReadAt         time.Time `json:"read_at"`
}
