package model

import "time"

type ConversationKind string

const (
	ConversationDirect  ConversationKind = "direct"
	ConversationGroup   ConversationKind = "group"
	ConversationNetwork ConversationKind = "network"
)

type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
}

// Participant carries the per-player conversation state. A player who left
// keeps their row with LeftAt set; the conversation itself is never hard
// deleted while anyone remains.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	PlayerID       string     `json:"player_id"`
	Muted          bool       `json:"muted"`
	Pinned         bool       `json:"pinned"`
	Archived       bool       `json:"archived"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     time.Time  `json:"last_read_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

// ConversationFlag names the per-participant toggles.
type ConversationFlag string

const (
	FlagMuted    ConversationFlag = "muted"
	FlagPinned   ConversationFlag = "pinned"
	FlagArchived ConversationFlag = "archived"
)

// ConversationPreview is the list-screen view: conversation plus the latest
// message and unread count for the requesting player.
type ConversationPreview struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
