package model

import (
	"sort"
	"strings"
	"time"
)

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
	MessageStatusDeleted MessageStatus = "deleted"
)

// TentativeIDPrefix marks locally generated ids so they can never collide
// with server-assigned ones.
const TentativeIDPrefix = "tmp-"

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	// ClientMsgID is the correlation key: set by the sender on submit and
	// echoed back on the authoritative record.
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	ReadBy      []string        `json:"read_by,omitempty"`
	Reactions   []ReactionGroup `json:"reactions,omitempty"`
}

// Tentative reports whether the message is a not-yet-confirmed local record.
func (m *Message) Tentative() bool {
	return strings.HasPrefix(m.ID, TentativeIDPrefix)
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	PlayerID  string    `json:"player_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionGroup is the aggregated per-emoji summary shown on a message.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Players []string `json:"players"`
}

// ReactedBy reports whether playerID is among the group's reactors.
func (g ReactionGroup) ReactedBy(playerID string) bool {
	for _, p := range g.Players {
		if p == playerID {
			return true
		}
	}
	return false
}

// ToggleReaction flips playerID's reaction for emoji in groups and returns
// the new summary. Toggling twice restores the original state.
func ToggleReaction(groups []ReactionGroup, emoji, playerID string) []ReactionGroup {
	out := make([]ReactionGroup, 0, len(groups)+1)
	found := false
	for _, g := range groups {
		if g.Emoji != emoji {
			out = append(out, g)
			continue
		}
		found = true
		if g.ReactedBy(playerID) {
			players := make([]string, 0, len(g.Players)-1)
			for _, p := range g.Players {
				if p != playerID {
					players = append(players, p)
				}
			}
			if len(players) == 0 {
				continue // group disappears with its last reactor
			}
			out = append(out, ReactionGroup{Emoji: emoji, Count: len(players), Players: players})
		} else {
			players := append(append([]string(nil), g.Players...), playerID)
			sort.Strings(players)
			out = append(out, ReactionGroup{Emoji: emoji, Count: len(players), Players: players})
		}
	}
	if !found {
		out = append(out, ReactionGroup{Emoji: emoji, Count: 1, Players: []string{playerID}})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
