package model

import "time"

// TypingIndicator is one "player is typing" signal. At is the receipt time;
// indicators older than the staleness window are hidden.
type TypingIndicator struct {
	PlayerID    string    `json:"player_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at"`
}

// PlayerStatus is the derived liveness view for one player.
type PlayerStatus struct {
	PlayerID string    `json:"player_id"`
	LastSeen time.Time `json:"last_seen"`
	IsOnline bool      `json:"is_online"`
}
