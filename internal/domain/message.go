// Package domain contains the core types shared across the relay.
package domain

import "time"

// Role identifies which side of the conversation authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted transcript entry. Messages are immutable once
// appended; ordering is carried by the autoincrement ID.
type Message struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Mode selects the behavioral system directive used at prompt composition
// time. Modes are never persisted.
type Mode string

const (
	ModeFriendly Mode = "friendly"
	ModeRobotic  Mode = "robotic"
	ModeStrict   Mode = "strict"
)

// ParseMode maps a raw mode string to a known Mode. Unknown or empty values
// fall back to ModeFriendly.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeRobotic:
		return ModeRobotic
	case ModeStrict:
		return ModeStrict
	default:
		return ModeFriendly
	}
}
