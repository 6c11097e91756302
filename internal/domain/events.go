package domain

import "time"

// EventType names an outbound notification.
type EventType string

const (
	EventLevelUp             EventType = "level_up"
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventXPChanged           EventType = "xp_changed"
)

// LevelUpEvent is published when a mutation crosses a level boundary.
type LevelUpEvent struct {
	PreviousLevel int   `json:"previous_level"`
	NewLevel      int   `json:"new_level"`
	XPGained      int64 `json:"xp_gained"`
}

// Event is the envelope delivered to presentation collaborators.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// XPChangedEvent is published after every committed XP mutation.
type XPChangedEvent struct {
	Delta         int64  `json:"delta"`
	TotalXP       int64  `json:"total_xp"`
	Source        Source `json:"source,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}
