package domain

import "time"

// ActivityEvent is one observation the condition engine can aggregate.
type ActivityEvent struct {
	Source   Source    `json:"source"`
	At       time.Time `json:"at"`
	XP       int64     `json:"xp"`
	Value    float64   `json:"value,omitempty"`
	HasValue bool      `json:"has_value,omitempty"`
}

// ActivitySnapshot is the complete input of a condition evaluation.
// Events are ordered oldest first.
type ActivitySnapshot struct {
	Now           time.Time       `json:"now"`
	TotalXP       int64           `json:"total_xp"`
	Level         int             `json:"level"`
	UnlockedCount int             `json:"unlocked_count"`
	Events        []ActivityEvent `json:"events"`
}

// ActivityFromTransaction converts a ledger row into an activity event.
func ActivityFromTransaction(tx XPTransaction) ActivityEvent {
	ev := ActivityEvent{Source: tx.Source, At: tx.Timestamp, XP: tx.Amount}
	if tx.Value != nil {
		ev.Value = *tx.Value
		ev.HasValue = true
	}
	return ev
}
