// Package domain contains the pure XP, level and achievement types shared by
// every layer. It has no infrastructure imports.
package domain

import "time"

// ─── XP Ledger Types ────────────────────────────────────────────────────────
// A transaction is the only way XP changes. The running total is derived
// from the transaction list and stored alongside it for fast reads.

// Source is the activity that produced an XP transaction.
type Source string

const (
	SourceHabit       Source = "habit"
	SourceJournal     Source = "journal"
	SourceGoal        Source = "goal"
	SourceAchievement Source = "achievement"
	SourceStreakBonus Source = "streak_bonus"
	SourceAdjustment  Source = "adjustment"

	// SourceTotalXP is a metric pseudo-source. Conditions that name it
	// observe the aggregate XP total instead of individual events.
	SourceTotalXP Source = "total_xp"

	// SourceAny matches every activity source in a condition.
	SourceAny Source = "any"
)

// ActivitySources lists the sources a transaction may carry.
var ActivitySources = []Source{
	SourceHabit, SourceJournal, SourceGoal,
	SourceAchievement, SourceStreakBonus, SourceAdjustment,
}

// Valid reports whether s may be stored on a transaction.
func (s Source) Valid() bool {
	for _, v := range ActivitySources {
		if s == v {
			return true
		}
	}
	return false
}

// XPTransaction is a single immutable row in the XP ledger.
// Amount is positive for credits and negative for reversals; never zero.
type XPTransaction struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Source      Source            `json:"source"`
	SourceID    string            `json:"source_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Multiplier  float64           `json:"multiplier,omitempty"`
	Value       *float64          `json:"value,omitempty"` // observed measurement, e.g. entry length
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AggregateState is the persisted summary kept next to the ledger.
type AggregateState struct {
	TotalXP          int64     `json:"total_xp"`
	TransactionCount int64     `json:"transaction_count"`
	LastActivity     time.Time `json:"last_activity"`
}

// LevelInfo is derived from a total XP value. It is never stored.
type LevelInfo struct {
	Level               int     `json:"level"`
	XPRequiredForLevel  int64   `json:"xp_required_for_level"`
	XPRequiredForNext   int64   `json:"xp_required_for_next"`
	XPFromPreviousLevel int64   `json:"xp_from_previous_level"`
	XPToNextLevel       int64   `json:"xp_to_next_level"`
	ProgressPercent     float64 `json:"progress_percent"`
}

// ─── Inbound Request / Result Types ─────────────────────────────────────────

// AddOptions describes where an XP change came from.
type AddOptions struct {
	Source      Source            `json:"source"`
	SourceID    string            `json:"source_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Multiplier  float64           `json:"multiplier,omitempty"`

	// Internal marks a system adjustment. Internal requests may carry any
	// non-zero amount; user requests must be strictly positive.
	Internal bool `json:"-"`
}

// XPResult is returned by every XP mutation.
type XPResult struct {
	Success              bool                  `json:"success"`
	XPGained             int64                 `json:"xp_gained"`
	TotalXP              int64                 `json:"total_xp"`
	LeveledUp            bool                  `json:"leveled_up"`
	PreviousLevel        int                   `json:"previous_level"`
	NewLevel             int                   `json:"new_level,omitempty"`
	AchievementsUnlocked []AchievementUnlocked `json:"achievements_unlocked"`
	Transaction          XPTransaction         `json:"transaction"`
}

// Stats is the read-only gamification dashboard snapshot.
type Stats struct {
	TotalXP              int64          `json:"total_xp"`
	CurrentLevel         int            `json:"current_level"`
	Progress             LevelInfo      `json:"xp_progress"`
	AchievementsUnlocked int            `json:"achievements_unlocked"`
	TotalAchievements    int            `json:"total_achievements"`
	Streaks              map[Source]int `json:"streaks"`
	TransactionCount     int64          `json:"transaction_count"`
	LastActivity         time.Time      `json:"last_activity"`
}
