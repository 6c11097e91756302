package domain

import (
	"fmt"
	"time"
)

// ─── Achievement Types ──────────────────────────────────────────────────────

// Rarity grades an achievement for presentation and reward sizing.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Achievement is a one-time-unlockable milestone.
// UnlockedAt is set at most once and never cleared.
type Achievement struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description"`
	Category      string     `json:"category,omitempty" yaml:"category"`
	Icon          string     `json:"icon,omitempty" yaml:"icon"`
	Condition     Condition  `json:"condition" yaml:"condition"`
	Rarity        Rarity     `json:"rarity" yaml:"rarity"`
	XPReward      int64      `json:"xp_reward" yaml:"xp_reward"`
	IsProgressive bool       `json:"is_progressive" yaml:"progressive"`
	IsSecret      bool       `json:"is_secret" yaml:"secret"`
	UnlockedAt    *time.Time `json:"unlocked_at,omitempty" yaml:"-"`
	Progress      float64    `json:"progress" yaml:"-"`
}

// Unlocked reports whether the achievement has been unlocked.
func (a Achievement) Unlocked() bool { return a.UnlockedAt != nil }

// AchievementUnlocked is reported when an achievement transitions to unlocked.
type AchievementUnlocked struct {
	Achievement Achievement `json:"achievement"`
	XPAwarded   int64       `json:"xp_awarded"`
}

// ─── Conditions ─────────────────────────────────────────────────────────────
// Condition is a tagged union. Kind selects which fields are meaningful:
//
//	count        Target, Source, Operator, Timeframe
//	streak       Target, Source, Operator, Timeframe (period size)
//	value        Target, Source, Operator, Timeframe
//	time         Target (hour of day), Source, Operator, Timeframe
//	combination  Conditions, Required (0 = all)

// ConditionKind tags a Condition variant.
type ConditionKind string

const (
	ConditionCount       ConditionKind = "count"
	ConditionStreak      ConditionKind = "streak"
	ConditionValue       ConditionKind = "value"
	ConditionTime        ConditionKind = "time"
	ConditionCombination ConditionKind = "combination"
)

// Operator compares an observed value against a target.
type Operator string

const (
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
)

// Compare applies the operator as "observed op target".
func (o Operator) Compare(observed, target float64) (bool, error) {
	switch o {
	case OpGTE:
		return observed >= target, nil
	case OpLTE:
		return observed <= target, nil
	case OpEQ:
		return observed == target, nil
	case OpGT:
		return observed > target, nil
	case OpLT:
		return observed < target, nil
	}
	return false, Validation("compare", fmt.Sprintf("unknown operator %q", o))
}

// Timeframe scopes the aggregation window of a condition.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeAllTime Timeframe = "all_time"
)

// Condition is a declarative unlock rule.
type Condition struct {
	Kind       ConditionKind `json:"type" yaml:"type"`
	Target     float64       `json:"target,omitempty" yaml:"target"`
	Source     Source        `json:"source,omitempty" yaml:"source"`
	Operator   Operator      `json:"operator,omitempty" yaml:"operator"`
	Timeframe  Timeframe     `json:"timeframe,omitempty" yaml:"timeframe"`
	Conditions []Condition   `json:"conditions,omitempty" yaml:"conditions"`
	Required   int           `json:"required,omitempty" yaml:"required"`
}

// Normalized fills defaults: gte operator, all_time timeframe, any source.
func (c Condition) Normalized() Condition {
	if c.Operator == "" {
		c.Operator = OpGTE
	}
	if c.Timeframe == "" {
		c.Timeframe = TimeframeAllTime
	}
	if c.Source == "" {
		c.Source = SourceAny
	}
	if c.Kind == ConditionCombination && c.Required == 0 {
		c.Required = len(c.Conditions)
	}
	return c
}

// Validate rejects malformed conditions with a ValidationError.
func (c Condition) Validate() error {
	c = c.Normalized()
	switch c.Operator {
	case OpGTE, OpLTE, OpEQ, OpGT, OpLT:
	default:
		return Validation("condition", fmt.Sprintf("unknown operator %q", c.Operator))
	}
	switch c.Timeframe {
	case TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeAllTime:
	default:
		return Validation("condition", fmt.Sprintf("unknown timeframe %q", c.Timeframe))
	}
	if c.Source != SourceAny && c.Source != SourceTotalXP && !c.Source.Valid() {
		return Validation("condition", fmt.Sprintf("unknown source %q", c.Source))
	}

	switch c.Kind {
	case ConditionCount, ConditionStreak, ConditionValue:
		if c.Target < 0 {
			return Validation("condition", "target must be >= 0")
		}
	case ConditionTime:
		if c.Target < 0 || c.Target >= 24 {
			return Validation("condition", "time target must be an hour in [0,24)")
		}
	case ConditionCombination:
		if len(c.Conditions) == 0 {
			return Validation("condition", "combination requires nested conditions")
		}
		if c.Required < 1 || c.Required > len(c.Conditions) {
			return Validation("condition", fmt.Sprintf("combination requires %d of %d conditions", c.Required, len(c.Conditions)))
		}
		for i, nested := range c.Conditions {
			if err := nested.Validate(); err != nil {
				return fmt.Errorf("nested condition %d: %w", i, err)
			}
		}
	default:
		return Validation("condition", fmt.Sprintf("unknown condition type %q", c.Kind))
	}
	return nil
}
