// Package achievement evaluates unlock conditions, guards unlocks so each
// achievement is awarded at most once, and persists unlock state.
package achievement

import (
	"fmt"
	"math"
	"time"

	"github.com/habitflow/xpengine/internal/domain"
)

// ─── Condition Engine ───────────────────────────────────────────────────────
// Everything here is a pure function of (condition, snapshot).

// Evaluate reports whether cond holds for snap.
func Evaluate(cond domain.Condition, snap domain.ActivitySnapshot) (bool, error) {
	if err := cond.Validate(); err != nil {
		return false, err
	}
	return evaluate(cond.Normalized(), snap)
}

func evaluate(c domain.Condition, snap domain.ActivitySnapshot) (bool, error) {
	if c.Kind == domain.ConditionCombination {
		n, err := satisfied(c, snap)
		if err != nil {
			return false, err
		}
		return n >= c.Required, nil
	}
	observed, ok, err := observe(c, snap)
	if err != nil || !ok {
		return false, err
	}
	return c.Operator.Compare(observed, c.Target)
}

// Observe returns the measured quantity a condition compares against its
// target: an event count, a streak length, a value, an hour of day, or the
// number of satisfied nested conditions. ok is false when the snapshot has
// nothing to observe, e.g. no matching event for a value condition.
func Observe(cond domain.Condition, snap domain.ActivitySnapshot) (observed float64, ok bool, err error) {
	if err := cond.Validate(); err != nil {
		return 0, false, err
	}
	c := cond.Normalized()
	if c.Kind == domain.ConditionCombination {
		n, err := satisfied(c, snap)
		return float64(n), err == nil, err
	}
	return observe(c, snap)
}

// ProgressPercent is observed/target clamped to [0,100]. Conditions without
// a meaningful ratio (upper bounds, times of day) report 0 or 100.
func ProgressPercent(cond domain.Condition, snap domain.ActivitySnapshot) (float64, error) {
	if err := cond.Validate(); err != nil {
		return 0, err
	}
	c := cond.Normalized()

	if c.Kind == domain.ConditionCombination {
		n, err := satisfied(c, snap)
		if err != nil {
			return 0, err
		}
		return clampPercent(float64(n) / float64(c.Required) * 100), nil
	}

	observed, ok, err := observe(c, snap)
	if err != nil {
		return 0, err
	}
	met := false
	if ok {
		if met, err = c.Operator.Compare(observed, c.Target); err != nil {
			return 0, err
		}
	}
	if met {
		return 100, nil
	}
	ratioed := c.Kind != domain.ConditionTime && (c.Operator == domain.OpGTE || c.Operator == domain.OpGT)
	if !ok || !ratioed || c.Target <= 0 {
		return 0, nil
	}
	return clampPercent(math.Round(observed/c.Target*10000) / 100), nil
}

func satisfied(c domain.Condition, snap domain.ActivitySnapshot) (int, error) {
	n := 0
	for _, nested := range c.Conditions {
		ok, err := evaluate(nested.Normalized(), snap)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func observe(c domain.Condition, snap domain.ActivitySnapshot) (float64, bool, error) {
	switch c.Kind {
	case domain.ConditionCount:
		if c.Source == domain.SourceTotalXP {
			return xpInWindow(c, snap), true, nil
		}
		n := 0
		forEachInWindow(c, snap, func(domain.ActivityEvent) { n++ })
		return float64(n), true, nil

	case domain.ConditionValue:
		if c.Source == domain.SourceTotalXP {
			return xpInWindow(c, snap), true, nil
		}
		var (
			v  float64
			ok bool
		)
		forEachInWindow(c, snap, func(ev domain.ActivityEvent) {
			if ev.HasValue {
				v, ok = ev.Value, true
			}
		})
		return v, ok, nil

	case domain.ConditionTime:
		var (
			at time.Time
			ok bool
		)
		forEachInWindow(c, snap, func(ev domain.ActivityEvent) { at, ok = ev.At, true })
		if !ok {
			return 0, false, nil
		}
		local := at.In(location(snap))
		return float64(local.Hour()) + float64(local.Minute())/60, true, nil

	case domain.ConditionStreak:
		return float64(streak(c, snap)), true, nil

	case domain.ConditionCombination:
		return 0, false, domain.Validation("condition.observe", "combination has no single observation")
	}
	return 0, false, domain.Validation("condition.observe", fmt.Sprintf("unknown condition type %q", c.Kind))
}

// ─── Windows & matching ─────────────────────────────────────────────────────

func location(snap domain.ActivitySnapshot) *time.Location {
	if loc := snap.Now.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

// windowStart returns the earliest instant included in the timeframe.
func windowStart(tf domain.Timeframe, now time.Time) time.Time {
	switch tf {
	case domain.TimeframeDaily:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case domain.TimeframeWeekly:
		return now.Add(-7 * 24 * time.Hour)
	case domain.TimeframeMonthly:
		return now.Add(-30 * 24 * time.Hour)
	}
	return time.Time{}
}

// matches reports whether ev counts as activity for src. Reversals never
// count, and "any" ignores achievement rewards so unlocks do not feed
// themselves.
func matches(ev domain.ActivityEvent, src domain.Source) bool {
	if ev.XP <= 0 {
		return false
	}
	if src == domain.SourceAny {
		return ev.Source != domain.SourceAchievement
	}
	return ev.Source == src
}

func forEachInWindow(c domain.Condition, snap domain.ActivitySnapshot, fn func(domain.ActivityEvent)) {
	start := windowStart(c.Timeframe, snap.Now)
	for _, ev := range snap.Events {
		if ev.At.Before(start) || !matches(ev, c.Source) {
			continue
		}
		fn(ev)
	}
}

// xpInWindow is the net XP in the timeframe. For all_time it is the stored
// total, so the threshold matches what callers see.
func xpInWindow(c domain.Condition, snap domain.ActivitySnapshot) float64 {
	if c.Timeframe == domain.TimeframeAllTime {
		return float64(snap.TotalXP)
	}
	start := windowStart(c.Timeframe, snap.Now)
	var sum int64
	for _, ev := range snap.Events {
		if !ev.At.Before(start) {
			sum += ev.XP
		}
	}
	return float64(sum)
}

// ─── Streaks ────────────────────────────────────────────────────────────────

// period maps t onto a consecutive integer index for the timeframe's unit:
// calendar days for daily and all_time, ISO weeks for weekly, months for
// monthly.
func period(tf domain.Timeframe, t time.Time) int64 {
	y, m, d := t.Date()
	switch tf {
	case domain.TimeframeMonthly:
		return int64(y)*12 + int64(m) - 1
	case domain.TimeframeWeekly:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
		// 1970-01-01 was a Thursday; shift so weeks start on Monday.
		return floorDiv(day+3, 7)
	}
	return floorDiv(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix(), 86400)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// streak counts consecutive periods with matching activity, ending at the
// current period or, if that is still empty, the previous one.
func streak(c domain.Condition, snap domain.ActivitySnapshot) int {
	loc := location(snap)
	active := make(map[int64]bool)
	for _, ev := range snap.Events {
		if matches(ev, c.Source) {
			active[period(c.Timeframe, ev.At.In(loc))] = true
		}
	}
	p := period(c.Timeframe, snap.Now.In(loc))
	if !active[p] {
		p--
	}
	n := 0
	for active[p] {
		n++
		p--
	}
	return n
}

func clampPercent(p float64) float64 {
	return math.Min(math.Max(p, 0), 100)
}
