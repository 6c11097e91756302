// Package level maps XP totals to levels.
//
// Requirements grow in three phases: levels 1-10 are linear, 11-30 add a
// quadratic term, and from 31 on each step is 15% larger than the last.
package level

import (
	"math"
	"sort"

	"github.com/habitflow/xpengine/internal/domain"
)

// MaxLevel is the highest reachable level.
const MaxLevel = 200

const (
	linearEnd    = 10
	quadraticEnd = 30
	linearStep   = 100
	quadCoeff    = 25
	growthRate   = 1.15
)

// requirements[L] is the XP needed to reach level L. Index 0 is unused.
var requirements = buildRequirements()

func buildRequirements() [MaxLevel + 1]int64 {
	var req [MaxLevel + 1]int64
	for l := 1; l <= MaxLevel; l++ {
		switch {
		case l <= linearEnd:
			req[l] = int64(linearStep * (l - 1))
		case l <= quadraticEnd:
			n := int64(l - linearEnd)
			req[l] = req[linearEnd] + linearStep*n + quadCoeff*n*n
		default:
			base := float64(req[quadraticEnd] - req[quadraticEnd-1])
			step := int64(math.Round(base * math.Pow(growthRate, float64(l-quadraticEnd))))
			req[l] = req[l-1] + step
		}
	}
	return req
}

// XPRequiredForLevel returns the total XP needed to reach level. Levels
// below 1 are treated as 1; levels above MaxLevel as MaxLevel.
func XPRequiredForLevel(level int) int64 {
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return requirements[level]
}

// LevelForXP returns the highest level whose requirement is at most xp.
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 1
	}
	// First level whose requirement exceeds xp, minus one.
	i := sort.Search(MaxLevel, func(i int) bool { return requirements[i+1] > xp })
	if i < 1 {
		return 1
	}
	return i
}

// Progress computes the full level breakdown for xp.
func Progress(xp int64) domain.LevelInfo {
	if xp < 0 {
		xp = 0
	}
	lvl := LevelForXP(xp)
	cur := requirements[lvl]
	info := domain.LevelInfo{
		Level:               lvl,
		XPRequiredForLevel:  cur,
		XPFromPreviousLevel: xp - cur,
	}
	if lvl == MaxLevel {
		info.XPRequiredForNext = cur
		info.ProgressPercent = 100
		return info
	}
	next := requirements[lvl+1]
	info.XPRequiredForNext = next
	info.XPToNextLevel = next - xp
	pct := float64(xp-cur) / float64(next-cur) * 100
	info.ProgressPercent = math.Round(math.Min(math.Max(pct, 0), 100)*100) / 100
	return info
}
