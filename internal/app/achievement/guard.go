package achievement

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ─── Unlock Guard ───────────────────────────────────────────────────────────
// Each achievement moves Locked → Evaluating → Unlocked. Unlocked is
// terminal until Reset. A failed or negative evaluation returns the id to
// Locked.

type unlockState uint8

const (
	stateLocked unlockState = iota
	stateEvaluating
	stateUnlocked
)

// UnlockResult is the outcome of SafeUnlock. At most one field is true.
type UnlockResult struct {
	WasUnlocked            bool `json:"was_unlocked"`
	AlreadyUnlocked        bool `json:"already_unlocked"`
	RaceConditionPrevented bool `json:"race_condition_prevented"`
}

// Guard provides per-achievement mutual exclusion around unlocks.
type Guard struct {
	mu     sync.Mutex
	states map[string]unlockState
	races  atomic.Uint64
	logger zerolog.Logger
}

// NewGuard creates a guard with every id locked.
func NewGuard(logger zerolog.Logger) *Guard {
	return &Guard{
		states: make(map[string]unlockState),
		logger: logger.With().Str("component", "unlock_guard").Logger(),
	}
}

// SafeUnlock evaluates predicate and, if it holds, runs commit and marks id
// unlocked. A concurrent call for an id that is already being evaluated
// returns immediately with RaceConditionPrevented. The caller credits any
// reward only when WasUnlocked is true.
func (g *Guard) SafeUnlock(ctx context.Context, id string, predicate func(context.Context) (bool, error), commit func(context.Context) error) (UnlockResult, error) {
	g.mu.Lock()
	switch g.states[id] {
	case stateUnlocked:
		g.mu.Unlock()
		return UnlockResult{AlreadyUnlocked: true}, nil
	case stateEvaluating:
		g.mu.Unlock()
		g.races.Add(1)
		g.logger.Debug().Str("achievement", id).Msg("concurrent unlock suppressed")
		return UnlockResult{RaceConditionPrevented: true}, nil
	}
	g.states[id] = stateEvaluating
	g.mu.Unlock()

	final := stateLocked
	defer func() {
		g.mu.Lock()
		g.states[id] = final
		g.mu.Unlock()
	}()

	ok, err := predicate(ctx)
	if err != nil || !ok {
		return UnlockResult{}, err
	}
	if err := commit(ctx); err != nil {
		return UnlockResult{}, err
	}
	final = stateUnlocked
	return UnlockResult{WasUnlocked: true}, nil
}

// IsUnlocked reports whether id has reached the terminal state.
func (g *Guard) IsUnlocked(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[id] == stateUnlocked
}

// Seed marks ids as already unlocked, e.g. after loading persisted state.
func (g *Guard) Seed(ids []string) {
	g.mu.Lock()
	for _, id := range ids {
		g.states[id] = stateUnlocked
	}
	g.mu.Unlock()
}

// Reset returns every id to Locked.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.states = make(map[string]unlockState)
	g.mu.Unlock()
}

// RacesPrevented returns how many concurrent attempts were suppressed.
func (g *Guard) RacesPrevented() uint64 { return g.races.Load() }
