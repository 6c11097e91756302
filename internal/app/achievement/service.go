package achievement

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/domain"
	"github.com/habitflow/xpengine/internal/infra/atomicstore"
)

// Storage keys.
const (
	KeyUnlocked = "achievements_unlocked"
	KeyProgress = "achievement_progress"
)

// UnlockRecord is the persisted form of one unlock.
type UnlockRecord struct {
	ID         string    `json:"id"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// Service ties the catalog, the condition engine and the guard to storage.
type Service struct {
	catalog *Catalog
	store   *atomicstore.Adapter
	guard   *Guard
	logger  zerolog.Logger
	now     func() time.Time

	faults atomic.Uint64
}

// NewService creates an achievement service.
func NewService(catalog *Catalog, store *atomicstore.Adapter, guard *Guard, logger zerolog.Logger) *Service {
	return &Service{
		catalog: catalog,
		store:   store,
		guard:   guard,
		logger:  logger.With().Str("component", "achievements").Logger(),
		now:     time.Now,
	}
}

// Catalog returns the definitions the service evaluates.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Guard returns the unlock guard.
func (s *Service) Guard() *Guard { return s.guard }

// Load seeds the guard from persisted unlocks.
func (s *Service) Load(ctx context.Context) error {
	records, err := s.unlocked(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	s.guard.Seed(ids)
	s.logger.Debug().Int("unlocked", len(ids)).Msg("achievement state loaded")
	return nil
}

// EvaluateAll runs every locked achievement through the guard and returns
// the ones that unlocked, with UnlockedAt set. Progressive percentages are
// raised, never lowered. A condition that fails to evaluate is counted and
// skipped; storage failures abort.
func (s *Service) EvaluateAll(ctx context.Context, snap domain.ActivitySnapshot) ([]domain.Achievement, error) {
	var (
		unlocked []domain.Achievement
		progress = make(map[string]float64)
	)
	for _, def := range s.catalog.defs {
		if s.guard.IsUnlocked(def.ID) {
			continue
		}
		def := def
		at := s.now().UTC()
		res, err := s.guard.SafeUnlock(ctx, def.ID,
			func(context.Context) (bool, error) { return Evaluate(def.Condition, snap) },
			func(ctx context.Context) error { return s.persistUnlock(ctx, def.ID, at) },
		)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				s.faults.Add(1)
				s.logger.Warn().Err(err).Str("achievement", def.ID).Msg("condition evaluation failed")
				continue
			}
			return unlocked, err
		}
		if res.WasUnlocked {
			def.UnlockedAt = &at
			def.Progress = 100
			unlocked = append(unlocked, def)
			if def.IsProgressive {
				progress[def.ID] = 100
			}
			s.logger.Info().Str("achievement", def.ID).Int64("reward", def.XPReward).Msg("achievement unlocked")
			continue
		}
		if def.IsProgressive && !res.RaceConditionPrevented {
			pct, err := ProgressPercent(def.Condition, snap)
			if err == nil {
				progress[def.ID] = pct
			}
		}
	}
	if err := s.raiseProgress(ctx, progress); err != nil {
		return unlocked, err
	}
	return unlocked, nil
}

// Unlock forces id unlocked regardless of its condition.
func (s *Service) Unlock(ctx context.Context, id string) (domain.Achievement, UnlockResult, error) {
	def, ok := s.catalog.Get(id)
	if !ok {
		return domain.Achievement{}, UnlockResult{}, domain.NotFound("achievement.unlock", id)
	}
	at := s.now().UTC()
	res, err := s.guard.SafeUnlock(ctx, id,
		func(context.Context) (bool, error) { return true, nil },
		func(ctx context.Context) error { return s.persistUnlock(ctx, id, at) },
	)
	if err != nil {
		return def, res, err
	}
	if res.WasUnlocked {
		def.UnlockedAt = &at
		def.Progress = 100
		if def.IsProgressive {
			if err := s.raiseProgress(ctx, map[string]float64{id: 100}); err != nil {
				return def, res, err
			}
		}
		s.logger.Info().Str("achievement", id).Msg("achievement unlocked manually")
	}
	return def, res, nil
}

// List returns every achievement with its unlock time and progress.
// Locked secret achievements are omitted unless includeSecret is set.
func (s *Service) List(ctx context.Context, includeSecret bool) ([]domain.Achievement, error) {
	records, err := s.unlocked(ctx)
	if err != nil {
		return nil, err
	}
	progress, err := atomicstore.Load(ctx, s.store, KeyProgress, map[string]float64{})
	if err != nil {
		return nil, err
	}
	at := make(map[string]time.Time, len(records))
	for _, r := range records {
		at[r.ID] = r.UnlockedAt
	}

	out := make([]domain.Achievement, 0, s.catalog.Len())
	for _, def := range s.catalog.defs {
		if t, ok := at[def.ID]; ok {
			t := t
			def.UnlockedAt = &t
			def.Progress = 100
		} else {
			if def.IsSecret && !includeSecret {
				continue
			}
			def.Progress = progress[def.ID]
		}
		out = append(out, def)
	}
	return out, nil
}

// UnlockedCount returns how many catalog achievements are unlocked.
func (s *Service) UnlockedCount(ctx context.Context) (int, error) {
	records, err := s.unlocked(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if _, ok := s.catalog.Get(r.ID); ok {
			n++
		}
	}
	return n, nil
}

// TotalCount returns the catalog size.
func (s *Service) TotalCount() int { return s.catalog.Len() }

// EvaluationFaults returns how many condition evaluations have failed.
func (s *Service) EvaluationFaults() uint64 { return s.faults.Load() }

// Reset clears persisted unlocks and progress and relocks every id.
func (s *Service) Reset(ctx context.Context) error {
	for _, key := range []string{KeyUnlocked, KeyProgress} {
		if err := s.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	s.guard.Reset()
	s.logger.Info().Msg("achievements reset")
	return nil
}

func (s *Service) unlocked(ctx context.Context) ([]UnlockRecord, error) {
	return atomicstore.Load(ctx, s.store, KeyUnlocked, []UnlockRecord(nil))
}

// persistUnlock adds id to the unlock set. An existing record keeps its
// original timestamp.
func (s *Service) persistUnlock(ctx context.Context, id string, at time.Time) error {
	_, err := atomicstore.Update(ctx, s.store, KeyUnlocked, []UnlockRecord(nil), func(cur []UnlockRecord) ([]UnlockRecord, error) {
		for _, r := range cur {
			if r.ID == id {
				return cur, nil
			}
		}
		cur = append(cur, UnlockRecord{ID: id, UnlockedAt: at})
		sort.Slice(cur, func(i, j int) bool { return cur[i].ID < cur[j].ID })
		return cur, nil
	})
	return err
}

func (s *Service) raiseProgress(ctx context.Context, updates map[string]float64) error {
	if len(updates) == 0 {
		return nil
	}
	_, err := atomicstore.Update(ctx, s.store, KeyProgress, map[string]float64{}, func(cur map[string]float64) (map[string]float64, error) {
		if cur == nil {
			cur = make(map[string]float64, len(updates))
		}
		for id, pct := range updates {
			if pct > cur[id] {
				cur[id] = pct
			}
		}
		return cur, nil
	})
	return err
}
