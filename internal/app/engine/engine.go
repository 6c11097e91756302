// Package engine is the gamification façade. Every mutation goes through
// one FIFO queue; reads go straight to storage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/app/achievement"
	"github.com/habitflow/xpengine/internal/app/ledger"
	"github.com/habitflow/xpengine/internal/app/level"
	"github.com/habitflow/xpengine/internal/app/queue"
	"github.com/habitflow/xpengine/internal/domain"
	"github.com/habitflow/xpengine/internal/infra/atomicstore"
	"github.com/habitflow/xpengine/internal/infra/observability"
)

// Config controls engine behavior.
type Config struct {
	MaxPasses        int  // achievement re-evaluation passes per mutation (default: 4)
	QueueBuffer      int  // pending mutation capacity (default: 256)
	LevelCacheSize   int  // memoized level entries (default: 512)
	ReconcileOnStart bool // run a ledger reconciliation in Start
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxPasses:        4,
		QueueBuffer:      queue.DefaultConfig().Buffer,
		LevelCacheSize:   level.DefaultCacheSize,
		ReconcileOnStart: true,
	}
}

// Deps are the collaborators an Engine is built from. Store is required;
// the rest fall back to defaults.
type Deps struct {
	Store       domain.KVStore
	Catalog     *achievement.Catalog
	Events      domain.EventSink
	Diagnostics *observability.Diagnostics
	Tracer      *observability.Tracer
	Logger      zerolog.Logger
}

// Engine owns every piece of gamification state. There is no package-level
// state; two engines over two stores are fully independent.
type Engine struct {
	cfg    Config
	store  domain.KVStore
	queue  *queue.Queue
	ledger *ledger.Ledger
	levels *level.Calculator
	achv   *achievement.Service
	events domain.EventSink
	diag   *observability.Diagnostics
	tracer *observability.Tracer
	logger zerolog.Logger
	now    func() time.Time

	statsMu  sync.Mutex
	stats    *domain.Stats
	statsGen uint64
}

// New wires an engine. Call Start before serving traffic.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	def := DefaultConfig()
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	if deps.Catalog == nil {
		c, err := achievement.DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("engine: default catalog: %w", err)
		}
		deps.Catalog = c
	}
	if deps.Events == nil {
		deps.Events = domain.DiscardEvents
	}
	if deps.Diagnostics == nil {
		deps.Diagnostics = observability.NewDiagnostics(nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer(observability.TracerConfig{Enabled: false})
	}

	levels, err := level.NewCalculator(cfg.LevelCacheSize)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger.With().Str("component", "engine").Logger()
	store := atomicstore.New(deps.Store)
	guard := achievement.NewGuard(deps.Logger)

	e := &Engine{
		cfg:    cfg,
		store:  deps.Store,
		queue:  queue.New(queue.Config{Buffer: cfg.QueueBuffer}, deps.Logger),
		ledger: ledger.New(store, deps.Logger),
		levels: levels,
		achv:   achievement.NewService(deps.Catalog, store, guard, deps.Logger),
		events: deps.Events,
		diag:   deps.Diagnostics,
		tracer: deps.Tracer,
		logger: logger,
		now:    time.Now,
	}
	e.diag.Bind(observability.Sources{
		QueueDepth:       func() int64 { return e.queue.Stats().Depth },
		RacesPrevented:   guard.RacesPrevented,
		EvaluationFaults: e.achv.EvaluationFaults,
	})
	return e, nil
}

// Start loads persisted unlock state and, if configured, reconciles the
// ledger before any mutation runs.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.achv.Load(ctx); err != nil {
		return fmt.Errorf("load achievements: %w", err)
	}
	if e.cfg.ReconcileOnStart {
		if _, err := e.Reconcile(ctx); err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
	}
	total, err := e.ledger.Total(ctx)
	if err != nil {
		return err
	}
	e.diag.SetTotalXP(total)
	e.logger.Info().
		Int64("total_xp", total).
		Int("achievements", e.achv.TotalCount()).
		Msg("engine started")
	return nil
}

// Close drains queued mutations and closes the store.
func (e *Engine) Close() error {
	e.queue.Close()
	return e.store.Close()
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// AddXP credits amount. User requests must be strictly positive; Internal
// requests may carry any non-zero amount. Achievements are evaluated after
// the credit in the same queued operation and their rewards are credited
// before the call returns.
func (e *Engine) AddXP(ctx context.Context, amount int64, opts domain.AddOptions) (domain.XPResult, error) {
	const op = "add_xp"
	if err := validateAdd(op, amount, opts); err != nil {
		e.diag.Record(op, 0, err)
		return domain.XPResult{}, err
	}
	return run(ctx, e, op, func(ctx context.Context) (domain.XPResult, error) {
		return e.applyXP(ctx, scale(amount, opts.Multiplier), opts, true)
	})
}

// SubtractXP records a reversal of amount. The total never drops below
// zero; the recorded transaction carries the amount actually removed.
func (e *Engine) SubtractXP(ctx context.Context, amount int64, opts domain.AddOptions) (domain.XPResult, error) {
	const op = "subtract_xp"
	if amount <= 0 {
		err := domain.Validation("engine."+op, "amount must be positive")
		e.diag.Record(op, 0, err)
		return domain.XPResult{}, err
	}
	if err := validateAdd(op, amount, opts); err != nil {
		e.diag.Record(op, 0, err)
		return domain.XPResult{}, err
	}
	return run(ctx, e, op, func(ctx context.Context) (domain.XPResult, error) {
		return e.applyXP(ctx, -scale(amount, opts.Multiplier), opts, false)
	})
}

// UnlockOutcome is the result of a forced unlock.
type UnlockOutcome struct {
	Achievement     domain.Achievement `json:"achievement"`
	XPAwarded       int64              `json:"xp_awarded"`
	AlreadyUnlocked bool               `json:"already_unlocked"`
	TotalXP         int64              `json:"total_xp"`
	PreviousLevel   int                `json:"previous_level"`
	NewLevel        int                `json:"new_level"`
	LeveledUp       bool               `json:"leveled_up"`

	// Cascade holds achievements credited after this one: those its reward
	// went on to satisfy and any reward left pending by an earlier failure.
	Cascade []domain.AchievementUnlocked `json:"cascade"`
}

// UnlockAchievement unlocks id regardless of its condition and credits its
// reward once. The reward goes through the same path as any other credit:
// further achievements are evaluated and a level change is announced.
func (e *Engine) UnlockAchievement(ctx context.Context, id string) (UnlockOutcome, error) {
	return run(ctx, e, "unlock_achievement", func(ctx context.Context) (UnlockOutcome, error) {
		before, err := e.ledger.Total(ctx)
		if err != nil {
			return UnlockOutcome{}, err
		}
		credited, err := e.ledger.CreditedSourceIDs(ctx, domain.SourceAchievement)
		if err != nil {
			return UnlockOutcome{}, err
		}
		def, res, err := e.achv.Unlock(ctx, id)
		if err != nil {
			return UnlockOutcome{}, err
		}
		out := UnlockOutcome{
			Achievement:     def,
			AlreadyUnlocked: res.AlreadyUnlocked,
			PreviousLevel:   e.levels.Level(before),
			Cascade:         []domain.AchievementUnlocked{},
		}
		total := before
		if res.WasUnlocked {
			u, after, err := e.reward(ctx, def, credited, total)
			if err != nil {
				// The unlock is persisted; the reward stays pending until the
				// next mutation or reconcile settles it.
				e.invalidate()
				e.logger.Error().Err(err).Str("achievement", id).Msg("reward credit failed, left pending")
				return out, err
			}
			out.XPAwarded, total = u.XPAwarded, after
		}

		cascade, after, err := e.evaluateAchievements(ctx, total)
		if err != nil {
			e.logger.Error().Err(err).Str("achievement", id).Msg("achievement evaluation aborted")
		}
		out.Cascade = append(out.Cascade, cascade...)
		out.TotalXP = after
		out.NewLevel, out.LeveledUp = e.finish(out.PreviousLevel, before, after, nil)
		return out, nil
	})
}

// ClearAllData wipes achievement state, then the ledger. Achievements go
// first so a failed reset can simply be retried: rewards already in the
// ledger are never credited twice.
func (e *Engine) ClearAllData(ctx context.Context) error {
	_, err := run(ctx, e, "clear_all_data", func(ctx context.Context) (struct{}, error) {
		if err := e.achv.Reset(ctx); err != nil {
			return struct{}{}, err
		}
		if err := e.ledger.Reset(ctx); err != nil {
			e.invalidate()
			e.logger.Error().Err(err).Msg("partial reset: achievements cleared, ledger kept")
			return struct{}{}, err
		}
		e.invalidate()
		e.diag.SetTotalXP(0)
		e.publish(domain.EventXPChanged, domain.XPChangedEvent{})
		return struct{}{}, nil
	})
	return err
}

// Reconcile repairs the stored total and aggregate from the transaction log
// and credits any unlocked achievement whose reward is missing.
func (e *Engine) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	return run(ctx, e, "reconcile", func(ctx context.Context) (ledger.ReconcileReport, error) {
		report, err := e.ledger.Reconcile(ctx)
		if err != nil {
			return report, err
		}
		before := report.TransactionSum
		prevLevel := e.levels.Level(before)

		credited, err := e.ledger.CreditedSourceIDs(ctx, domain.SourceAchievement)
		if err != nil {
			return report, err
		}
		settled, total, settleErr := e.settleRewards(ctx, credited, before)
		report.RewardsSettled = len(settled)
		if len(settled) > 0 && settleErr == nil {
			var evalErr error
			if _, total, evalErr = e.evaluateAchievements(ctx, total); evalErr != nil {
				e.logger.Error().Err(evalErr).Msg("achievement evaluation aborted")
			}
		}
		if report.Repaired() {
			e.diag.ConsistencyRepaired()
			e.finish(prevLevel, before, total, nil)
		}
		return report, settleErr
	})
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// TotalXP returns the committed total.
func (e *Engine) TotalXP(ctx context.Context) (int64, error) {
	return e.ledger.Total(ctx)
}

// Level returns the level breakdown for the committed total.
func (e *Engine) Level(ctx context.Context) (domain.LevelInfo, error) {
	total, err := e.ledger.Total(ctx)
	if err != nil {
		return domain.LevelInfo{}, err
	}
	return e.levels.Progress(total), nil
}

// Transactions returns the ledger in insertion order.
func (e *Engine) Transactions(ctx context.Context) ([]domain.XPTransaction, error) {
	return e.ledger.Transactions(ctx)
}

// Achievements lists the catalog with unlock state and progress.
func (e *Engine) Achievements(ctx context.Context, includeSecret bool) ([]domain.Achievement, error) {
	return e.achv.List(ctx, includeSecret)
}

// Stats returns the dashboard snapshot, cached until the next mutation.
func (e *Engine) Stats(ctx context.Context) (domain.Stats, error) {
	e.statsMu.Lock()
	if e.stats != nil {
		st := copyStats(*e.stats)
		e.statsMu.Unlock()
		return st, nil
	}
	gen := e.statsGen
	e.statsMu.Unlock()

	st, err := e.computeStats(ctx)
	if err != nil {
		return domain.Stats{}, err
	}

	e.statsMu.Lock()
	if e.statsGen == gen {
		cached := copyStats(st)
		e.stats = &cached
	}
	e.statsMu.Unlock()
	return st, nil
}

// Diagnostics returns operation health figures.
func (e *Engine) Diagnostics() observability.Snapshot { return e.diag.Snapshot() }

// Spans returns up to limit recent trace spans.
func (e *Engine) Spans(limit int) []observability.Span { return e.tracer.Spans(limit) }

// QueueStats returns mutation queue counters.
func (e *Engine) QueueStats() queue.Stats { return e.queue.Stats() }

// LevelCacheStats returns level memoization counters.
func (e *Engine) LevelCacheStats() level.CacheStats { return e.levels.Stats() }

// ─── Internals ──────────────────────────────────────────────────────────────

// run submits fn to the queue and records its span and outcome.
func run[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := e.tracer.StartSpan(ctx, op)
	start := time.Now()
	out, err := queue.Submit(ctx, e.queue, op, fn)
	elapsed := time.Since(start)
	e.tracer.EndSpan(span, err)
	e.diag.Record(op, elapsed, err)
	if err != nil {
		e.logger.Warn().Err(err).Str("op", op).Dur("elapsed", elapsed).Msg("operation failed")
	}
	return out, err
}

func validateAdd(op string, amount int64, opts domain.AddOptions) error {
	switch {
	case amount == 0:
		return domain.Validation("engine."+op, "amount must be non-zero")
	case amount < 0 && !opts.Internal:
		return domain.Validation("engine."+op, "amount must be positive")
	case opts.Multiplier < 0 || math.IsNaN(opts.Multiplier) || math.IsInf(opts.Multiplier, 0):
		return domain.Validation("engine."+op, "multiplier must be a non-negative number")
	case !opts.Source.Valid():
		return domain.Validation("engine."+op, fmt.Sprintf("unknown source %q", opts.Source))
	}
	return nil
}

// scale applies a multiplier, rounding and keeping at least 1 XP.
func scale(amount int64, multiplier float64) int64 {
	if multiplier == 0 || multiplier == 1 {
		return amount
	}
	scaled := int64(math.Round(float64(amount) * multiplier))
	switch {
	case amount > 0 && scaled < 1:
		return 1
	case amount < 0 && scaled > -1:
		return -1
	}
	return scaled
}

func (e *Engine) applyXP(ctx context.Context, amount int64, opts domain.AddOptions, evaluate bool) (domain.XPResult, error) {
	before, err := e.ledger.Total(ctx)
	if err != nil {
		return domain.XPResult{}, err
	}
	prevLevel := e.levels.Level(before)

	tx, total, err := e.ledger.Apply(ctx, domain.XPTransaction{
		Amount:      amount,
		Source:      opts.Source,
		SourceID:    opts.SourceID,
		Description: opts.Description,
		Multiplier:  opts.Multiplier,
		Value:       opts.Value,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return domain.XPResult{}, err
	}

	result := domain.XPResult{
		Success:              true,
		XPGained:             tx.Amount,
		PreviousLevel:        prevLevel,
		AchievementsUnlocked: []domain.AchievementUnlocked{},
		Transaction:          tx,
	}
	if evaluate {
		unlocked, after, err := e.evaluateAchievements(ctx, total)
		if err != nil {
			// The credit is committed; unlocks and rewards left pending are
			// settled by the next mutation or reconcile.
			e.logger.Error().Err(err).Str("tx", tx.ID).Msg("achievement evaluation aborted")
		}
		result.AchievementsUnlocked = append(result.AchievementsUnlocked, unlocked...)
		total = after
	}
	result.TotalXP = total

	var changed *domain.XPChangedEvent
	if tx.ID != "" {
		changed = &domain.XPChangedEvent{
			Delta:         tx.Amount,
			TotalXP:       total,
			Source:        tx.Source,
			TransactionID: tx.ID,
		}
	}
	result.NewLevel, result.LeveledUp = e.finish(prevLevel, before, total, changed)
	return result, nil
}

// finish is the common tail of every credit: caches are invalidated once,
// the total is recorded, and XP and level changes are announced. A nil
// changed event is synthesized from the totals when they differ. It returns
// the new level and whether it rose.
func (e *Engine) finish(prevLevel int, before, total int64, changed *domain.XPChangedEvent) (int, bool) {
	e.invalidate()
	e.diag.SetTotalXP(total)

	if changed == nil && total != before {
		changed = &domain.XPChangedEvent{Delta: total - before, TotalXP: total, Source: domain.SourceAchievement}
	}
	if changed != nil {
		e.publish(domain.EventXPChanged, *changed)
	}

	newLevel := e.levels.Level(total)
	if newLevel <= prevLevel {
		return newLevel, false
	}
	e.publish(domain.EventLevelUp, domain.LevelUpEvent{
		PreviousLevel: prevLevel,
		NewLevel:      newLevel,
		XPGained:      total - before,
	})
	e.logger.Info().Int("from", prevLevel).Int("to", newLevel).Msg("level up")
	return newLevel, true
}

// evaluateAchievements first settles rewards left pending by an earlier
// failure, then unlocks whatever the current state satisfies and credits
// rewards. Rewards can satisfy further conditions, so it repeats until a
// pass unlocks nothing or MaxPasses is reached. A failed credit does not
// stop the rest of the pass; its reward stays pending.
func (e *Engine) evaluateAchievements(ctx context.Context, total int64) ([]domain.AchievementUnlocked, int64, error) {
	credited, err := e.ledger.CreditedSourceIDs(ctx, domain.SourceAchievement)
	if err != nil {
		return nil, total, err
	}
	out, total, err := e.settleRewards(ctx, credited, total)
	if err != nil {
		return out, total, err
	}

	for pass := 0; pass < e.cfg.MaxPasses; pass++ {
		snap, err := e.snapshot(ctx, total)
		if err != nil {
			return out, total, err
		}
		unlocked, evalErr := e.achv.EvaluateAll(ctx, snap)

		var creditErr error
		for _, a := range unlocked {
			u, after, err := e.reward(ctx, a, credited, total)
			if err != nil {
				e.logger.Error().Err(err).Str("achievement", a.ID).Msg("reward credit failed, left pending")
				if creditErr == nil {
					creditErr = err
				}
				continue
			}
			total = after
			out = append(out, u)
		}
		if evalErr != nil {
			return out, total, evalErr
		}
		if creditErr != nil {
			return out, total, creditErr
		}
		if len(unlocked) == 0 {
			break
		}
	}
	return out, total, nil
}

// settleRewards credits every unlocked achievement whose reward transaction
// is missing from the ledger.
func (e *Engine) settleRewards(ctx context.Context, credited map[string]bool, total int64) ([]domain.AchievementUnlocked, int64, error) {
	list, err := e.achv.List(ctx, true)
	if err != nil {
		return nil, total, err
	}
	var out []domain.AchievementUnlocked
	for _, a := range list {
		if !a.Unlocked() || a.XPReward <= 0 || credited[a.ID] {
			continue
		}
		u, after, err := e.reward(ctx, a, credited, total)
		if err != nil {
			return out, total, err
		}
		total = after
		out = append(out, u)
		e.logger.Warn().Str("achievement", a.ID).Int64("reward", u.XPAwarded).Msg("pending reward credited")
	}
	return out, total, nil
}

// reward credits a's reward unless the ledger already holds it, then
// announces the unlock. Nothing is announced when the credit fails. The
// caller is already running inside the queue.
func (e *Engine) reward(ctx context.Context, a domain.Achievement, credited map[string]bool, total int64) (domain.AchievementUnlocked, int64, error) {
	u := domain.AchievementUnlocked{Achievement: a}
	if a.XPReward > 0 && !credited[a.ID] {
		tx, after, err := e.ledger.Apply(ctx, domain.XPTransaction{
			Amount:      a.XPReward,
			Source:      domain.SourceAchievement,
			SourceID:    a.ID,
			Description: "Achievement unlocked: " + a.Name,
		})
		if err != nil {
			return u, total, err
		}
		credited[a.ID] = true
		u.XPAwarded = tx.Amount
		total = after
	}
	e.publish(domain.EventAchievementUnlocked, u)
	return u, total, nil
}

func (e *Engine) snapshot(ctx context.Context, total int64) (domain.ActivitySnapshot, error) {
	txs, err := e.ledger.Transactions(ctx)
	if err != nil {
		return domain.ActivitySnapshot{}, err
	}
	unlocked, err := e.achv.UnlockedCount(ctx)
	if err != nil {
		return domain.ActivitySnapshot{}, err
	}
	snap := domain.ActivitySnapshot{
		Now:           e.now(),
		TotalXP:       total,
		Level:         e.levels.Level(total),
		UnlockedCount: unlocked,
		Events:        make([]domain.ActivityEvent, 0, len(txs)),
	}
	for _, tx := range txs {
		snap.Events = append(snap.Events, domain.ActivityFromTransaction(tx))
	}
	return snap, nil
}

// streakSources are the activities reported in Stats.
var streakSources = []domain.Source{domain.SourceHabit, domain.SourceJournal, domain.SourceGoal}

func (e *Engine) computeStats(ctx context.Context) (domain.Stats, error) {
	total, err := e.ledger.Total(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	agg, err := e.ledger.Aggregate(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	snap, err := e.snapshot(ctx, total)
	if err != nil {
		return domain.Stats{}, err
	}

	progress := e.levels.Progress(total)
	st := domain.Stats{
		TotalXP:              total,
		CurrentLevel:         progress.Level,
		Progress:             progress,
		AchievementsUnlocked: snap.UnlockedCount,
		TotalAchievements:    e.achv.TotalCount(),
		Streaks:              make(map[domain.Source]int, len(streakSources)),
		TransactionCount:     agg.TransactionCount,
		LastActivity:         agg.LastActivity,
	}
	for _, src := range streakSources {
		n, _, err := achievement.Observe(domain.Condition{
			Kind:      domain.ConditionStreak,
			Source:    src,
			Timeframe: domain.TimeframeDaily,
		}, snap)
		if err != nil {
			return domain.Stats{}, err
		}
		st.Streaks[src] = int(n)
	}
	return st, nil
}

// invalidate is the single cache-invalidation point. Every mutation calls
// it once after committing.
func (e *Engine) invalidate() {
	e.levels.Invalidate()
	e.statsMu.Lock()
	e.stats = nil
	e.statsGen++
	e.statsMu.Unlock()
}

func (e *Engine) publish(t domain.EventType, payload any) {
	e.events.Publish(domain.Event{Type: t, At: e.now().UTC(), Payload: payload})
}

func copyStats(st domain.Stats) domain.Stats {
	streaks := make(map[domain.Source]int, len(st.Streaks))
	for k, v := range st.Streaks {
		streaks[k] = v
	}
	st.Streaks = streaks
	return st
}
