// Package ledger owns the XP transaction log and the running total.
//
// The total, the transaction list and the aggregate summary live under
// separate keys. Each key is updated atomically, but the three together are
// not; a crash between writes leaves them disagreeing until Reconcile runs.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/domain"
	"github.com/habitflow/xpengine/internal/infra/atomicstore"
)

// Storage keys.
const (
	KeyTotalXP      = "total_xp"
	KeyTransactions = "transactions"
	KeyAggregate    = "aggregate"
)

// Ledger records XP transactions. Callers serialize mutations.
type Ledger struct {
	store  *atomicstore.Adapter
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store *atomicstore.Adapter, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// Apply credits or debits tx.Amount. A debit larger than the current total
// is clamped so the total never goes negative; the stored transaction
// carries the effective amount. A debit against a zero total records
// nothing and returns a transaction with an empty ID.
func (l *Ledger) Apply(ctx context.Context, tx domain.XPTransaction) (domain.XPTransaction, int64, error) {
	if tx.Amount == 0 {
		return tx, 0, domain.Validation("ledger.apply", "amount must be non-zero")
	}
	if !tx.Source.Valid() {
		return tx, 0, domain.Validation("ledger.apply", fmt.Sprintf("unknown source %q", tx.Source))
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now().UTC()
	}

	requested := tx.Amount
	total, err := atomicstore.Update(ctx, l.store, KeyTotalXP, int64(0), func(cur int64) (int64, error) {
		next := cur + requested
		if next < 0 {
			tx.Amount = -cur
			next = 0
		}
		return next, nil
	})
	if err != nil {
		return tx, 0, err
	}
	if tx.Amount == 0 {
		l.logger.Debug().Int64("requested", requested).Msg("debit against empty total ignored")
		tx.ID = ""
		return tx, total, nil
	}

	if _, err := atomicstore.Append(ctx, l.store, KeyTransactions, tx); err != nil {
		// Put the total back so it still matches the log.
		if _, rbErr := l.store.Increment(ctx, KeyTotalXP, -tx.Amount); rbErr != nil {
			l.logger.Error().Err(rbErr).Str("tx", tx.ID).Msg("total rollback failed; reconcile required")
		}
		return tx, 0, err
	}

	if _, err := atomicstore.Update(ctx, l.store, KeyAggregate, domain.AggregateState{}, func(agg domain.AggregateState) (domain.AggregateState, error) {
		agg.TotalXP = total
		agg.TransactionCount++
		if tx.Timestamp.After(agg.LastActivity) {
			agg.LastActivity = tx.Timestamp
		}
		return agg, nil
	}); err != nil {
		// The aggregate is derived; Reconcile rebuilds it.
		l.logger.Warn().Err(err).Str("tx", tx.ID).Msg("aggregate update failed")
	}

	l.logger.Debug().
		Str("tx", tx.ID).
		Str("source", string(tx.Source)).
		Int64("amount", tx.Amount).
		Int64("total", total).
		Msg("transaction applied")
	return tx, total, nil
}

// Total returns the committed XP total.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	return atomicstore.Load(ctx, l.store, KeyTotalXP, int64(0))
}

// Transactions returns every transaction in insertion order. The slice is
// freshly decoded and safe to modify.
func (l *Ledger) Transactions(ctx context.Context) ([]domain.XPTransaction, error) {
	txs, err := atomicstore.Load(ctx, l.store, KeyTransactions, []domain.XPTransaction(nil))
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []domain.XPTransaction{}
	}
	return txs, nil
}

// Aggregate returns the stored summary.
func (l *Ledger) Aggregate(ctx context.Context) (domain.AggregateState, error) {
	return atomicstore.Load(ctx, l.store, KeyAggregate, domain.AggregateState{})
}

// Reset removes every ledger key.
func (l *Ledger) Reset(ctx context.Context) error {
	for _, key := range []string{KeyTransactions, KeyTotalXP, KeyAggregate} {
		if err := l.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	l.logger.Info().Msg("ledger reset")
	return nil
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

// ReconcileReport describes one reconciliation pass.
type ReconcileReport struct {
	Transactions      int       `json:"transactions"`
	TransactionSum    int64     `json:"transaction_sum"`
	StoredTotal       int64     `json:"stored_total"`
	TotalRepaired     bool      `json:"total_repaired"`
	AggregateRepaired bool      `json:"aggregate_repaired"`
	CheckedAt         time.Time `json:"checked_at"`

	// RewardsSettled counts unlocked achievements whose missing reward was
	// credited during the pass. The engine fills it in.
	RewardsSettled int `json:"rewards_settled"`
}

// Repaired reports whether anything was rewritten.
func (r ReconcileReport) Repaired() bool {
	return r.TotalRepaired || r.AggregateRepaired || r.RewardsSettled > 0
}

// CreditedSourceIDs returns the SourceIDs of every positive transaction from
// src. Achievement rewards use it to stay credited at most once.
func (l *Ledger) CreditedSourceIDs(ctx context.Context, src domain.Source) (map[string]bool, error) {
	txs, err := l.Transactions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, tx := range txs {
		if tx.Source == src && tx.Amount > 0 && tx.SourceID != "" {
			ids[tx.SourceID] = true
		}
	}
	return ids, nil
}

// Reconcile treats the transaction log as the source of truth and rewrites
// the total and aggregate when they disagree with it.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{CheckedAt: l.now().UTC()}

	txs, err := l.Transactions(ctx)
	if err != nil {
		return report, err
	}
	want := domain.AggregateState{TransactionCount: int64(len(txs))}
	for _, tx := range txs {
		want.TotalXP += tx.Amount
		if tx.Timestamp.After(want.LastActivity) {
			want.LastActivity = tx.Timestamp
		}
	}
	if want.TotalXP < 0 {
		want.TotalXP = 0
	}
	report.Transactions = len(txs)
	report.TransactionSum = want.TotalXP

	_, err = atomicstore.Update(ctx, l.store, KeyTotalXP, int64(0), func(cur int64) (int64, error) {
		report.StoredTotal = cur
		if cur != want.TotalXP {
			report.TotalRepaired = true
		}
		return want.TotalXP, nil
	})
	if err != nil {
		return report, err
	}
	if report.TotalRepaired {
		l.logger.Warn().
			Err(domain.Consistency("ledger.reconcile", fmt.Sprintf("total %d != transaction sum %d", report.StoredTotal, want.TotalXP))).
			Msg("total repaired")
	}

	_, err = atomicstore.Update(ctx, l.store, KeyAggregate, domain.AggregateState{}, func(cur domain.AggregateState) (domain.AggregateState, error) {
		if cur.TotalXP != want.TotalXP || cur.TransactionCount != want.TransactionCount || !cur.LastActivity.Equal(want.LastActivity) {
			report.AggregateRepaired = true
		}
		return want, nil
	})
	if err != nil {
		return report, err
	}
	if report.AggregateRepaired {
		l.logger.Warn().
			Err(domain.Consistency("ledger.reconcile", "aggregate out of date")).
			Int64("count", want.TransactionCount).
			Msg("aggregate repaired")
	}
	return report, nil
}
