package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitflow/xpengine/internal/domain"
	"github.com/habitflow/xpengine/internal/infra/atomicstore"
	"github.com/habitflow/xpengine/internal/infra/kv"
)

func newTestLedger(t *testing.T) (*Ledger, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	return New(atomicstore.New(mem), zerolog.Nop()), mem
}

func credit(amount int64) domain.XPTransaction {
	return domain.XPTransaction{Amount: amount, Source: domain.SourceHabit}
}

// rejectKey fails every write to one key.
type rejectKey struct {
	*kv.Memory
	key string
}

func (r rejectKey) Set(ctx context.Context, key string, v []byte) error {
	if key == r.key {
		return errors.New("disk full")
	}
	return r.Memory.Set(ctx, key, v)
}

// ─── Apply ──────────────────────────────────────────────────────────────────

func TestApply_CreditAssignsIDAndTimestamp(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx, total, err := l.Apply(ctx, credit(25))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.False(t, tx.Timestamp.IsZero())
	assert.Equal(t, int64(25), total)

	txs, err := l.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, tx.ID, txs[0].ID)

	agg, err := l.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), agg.TotalXP)
	assert.Equal(t, int64(1), agg.TransactionCount)
	assert.True(t, agg.LastActivity.Equal(tx.Timestamp))
}

func TestApply_Rejects(t *testing.T) {
	l, _ := newTestLedger(t)
	tests := []struct {
		name string
		tx   domain.XPTransaction
	}{
		{"zero amount", domain.XPTransaction{Amount: 0, Source: domain.SourceHabit}},
		{"unknown source", domain.XPTransaction{Amount: 5, Source: "karma"}},
		{"pseudo source", domain.XPTransaction{Amount: 5, Source: domain.SourceTotalXP}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.Apply(context.Background(), tt.tx)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	total, err := l.Total(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestApply_DebitClampsAtZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Apply(ctx, credit(30))
	require.NoError(t, err)

	tx, total, err := l.Apply(ctx, credit(-50))
	require.NoError(t, err)
	assert.Equal(t, int64(-30), tx.Amount)
	assert.Zero(t, total)

	tx, total, err = l.Apply(ctx, credit(-10))
	require.NoError(t, err)
	assert.Empty(t, tx.ID)
	assert.Zero(t, total)

	txs, err := l.Transactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestApply_AppendFailureRollsBackTotal(t *testing.T) {
	store := rejectKey{Memory: kv.NewMemory(), key: KeyTransactions}
	l := New(atomicstore.New(store), zerolog.Nop())
	ctx := context.Background()

	_, _, err := l.Apply(ctx, credit(40))
	require.ErrorIs(t, err, domain.ErrStorage)

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestApply_StorageErrorSurfaces(t *testing.T) {
	l, mem := newTestLedger(t)
	mem.FailNext(1)
	_, _, err := l.Apply(context.Background(), credit(10))
	assert.ErrorIs(t, err, domain.ErrStorage)
}

// ─── Conservation ───────────────────────────────────────────────────────────

func TestApply_ConcurrentConservation(t *testing.T) {
	l, mem := newTestLedger(t)
	mem.SetLatency(50 * time.Microsecond)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	amounts := make([]int64, 60)
	var want int64
	for i := range amounts {
		amounts[i] = int64(rng.Intn(100) + 1)
		want += amounts[i]
	}

	var wg sync.WaitGroup
	for _, a := range amounts {
		wg.Add(1)
		go func(a int64) {
			defer wg.Done()
			_, _, err := l.Apply(ctx, credit(a))
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, total)

	txs, err := l.Transactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, len(amounts))
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Equal(t, want, sum)
}

// ─── Reset & Reconcile ─────────────────────────────────────────────────────

func TestReset(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Apply(ctx, credit(10))
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx))

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	txs, err := l.Transactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)
	keys, err := mem.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReconcile_CleanLedger(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, a := range []int64{10, 20, 30} {
		_, _, err := l.Apply(ctx, credit(a))
		require.NoError(t, err)
	}

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Repaired())
	assert.Equal(t, 3, report.Transactions)
	assert.Equal(t, int64(60), report.TransactionSum)
}

func TestReconcile_RepairsDriftedTotal(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	for _, a := range []int64{10, 20} {
		_, _, err := l.Apply(ctx, credit(a))
		require.NoError(t, err)
	}
	// Simulate a crash between the total write and the log append.
	require.NoError(t, mem.Set(ctx, KeyTotalXP, []byte("95")))

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.TotalRepaired)
	assert.Equal(t, int64(95), report.StoredTotal)

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), total)
}

func TestReconcile_RebuildsMissingAggregate(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Apply(ctx, credit(10))
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, KeyAggregate))

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.AggregateRepaired)
	assert.False(t, report.TotalRepaired)

	agg, err := l.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TransactionCount)
	assert.Equal(t, int64(10), agg.TotalXP)
}

func TestLedger_CreditedSourceIDs(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Apply(ctx, domain.XPTransaction{Amount: 25, Source: domain.SourceAchievement, SourceID: "fifty"})
	require.NoError(t, err)
	_, _, err = l.Apply(ctx, domain.XPTransaction{Amount: 10, Source: domain.SourceHabit, SourceID: "run"})
	require.NoError(t, err)
	_, _, err = l.Apply(ctx, domain.XPTransaction{Amount: 5, Source: domain.SourceAchievement})
	require.NoError(t, err)

	ids, err := l.CreditedSourceIDs(ctx, domain.SourceAchievement)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"fifty": true}, ids)
}

func TestReconcileReport_RepairedIncludesSettledRewards(t *testing.T) {
	assert.False(t, ReconcileReport{}.Repaired())
	assert.True(t, ReconcileReport{RewardsSettled: 1}.Repaired())
}
