package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// credit appends a credit entry the way the ledger does: wallet and entry
// move together.
func credit(t *testing.T, store *sqlite.Store, w *wallet.Wallet, amount benefit.Amount, at time.Time, key *string) wallet.Transaction {
	t.Helper()
	w.Sequence++
	w.Balances[benefit.CategoryFood] += amount
	w.TotalBalance += amount
	w.Credited += amount
	w.LastActivity = at
	entry := wallet.Transaction{
		ID:             wallet.TransactionID("tx-" + at.Format("150405.000") + "-" + string(w.OwnerID)),
		OwnerID:        w.OwnerID,
		Sequence:       w.Sequence,
		Type:           wallet.TxCredit,
		Category:       benefit.CategoryFood,
		Amount:         amount,
		SourceRef:      "manual",
		IdempotencyKey: key,
		Timestamp:      at,
	}
	require.NoError(t, store.ApplyEntry(context.Background(), *w, entry))
	return entry
}

func TestStore_InsertWalletOnce(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Inserting the same wallet twice
	// THEN: Only the first insert creates it; the second returns the stored row
	store := newStore(t)
	ctx := context.Background()

	w, created, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, again.CreatedAt.Equal(w.CreatedAt))
	assert.Len(t, again.Balances, len(benefit.Categories()))
}

func TestStore_ApplyEntryKeyIsUnique(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	w, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)

	key := "grant:1"
	first := credit(t, store, &w, benefit.Units(50), t0.Add(time.Minute), &key)

	// Same key, different entry: rejected and nothing is written
	dup := w
	dup.Balances = map[benefit.Category]benefit.Amount{benefit.CategoryFood: w.Balances[benefit.CategoryFood] + benefit.Units(50)}
	dup.Sequence++
	err = store.ApplyEntry(ctx, dup, wallet.Transaction{
		ID: "tx-dup", OwnerID: "worker-1", Sequence: dup.Sequence, Type: wallet.TxCredit,
		Category: benefit.CategoryFood, Amount: benefit.Units(50), SourceRef: "manual",
		IdempotencyKey: &key, Timestamp: t0.Add(2 * time.Minute),
	})
	assert.ErrorIs(t, err, wallet.ErrKeyExists)

	stored, err := store.GetWallet(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(50), stored.Balance(benefit.CategoryFood))
	assert.Equal(t, uint64(1), stored.Sequence)

	op, err := store.GetOperation(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.NotNil(t, op.TransactionID)
	assert.Equal(t, first.ID, *op.TransactionID)
}

func TestStore_NegativeBalanceRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	w, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)
	w.Sequence++
	w.Balances[benefit.CategoryFood] = -benefit.Units(1)
	w.TotalBalance = -benefit.Units(1)

	err = store.ApplyEntry(ctx, w, wallet.Transaction{
		ID: "tx-neg", OwnerID: "worker-1", Sequence: 1, Type: wallet.TxDebit,
		Category: benefit.CategoryFood, Amount: benefit.Units(1), SourceRef: "payment", Timestamp: t0,
	})
	require.Error(t, err)

	history, err := store.LoadHistory(ctx, "worker-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_FenceBlocksKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	w, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)

	require.NoError(t, store.FenceOperation(ctx, wallet.Operation{Key: "payment:p1", OwnerID: "worker-1", RecordedAt: t0}))
	assert.ErrorIs(t, store.FenceOperation(ctx, wallet.Operation{Key: "payment:p1", OwnerID: "worker-1", RecordedAt: t0}), wallet.ErrKeyExists)

	key := "payment:p1"
	w.Sequence++
	w.Balances[benefit.CategoryFood] += benefit.Units(5)
	w.TotalBalance += benefit.Units(5)
	err = store.ApplyEntry(ctx, w, wallet.Transaction{
		ID: "tx-late", OwnerID: "worker-1", Sequence: 1, Type: wallet.TxCredit,
		Category: benefit.CategoryFood, Amount: benefit.Units(5), SourceRef: "manual",
		IdempotencyKey: &key, Timestamp: t0,
	})
	assert.ErrorIs(t, err, wallet.ErrKeyExists)

	op, err := store.GetOperation(ctx, key)
	require.NoError(t, err)
	assert.True(t, op.Fenced)
	assert.Nil(t, op.TransactionID)
}

func TestStore_PruneJournal(t *testing.T) {
	// GIVEN: Two wallets with three and one entries
	// WHEN: Pruning to one entry per wallet, then by age
	// THEN: Only the newest entries survive and balances are untouched
	store := newStore(t)
	ctx := context.Background()

	a, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-a", t0))
	require.NoError(t, err)
	b, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-b", t0))
	require.NoError(t, err)

	key := "grant:a1"
	credit(t, store, &a, benefit.Units(10), t0.Add(1*time.Hour), &key)
	credit(t, store, &a, benefit.Units(20), t0.Add(2*time.Hour), nil)
	newest := credit(t, store, &a, benefit.Units(30), t0.Add(3*time.Hour), nil)
	credit(t, store, &b, benefit.Units(40), t0.Add(1*time.Hour), nil)

	removed, err := store.PruneJournal(ctx, nil, benefit.Ptr(1))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	history, err := store.LoadHistory(ctx, "worker-a", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, newest.ID, history[0].ID)

	stored, err := store.GetWallet(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(60), stored.TotalBalance)

	// The idempotency record outlives its journal entry
	op, err := store.GetOperation(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, op)

	removed, err = store.PruneJournal(ctx, benefit.Ptr(t0.Add(2*time.Hour)), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only worker-b's entry is older")

	history, err = store.LoadHistory(ctx, "worker-b", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_Reset(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	w, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)
	credit(t, store, &w, benefit.Units(10), t0, nil)
	_, err = store.DepositPool(ctx, "acme", benefit.Units(100), t0)
	require.NoError(t, err)
	require.NoError(t, store.InsertEstablishment(ctx, settlement.Establishment{
		ID: "est-1", Name: "Cafe", WalletPrincipal: "est-1",
		AcceptedCategories: []benefit.Category{benefit.CategoryFood},
		IsActive:           true, RegisteredAt: t0, UpdatedAt: t0,
	}))

	require.NoError(t, store.Reset(ctx))

	got, err := store.GetWallet(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	pool, err := store.GetPool(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, program.Pool{CompanyID: "acme"}, pool)
	est, err := store.GetEstablishment(ctx, "est-1")
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestStore_ReleaseRunItemOnce(t *testing.T) {
	// GIVEN: A reserved run of two items at 300 each
	// WHEN: One item is released twice
	// THEN: The pool gets 300 back once and the item is rejected

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProgram(ctx, program.Program{
		ID: "prog-1", Name: "Meals", CompanyID: "acme", Category: benefit.CategoryFood,
		AmountPerWorker: benefit.Units(300), Frequency: program.FrequencyMonthly, PaymentDay: 5,
		CreatedBy: "hr-1", IsActive: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	_, err := store.DepositPool(ctx, "acme", benefit.Units(1000), t0)
	require.NoError(t, err)

	run := program.Run{
		ID: "run-1", ProgramID: "prog-1", CompanyID: "acme", Period: "monthly:2026-03",
		Category: benefit.CategoryFood, Total: benefit.Units(600), Status: program.RunPartial,
		Trigger: program.TriggerSchedule, CreatedAt: t0, UpdatedAt: t0,
	}
	for _, w := range []benefit.PrincipalID{"w1", "w2"} {
		run.Items = append(run.Items, program.RunItem{
			RunID: "run-1", WorkerID: w, Amount: benefit.Units(300), Status: program.ItemReserved,
			IdempotencyKey: program.CreditKey("prog-1", run.Period, w), UpdatedAt: t0,
		})
	}
	require.NoError(t, store.ReserveRun(ctx, run))

	item := run.Items[1]
	item.Status = program.ItemRejected
	item.Attempts = 1
	item.LastError = "operation fenced"
	require.NoError(t, store.ReleaseRunItem(ctx, item, "acme"))
	require.NoError(t, store.ReleaseRunItem(ctx, item, "acme"))

	pool, err := store.GetPool(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(700), pool.Available)
	assert.Equal(t, benefit.Units(300), pool.Disbursed)

	got, err := store.GetRun(ctx, "prog-1", run.Period)
	require.NoError(t, err)
	require.NotNil(t, got)
	statuses := map[benefit.PrincipalID]program.ItemStatus{}
	for _, it := range got.Items {
		statuses[it.WorkerID] = it.Status
	}
	assert.Equal(t, program.ItemReserved, statuses["w1"])
	assert.Equal(t, program.ItemRejected, statuses["w2"])
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benefits.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	w, _, err := store.InsertWallet(ctx, wallet.NewWallet("worker-1", t0))
	require.NoError(t, err)
	credit(t, store, &w, benefit.Units(75), t0, nil)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetWallet(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, benefit.Units(75), got.Balance(benefit.CategoryFood))
	assert.Equal(t, uint64(1), got.Sequence)
}
