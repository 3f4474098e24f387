package wallet_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T) (*wallet.Ledger, *testClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	return wallet.NewLedger(store, wallet.WithClock(clock.Now)), clock
}

func credit(owner benefit.PrincipalID, c benefit.Category, units int64) wallet.CreditRequest {
	return wallet.CreditRequest{OwnerID: owner, Category: c, Amount: benefit.Units(units), SourceRef: "manual", Description: "top-up"}
}

func debit(owner benefit.PrincipalID, c benefit.Category, units int64) wallet.DebitRequest {
	return wallet.DebitRequest{OwnerID: owner, Category: c, Amount: benefit.Units(units), CounterpartyID: "est-1", Description: "lunch"}
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestLedger_CreditThenDebit_UpdatesBalanceAndJournal(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Crediting 500 Food then debiting 200 Food
	// THEN: Food balance is 300 and the journal has two entries, newest first

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 500))
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, debit("w1", benefit.CategoryFood, 200))
	require.NoError(t, err)

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(300), w.Balance(benefit.CategoryFood))
	assert.Equal(t, benefit.Units(300), w.TotalBalance)
	assert.NoError(t, w.Verify())

	history, err := ledger.GetTransactionHistory(ctx, "w1", nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, wallet.TxDebit, history[0].Type)
	assert.Equal(t, wallet.TxCredit, history[1].Type)
	assert.Greater(t, history[0].Sequence, history[1].Sequence)
	assert.Greater(t, string(history[0].ID), string(history[1].ID), "ids increase with the journal")
}

func TestLedger_Credit_AutoCreatesWallet(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.GetWallet(ctx, "w1")
	assert.True(t, benefit.IsNotFound(err))

	tx, err := ledger.Credit(ctx, credit("w1", benefit.CategoryCulture, 40))
	require.NoError(t, err)
	assert.Equal(t, "manual", tx.SourceRef)

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(40), w.Balance(benefit.CategoryCulture))
}

func TestLedger_Credit_RejectsNonPositiveAmountAndUnknownCategory(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 0))
	assert.ErrorIs(t, err, benefit.ErrValidation)

	_, err = ledger.Credit(ctx, credit("w1", "Groceries", 10))
	assert.ErrorIs(t, err, benefit.ErrValidation)

	_, err = ledger.Credit(ctx, credit("  ", benefit.CategoryFood, 10))
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

func TestLedger_Debit_InsufficientFunds_LeavesWalletUnchanged(t *testing.T) {
	// GIVEN: 100 Food
	// WHEN: Debiting 150 Food
	// THEN: InsufficientFunds with the shortfall, balance and journal unchanged

	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 100))
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, debit("w1", benefit.CategoryFood, 150))
	require.ErrorIs(t, err, benefit.ErrInsufficientFunds)

	var fundsErr *benefit.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, benefit.Units(50), fundsErr.Shortfall())

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(100), w.Balance(benefit.CategoryFood))

	history, err := ledger.GetTransactionHistory(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_Debit_CategoriesAreSegregated(t *testing.T) {
	// GIVEN: 100 Food and nothing else
	// WHEN: Paying 10 from Culture
	// THEN: Rejected even though the total balance would cover it

	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 100))
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, debit("w1", benefit.CategoryCulture, 10))
	assert.ErrorIs(t, err, benefit.ErrInsufficientFunds)

	ok, err := ledger.CanMakePayment(ctx, "w1", benefit.CategoryCulture, benefit.Units(10))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ledger.CanMakePayment(ctx, "w1", benefit.CategoryFood, benefit.Units(100))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_Debit_MissingWallet_NotFound(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Debit(ctx, debit("ghost", benefit.CategoryFood, 1))
	assert.ErrorIs(t, err, benefit.ErrNotFound)
}

func TestLedger_CreateWallet_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	first, err := ledger.CreateWallet(ctx, "w1")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, credit("w1", benefit.CategoryHealth, 5))
	require.NoError(t, err)

	again, err := ledger.CreateWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, benefit.Units(5), again.TotalBalance, "existing wallet is returned unchanged")

	_, err = ledger.CreateWallet(ctx, "")
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

// =============================================================================
// IDEMPOTENCY AND FENCING
// =============================================================================

func TestLedger_Credit_DuplicateKey_IsNoOpSuccess(t *testing.T) {
	// GIVEN: A credit applied with key k
	// WHEN: The same credit is retried with k
	// THEN: The original entry comes back with DuplicateOperationError; balance credited once

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	req := credit("w1", benefit.CategoryFood, 300)
	req.IdempotencyKey = benefit.Ptr("disburse:p1:monthly:2026-03:w1")

	first, err := ledger.Credit(ctx, req)
	require.NoError(t, err)

	second, err := ledger.Credit(ctx, req)
	require.ErrorIs(t, err, benefit.ErrDuplicateOperation)
	assert.Equal(t, first.ID, second.ID)

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(300), w.TotalBalance)

	found, err := ledger.LookupOperation(ctx, *req.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func TestLedger_KeyReusedForDifferentOperation_Rejected(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	req := credit("w1", benefit.CategoryFood, 10)
	req.IdempotencyKey = benefit.Ptr("k1")
	_, err := ledger.Credit(ctx, req)
	require.NoError(t, err)

	d := debit("w1", benefit.CategoryFood, 5)
	d.IdempotencyKey = benefit.Ptr("k1")
	_, err = ledger.Debit(ctx, d)
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

func TestLedger_FenceOperation_BlocksLaterDebit(t *testing.T) {
	// GIVEN: A payment key that never reached the ledger
	// WHEN: The key is fenced and the delayed debit then arrives
	// THEN: The debit is refused and the wallet is untouched

	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 50))
	require.NoError(t, err)

	applied, err := ledger.FenceOperation(ctx, "w1", "payment:p-1")
	require.NoError(t, err)
	assert.Nil(t, applied)

	d := debit("w1", benefit.CategoryFood, 20)
	d.IdempotencyKey = benefit.Ptr("payment:p-1")
	_, err = ledger.Debit(ctx, d)
	assert.ErrorIs(t, err, benefit.ErrOperationFenced)
	assert.ErrorIs(t, err, benefit.ErrInvalidState)

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(50), w.TotalBalance)

	found, err := ledger.LookupOperation(ctx, "payment:p-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLedger_FenceOperation_ReturnsAppliedEntry(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 50))
	require.NoError(t, err)

	d := debit("w1", benefit.CategoryFood, 20)
	d.IdempotencyKey = benefit.Ptr("payment:p-2")
	tx, err := ledger.Debit(ctx, d)
	require.NoError(t, err)

	applied, err := ledger.FenceOperation(ctx, "w1", "payment:p-2")
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, tx.ID, applied.ID)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: 100 Food
	// WHEN: 10 concurrent debits of 20
	// THEN: Exactly 5 succeed and the balance ends at zero

	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 100))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, debit("w1", benefit.CategoryFood, 20))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, benefit.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())
	assert.Equal(t, int32(5), rejected.Load())

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.TotalBalance.IsZero())
	assert.NoError(t, ledger.VerifyWallet(ctx, "w1"))
}

// =============================================================================
// HISTORY AND RETENTION
// =============================================================================

func TestLedger_History_LimitCapsResults(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	for i := 0; i < 3; i++ {
		_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 10))
		require.NoError(t, err)
	}

	two, err := ledger.GetTransactionHistory(ctx, "w1", benefit.Ptr(2))
	require.NoError(t, err)
	assert.Len(t, two, 2)
	assert.Equal(t, uint64(3), two[0].Sequence)

	many, err := ledger.GetTransactionHistory(ctx, "w1", benefit.Ptr(50))
	require.NoError(t, err)
	assert.Len(t, many, 3)

	none, err := ledger.GetTransactionHistory(ctx, "nobody", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedger_Cleanup_KeepsBalancesAndIdempotency(t *testing.T) {
	// GIVEN: Five credits, the first with an idempotency key
	// WHEN: Pruning to the newest two entries per wallet
	// THEN: Three entries are removed, balances are intact, the key is still recognised

	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	first := credit("w1", benefit.CategoryFood, 10)
	first.IdempotencyKey = benefit.Ptr("k-first")
	original, err := ledger.Credit(ctx, first)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 10))
		require.NoError(t, err)
	}

	removed, err := ledger.CleanupOldTransactions(ctx, wallet.RetentionPolicy{MaxPerWallet: benefit.Ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	history, err := ledger.GetTransactionHistory(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	w, err := ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(50), w.TotalBalance)
	assert.NoError(t, w.Verify())

	replayed, err := ledger.Credit(ctx, first)
	require.ErrorIs(t, err, benefit.ErrDuplicateOperation)
	assert.Equal(t, original.ID, replayed.ID)

	w, err = ledger.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(50), w.TotalBalance, "retry after pruning must not credit twice")
}

func TestLedger_Cleanup_ByAge(t *testing.T) {
	ctx := context.Background()
	ledger, clock := newTestLedger(t)

	_, err := ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 10))
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = ledger.Credit(ctx, credit("w1", benefit.CategoryFood, 10))
	require.NoError(t, err)

	removed, err := ledger.CleanupOldTransactions(ctx, wallet.RetentionPolicy{MaxAge: benefit.Ptr(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = ledger.CleanupOldTransactions(ctx, wallet.RetentionPolicy{})
	assert.ErrorIs(t, err, benefit.ErrValidation)
}
