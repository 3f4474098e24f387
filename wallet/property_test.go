package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
)

// TestLedgerConservation_Property checks that for any sequence of credits
// and debits the stored balance equals the sum of accepted operations and
// never goes negative.
func TestLedgerConservation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("balance equals accepted credits minus accepted debits", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			store, err := sqlite.New(":memory:")
			if err != nil {
				return false
			}
			defer store.Close()
			ledger := wallet.NewLedger(store)

			var expected benefit.Amount
			for _, op := range ops {
				switch {
				case op > 0:
					if _, err := ledger.Credit(ctx, credit("w", benefit.CategoryFood, int64(op))); err != nil {
						return false
					}
					expected += benefit.Units(int64(op))
				case op < 0:
					_, err := ledger.Debit(ctx, debit("w", benefit.CategoryFood, int64(-op)))
					switch {
					case err == nil:
						expected -= benefit.Units(int64(-op))
					case errors.Is(err, benefit.ErrInsufficientFunds), errors.Is(err, benefit.ErrNotFound):
					default:
						return false
					}
				}
				if expected < 0 {
					return false
				}
			}

			w, err := ledger.GetWallet(ctx, "w")
			if errors.Is(err, benefit.ErrNotFound) {
				return expected == 0
			}
			if err != nil {
				return false
			}
			return w.TotalBalance == expected && w.Verify() == nil
		},
		gen.SliceOf(gen.IntRange(-200, 200)),
	))

	properties.Property("journal length equals accepted operations", prop.ForAll(
		func(credits []int) bool {
			ctx := context.Background()
			store, err := sqlite.New(":memory:")
			if err != nil {
				return false
			}
			defer store.Close()
			ledger := wallet.NewLedger(store)

			accepted := 0
			for _, c := range credits {
				if _, err := ledger.Credit(ctx, credit("w", benefit.CategoryHealth, int64(c))); err == nil {
					accepted++
				}
			}
			history, err := ledger.GetTransactionHistory(ctx, "w", nil)
			return err == nil && len(history) == accepted
		},
		gen.SliceOf(gen.IntRange(0, 50)),
	))

	properties.TestingRun(t)
}
