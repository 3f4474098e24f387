package wallet

import (
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// WALLET - Segregated per-category balances
// =============================================================================

// Wallet holds a worker's balances. Balances are stored, not replayed from
// the journal, so pruning the journal never changes them.
//
// INVARIANTS:
//   - TotalBalance == sum(Balances)
//   - no category balance is negative
//   - Credited - Debited == TotalBalance
type Wallet struct {
	OwnerID      benefit.PrincipalID
	Balances     map[benefit.Category]benefit.Amount
	TotalBalance benefit.Amount

	// Lifetime totals; survive journal pruning.
	Credited benefit.Amount
	Debited  benefit.Amount

	// Sequence is the number of journal entries ever written for this wallet.
	Sequence uint64

	CreatedAt    time.Time
	LastActivity time.Time
}

// NewWallet returns an empty wallet with every category at zero.
func NewWallet(owner benefit.PrincipalID, now time.Time) Wallet {
	balances := make(map[benefit.Category]benefit.Amount)
	for _, c := range benefit.Categories() {
		balances[c] = 0
	}
	return Wallet{
		OwnerID:      owner,
		Balances:     balances,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func (w Wallet) Balance(c benefit.Category) benefit.Amount { return w.Balances[c] }

// Clone deep-copies the balance map.
func (w Wallet) Clone() Wallet {
	out := w
	out.Balances = make(map[benefit.Category]benefit.Amount, len(w.Balances))
	for k, v := range w.Balances {
		out.Balances[k] = v
	}
	return out
}

// Verify checks the wallet-local invariants.
func (w Wallet) Verify() error {
	var sum benefit.Amount
	for c, b := range w.Balances {
		if b.IsNegative() {
			return &InvariantError{OwnerID: w.OwnerID, Detail: "negative balance in " + string(c)}
		}
		sum += b
	}
	if sum != w.TotalBalance {
		return &InvariantError{OwnerID: w.OwnerID, Detail: "total " + w.TotalBalance.String() + " != sum " + sum.String()}
	}
	if w.Credited-w.Debited != w.TotalBalance {
		return &InvariantError{OwnerID: w.OwnerID, Detail: "credited-debited " + (w.Credited - w.Debited).String() + " != total " + w.TotalBalance.String()}
	}
	return nil
}

type InvariantError struct {
	OwnerID benefit.PrincipalID
	Detail  string
}

func (e *InvariantError) Error() string {
	return "wallet " + string(e.OwnerID) + " violates invariant: " + e.Detail
}

// =============================================================================
// TRANSACTION - Immutable journal entry
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

type TransactionID string

type Transaction struct {
	ID       TransactionID
	OwnerID  benefit.PrincipalID
	Sequence uint64
	Type     TransactionType
	Category benefit.Category
	Amount   benefit.Amount

	// SourceRef tags credits with their origin ("program:<id>", "manual").
	SourceRef      string
	CounterpartyID *benefit.PrincipalID
	ProgramID      *benefit.ProgramID
	IdempotencyKey *string

	Description string
	Timestamp   time.Time
}

// Signed returns the amount with the sign of its effect on the balance.
func (t Transaction) Signed() benefit.Amount {
	if t.Type == TxDebit {
		return -t.Amount
	}
	return t.Amount
}

// =============================================================================
// OPERATION - Idempotency record, kept apart from the prunable journal
// =============================================================================

// Operation records that an idempotency key was applied (or fenced).
type Operation struct {
	Key           string
	OwnerID       benefit.PrincipalID
	TransactionID *TransactionID // nil when fenced
	Type          TransactionType
	Category      benefit.Category
	Amount        benefit.Amount
	Fenced        bool
	RecordedAt    time.Time
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreditRequest struct {
	OwnerID        benefit.PrincipalID
	Category       benefit.Category
	Amount         benefit.Amount
	SourceRef      string
	ProgramID      *benefit.ProgramID
	IdempotencyKey *string
	Description    string
}

type DebitRequest struct {
	OwnerID        benefit.PrincipalID
	Category       benefit.Category
	Amount         benefit.Amount
	CounterpartyID benefit.PrincipalID
	Description    string
	IdempotencyKey *string
}

// RetentionPolicy bounds the journal. Nil fields are not applied.
type RetentionPolicy struct {
	MaxAge       *time.Duration
	MaxPerWallet *int
}
