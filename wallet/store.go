/*
store.go - Persistence interface for wallets, journal and idempotency records

APPEND-ONLY CONTRACT:
  Journal entries are never updated. The only deletion is PruneJournal,
  driven by a retention policy. Balances live on the wallet row and are
  written in the same atomic step as the journal entry that changed them.

IDEMPOTENCY:
  Operation records map an idempotency key to the entry it produced. They are
  not pruned, so a retried credit is still recognised after its journal entry
  has aged out.

IMPLEMENTATIONS:
  - store/sqlite/wallet.go
*/
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// ErrKeyExists is returned by the store when an idempotency key is already recorded.
var ErrKeyExists = errors.New("idempotency key exists")

type Store interface {
	// GetWallet returns nil, nil when the wallet does not exist.
	GetWallet(ctx context.Context, owner benefit.PrincipalID) (*Wallet, error)

	// InsertWallet stores w unless a wallet for the owner exists. It returns
	// the stored wallet and whether it was created by this call.
	InsertWallet(ctx context.Context, w Wallet) (Wallet, bool, error)

	// ApplyEntry atomically persists the new wallet state, appends tx and, if
	// tx carries a key, records the operation. Returns ErrKeyExists when the
	// key is already recorded; nothing is written in that case.
	ApplyEntry(ctx context.Context, w Wallet, tx Transaction) error

	// GetOperation returns nil, nil when the key was never recorded.
	GetOperation(ctx context.Context, key string) (*Operation, error)

	// FenceOperation records a fenced key. Returns ErrKeyExists when taken.
	FenceOperation(ctx context.Context, op Operation) error

	// GetTransaction returns nil, nil when absent (or pruned).
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// LoadHistory returns entries newest first. limit <= 0 means all.
	LoadHistory(ctx context.Context, owner benefit.PrincipalID, limit int) ([]Transaction, error)

	// LoadByCounterparty returns entries with the counterparty, newest first.
	LoadByCounterparty(ctx context.Context, counterparty benefit.PrincipalID, limit int) ([]Transaction, error)

	// PruneJournal deletes entries older than olderThan and/or beyond the
	// newest keepPerWallet of each wallet. Returns the number removed.
	PruneJournal(ctx context.Context, olderThan *time.Time, keepPerWallet *int) (int, error)
}
