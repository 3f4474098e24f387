package walletclient

import (
	"time"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// WIRE TYPES - Ledger API bodies, shared with the api package
// =============================================================================

type TransactionBody struct {
	ID             string                 `json:"id"`
	OwnerID        benefit.PrincipalID    `json:"owner_id"`
	Sequence       uint64                 `json:"sequence"`
	Type           wallet.TransactionType `json:"type"`
	Category       benefit.Category       `json:"category"`
	Amount         benefit.Amount         `json:"amount"`
	SourceRef      string                 `json:"source_ref,omitempty"`
	CounterpartyID *benefit.PrincipalID   `json:"counterparty_id,omitempty"`
	ProgramID      *benefit.ProgramID     `json:"program_id,omitempty"`
	IdempotencyKey *string                `json:"idempotency_key,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

func FromTransaction(tx wallet.Transaction) TransactionBody {
	return TransactionBody{
		ID:             string(tx.ID),
		OwnerID:        tx.OwnerID,
		Sequence:       tx.Sequence,
		Type:           tx.Type,
		Category:       tx.Category,
		Amount:         tx.Amount,
		SourceRef:      tx.SourceRef,
		CounterpartyID: tx.CounterpartyID,
		ProgramID:      tx.ProgramID,
		IdempotencyKey: tx.IdempotencyKey,
		Description:    tx.Description,
		Timestamp:      tx.Timestamp,
	}
}

func FromTransactions(txs []wallet.Transaction) []TransactionBody {
	out := make([]TransactionBody, len(txs))
	for i, tx := range txs {
		out[i] = FromTransaction(tx)
	}
	return out
}

func (b TransactionBody) Transaction() wallet.Transaction {
	return wallet.Transaction{
		ID:             wallet.TransactionID(b.ID),
		OwnerID:        b.OwnerID,
		Sequence:       b.Sequence,
		Type:           b.Type,
		Category:       b.Category,
		Amount:         b.Amount,
		SourceRef:      b.SourceRef,
		CounterpartyID: b.CounterpartyID,
		ProgramID:      b.ProgramID,
		IdempotencyKey: b.IdempotencyKey,
		Description:    b.Description,
		Timestamp:      b.Timestamp,
	}
}

type WalletBody struct {
	OwnerID      benefit.PrincipalID                 `json:"owner_id"`
	Balances     map[benefit.Category]benefit.Amount `json:"balances"`
	TotalBalance benefit.Amount                      `json:"total_balance"`
	Credited     benefit.Amount                      `json:"credited"`
	Debited      benefit.Amount                      `json:"debited"`
	Sequence     uint64                              `json:"sequence"`
	CreatedAt    time.Time                           `json:"created_at"`
	LastActivity time.Time                           `json:"last_activity"`
}

func FromWallet(w wallet.Wallet) WalletBody {
	return WalletBody{
		OwnerID:      w.OwnerID,
		Balances:     w.Balances,
		TotalBalance: w.TotalBalance,
		Credited:     w.Credited,
		Debited:      w.Debited,
		Sequence:     w.Sequence,
		CreatedAt:    w.CreatedAt,
		LastActivity: w.LastActivity,
	}
}

func (b WalletBody) Wallet() wallet.Wallet {
	w := wallet.NewWallet(b.OwnerID, b.CreatedAt)
	for c, a := range b.Balances {
		w.Balances[c] = a
	}
	w.TotalBalance = b.TotalBalance
	w.Credited = b.Credited
	w.Debited = b.Debited
	w.Sequence = b.Sequence
	w.LastActivity = b.LastActivity
	return w
}

type CreditBody struct {
	OwnerID        benefit.PrincipalID `json:"owner_id"`
	Category       benefit.Category    `json:"category"`
	Amount         benefit.Amount      `json:"amount"`
	SourceRef      string              `json:"source_ref,omitempty"`
	ProgramID      *benefit.ProgramID  `json:"program_id,omitempty"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty"`
	Description    string              `json:"description,omitempty"`
}

func (b CreditBody) Request() wallet.CreditRequest {
	return wallet.CreditRequest{
		OwnerID:        b.OwnerID,
		Category:       b.Category,
		Amount:         b.Amount,
		SourceRef:      b.SourceRef,
		ProgramID:      b.ProgramID,
		IdempotencyKey: b.IdempotencyKey,
		Description:    b.Description,
	}
}

type DebitBody struct {
	OwnerID        benefit.PrincipalID `json:"owner_id"`
	Category       benefit.Category    `json:"category"`
	Amount         benefit.Amount      `json:"amount"`
	CounterpartyID benefit.PrincipalID `json:"counterparty_id"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty"`
	Description    string              `json:"description,omitempty"`
}

func (b DebitBody) Request() wallet.DebitRequest {
	return wallet.DebitRequest{
		OwnerID:        b.OwnerID,
		Category:       b.Category,
		Amount:         b.Amount,
		CounterpartyID: b.CounterpartyID,
		IdempotencyKey: b.IdempotencyKey,
		Description:    b.Description,
	}
}

// OperationBody answers lookups and fences. Transaction is null when no
// entry was applied under the key.
type OperationBody struct {
	Transaction *TransactionBody `json:"transaction"`
}

type FenceBody struct {
	OwnerID benefit.PrincipalID `json:"owner_id"`
}

type CanPayBody struct {
	CanPay bool `json:"can_pay"`
}

type CleanupBody struct {
	MaxAgeSeconds *int64 `json:"max_age_seconds,omitempty"`
	MaxPerWallet  *int   `json:"max_per_wallet,omitempty"`
}

type CleanupResult struct {
	Removed int `json:"removed"`
}

// ErrorBody is the JSON error envelope of every API. A duplicate operation
// carries the originally applied transaction.
type ErrorBody struct {
	Error       string           `json:"error"`
	Code        benefit.Kind     `json:"code"`
	Details     string           `json:"details,omitempty"`
	Transaction *TransactionBody `json:"transaction,omitempty"`
}
