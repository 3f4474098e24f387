/*
Package wallet implements the Wallet Ledger: segregated per-category
balances and the append-only journal that records every change.

PURPOSE:
  A worker's benefits live in one wallet, partitioned by category. Food
  money cannot pay for Culture. Credits come from program disbursements and
  manual top-ups; debits come from establishment payments.

CRITICAL INVARIANTS:
  1. TotalBalance equals the sum of the category balances
  2. No category balance is ever negative
  3. Lifetime credits minus lifetime debits equals TotalBalance
  4. Journal entries are immutable; Sequence is strictly increasing per wallet

CONCURRENCY:
  Every mutation of a wallet runs under that wallet's key in a KeyedLocker.
  The balance check and the write happen in the same critical section, so
  two concurrent debits can never both pass a check that only one of them
  can satisfy. Different wallets proceed in parallel.

IDEMPOTENCY:
  Credits and debits may carry a key. Replaying a key returns the original
  entry together with a DuplicateOperationError, which callers treat as
  success. A key can also be fenced, after which it is refused forever.

SEE ALSO:
  - store.go: Persistence interface
  - store/sqlite/wallet.go: SQLite implementation
*/
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store  Store
	locks  *benefit.KeyedLocker
	logger *zap.Logger
	now    func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader
}

type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option {
	return func(led *Ledger) {
		if l != nil {
			led.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests and retention jobs.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		locks:   benefit.NewKeyedLocker(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) newID(at time.Time) TransactionID {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), l.entropy).String())
}

func (l *Ledger) lock(ctx context.Context, owner benefit.PrincipalID) (func(), error) {
	unlock, err := l.locks.Lock(ctx, string(owner))
	if err != nil {
		return nil, fmt.Errorf("acquire wallet %s: %w", owner, err)
	}
	return unlock, nil
}

// =============================================================================
// WALLETS
// =============================================================================

// CreateWallet creates an empty wallet, or returns the existing one unchanged.
func (l *Ledger) CreateWallet(ctx context.Context, owner benefit.PrincipalID) (Wallet, error) {
	if err := owner.Validate("owner_id"); err != nil {
		return Wallet{}, err
	}
	w, created, err := l.store.InsertWallet(ctx, NewWallet(owner, l.now()))
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	if created {
		l.logger.Info("wallet created", zap.String("owner_id", string(owner)))
	}
	return w, nil
}

func (l *Ledger) GetWallet(ctx context.Context, owner benefit.PrincipalID) (Wallet, error) {
	w, err := l.store.GetWallet(ctx, owner)
	if err != nil {
		return Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	if w == nil {
		return Wallet{}, &benefit.NotFoundError{Resource: "wallet", ID: string(owner)}
	}
	return *w, nil
}

// VerifyWallet re-checks the wallet invariants against the stored row.
func (l *Ledger) VerifyWallet(ctx context.Context, owner benefit.PrincipalID) error {
	w, err := l.GetWallet(ctx, owner)
	if err != nil {
		return err
	}
	return w.Verify()
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// Credit adds funds to a category, creating the wallet if needed.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Transaction, error) {
	if err := req.OwnerID.Validate("owner_id"); err != nil {
		return Transaction{}, err
	}
	category, err := benefit.ParseCategory(string(req.Category))
	if err != nil {
		return Transaction{}, err
	}
	if err := benefit.RequirePositive("amount", req.Amount); err != nil {
		return Transaction{}, err
	}

	unlock, err := l.lock(ctx, req.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	if req.IdempotencyKey != nil {
		if tx, err := l.replay(ctx, *req.IdempotencyKey, req.OwnerID, TxCredit); tx != nil || err != nil {
			return derefTx(tx), err
		}
	}

	now := l.now()
	current, err := l.store.GetWallet(ctx, req.OwnerID)
	if err != nil {
		return Transaction{}, fmt.Errorf("load wallet: %w", err)
	}
	w := NewWallet(req.OwnerID, now)
	if current != nil {
		w = current.Clone()
	}

	w.Balances[category] += req.Amount
	w.TotalBalance += req.Amount
	w.Credited += req.Amount
	w.Sequence++
	w.LastActivity = now

	sourceRef := req.SourceRef
	if sourceRef == "" {
		sourceRef = "manual"
	}
	tx := Transaction{
		ID:             l.newID(now),
		OwnerID:        req.OwnerID,
		Sequence:       w.Sequence,
		Type:           TxCredit,
		Category:       category,
		Amount:         req.Amount,
		SourceRef:      sourceRef,
		ProgramID:      req.ProgramID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Timestamp:      now,
	}
	if err := l.apply(ctx, w, tx); err != nil {
		return Transaction{}, err
	}

	l.logger.Info("wallet credited",
		zap.String("owner_id", string(req.OwnerID)),
		zap.String("category", string(category)),
		zap.Stringer("amount", req.Amount),
		zap.String("source_ref", sourceRef),
		zap.String("tx_id", string(tx.ID)))
	return tx, nil
}

// Debit removes funds from a category. The balance check and the mutation
// are one step; on InsufficientFunds the wallet is unchanged.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (Transaction, error) {
	if err := req.OwnerID.Validate("owner_id"); err != nil {
		return Transaction{}, err
	}
	if err := req.CounterpartyID.Validate("counterparty_id"); err != nil {
		return Transaction{}, err
	}
	category, err := benefit.ParseCategory(string(req.Category))
	if err != nil {
		return Transaction{}, err
	}
	if err := benefit.RequirePositive("amount", req.Amount); err != nil {
		return Transaction{}, err
	}

	unlock, err := l.lock(ctx, req.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	if req.IdempotencyKey != nil {
		if tx, err := l.replay(ctx, *req.IdempotencyKey, req.OwnerID, TxDebit); tx != nil || err != nil {
			return derefTx(tx), err
		}
	}

	current, err := l.store.GetWallet(ctx, req.OwnerID)
	if err != nil {
		return Transaction{}, fmt.Errorf("load wallet: %w", err)
	}
	if current == nil {
		return Transaction{}, &benefit.NotFoundError{Resource: "wallet", ID: string(req.OwnerID)}
	}
	if available := current.Balance(category); available < req.Amount {
		return Transaction{}, &benefit.InsufficientFundsError{
			Holder:    string(req.OwnerID),
			Category:  category,
			Available: available,
			Requested: req.Amount,
		}
	}

	now := l.now()
	w := current.Clone()
	w.Balances[category] -= req.Amount
	w.TotalBalance -= req.Amount
	w.Debited += req.Amount
	w.Sequence++
	w.LastActivity = now

	counterparty := req.CounterpartyID
	tx := Transaction{
		ID:             l.newID(now),
		OwnerID:        req.OwnerID,
		Sequence:       w.Sequence,
		Type:           TxDebit,
		Category:       category,
		Amount:         req.Amount,
		SourceRef:      "payment",
		CounterpartyID: &counterparty,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Timestamp:      now,
	}
	if err := l.apply(ctx, w, tx); err != nil {
		return Transaction{}, err
	}

	l.logger.Info("wallet debited",
		zap.String("owner_id", string(req.OwnerID)),
		zap.String("category", string(category)),
		zap.Stringer("amount", req.Amount),
		zap.String("counterparty_id", string(counterparty)),
		zap.String("tx_id", string(tx.ID)))
	return tx, nil
}

func (l *Ledger) apply(ctx context.Context, w Wallet, tx Transaction) error {
	if err := w.Verify(); err != nil {
		l.logger.Error("refusing entry that breaks wallet invariants", zap.Error(err))
		return err
	}
	err := l.store.ApplyEntry(ctx, w, tx)
	if errors.Is(err, ErrKeyExists) {
		// Another process sharing the database applied the key first.
		return &benefit.DuplicateOperationError{Key: derefKey(tx.IdempotencyKey)}
	}
	if err != nil {
		return fmt.Errorf("apply %s entry: %w", tx.Type, err)
	}
	return nil
}

// replay resolves a key that may already be recorded. It returns (nil, nil)
// when the key is fresh.
func (l *Ledger) replay(ctx context.Context, key string, owner benefit.PrincipalID, typ TransactionType) (*Transaction, error) {
	if key == "" {
		return nil, &benefit.ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	op, err := l.store.GetOperation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup operation: %w", err)
	}
	if op == nil {
		return nil, nil
	}
	if op.Fenced {
		return nil, fmt.Errorf("key %s: %w", key, benefit.ErrOperationFenced)
	}
	if op.OwnerID != owner || op.Type != typ {
		return nil, &benefit.ValidationError{
			Field:  "idempotency_key",
			Reason: fmt.Sprintf("%s already used for a %s on %s", key, op.Type, op.OwnerID),
		}
	}
	tx, err := l.operationEntry(ctx, *op)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("duplicate operation", zap.String("key", key), zap.String("tx_id", string(tx.ID)))
	return tx, &benefit.DuplicateOperationError{Key: key, TransactionID: string(tx.ID)}
}

// operationEntry returns the journal entry for an applied operation. When
// the entry has been pruned it is rebuilt from the operation record.
func (l *Ledger) operationEntry(ctx context.Context, op Operation) (*Transaction, error) {
	if op.TransactionID == nil {
		return nil, nil
	}
	tx, err := l.store.GetTransaction(ctx, *op.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx != nil {
		return tx, nil
	}
	key := op.Key
	return &Transaction{
		ID:             *op.TransactionID,
		OwnerID:        op.OwnerID,
		Type:           op.Type,
		Category:       op.Category,
		Amount:         op.Amount,
		IdempotencyKey: &key,
		Timestamp:      op.RecordedAt,
	}, nil
}

// =============================================================================
// OPERATIONS - Lookup and fencing by idempotency key
// =============================================================================

// LookupOperation returns the entry applied under key, or nil when the key
// never applied (fenced keys included).
func (l *Ledger) LookupOperation(ctx context.Context, key string) (*Transaction, error) {
	op, err := l.store.GetOperation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup operation: %w", err)
	}
	if op == nil || op.Fenced {
		return nil, nil
	}
	return l.operationEntry(ctx, *op)
}

// FenceOperation settles the fate of key on owner's wallet. If the key was
// applied, its entry is returned. Otherwise the key is recorded as fenced
// and nil is returned; any later credit or debit carrying it fails.
func (l *Ledger) FenceOperation(ctx context.Context, owner benefit.PrincipalID, key string) (*Transaction, error) {
	if err := owner.Validate("owner_id"); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, &benefit.ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}

	unlock, err := l.lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	op, err := l.store.GetOperation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup operation: %w", err)
	}
	if op != nil {
		if op.Fenced {
			return nil, nil
		}
		return l.operationEntry(ctx, *op)
	}

	err = l.store.FenceOperation(ctx, Operation{
		Key:        key,
		OwnerID:    owner,
		Fenced:     true,
		RecordedAt: l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("fence operation: %w", err)
	}
	l.logger.Info("operation fenced", zap.String("owner_id", string(owner)), zap.String("key", key))
	return nil, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTransactionHistory returns entries most-recent-first. A nil limit
// returns everything; an unknown wallet has an empty history.
func (l *Ledger) GetTransactionHistory(ctx context.Context, owner benefit.PrincipalID, limit *int) ([]Transaction, error) {
	n, err := limitValue(limit)
	if err != nil {
		return nil, err
	}
	if limit != nil && n == 0 {
		return []Transaction{}, nil
	}
	txs, err := l.store.LoadHistory(ctx, owner, n)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return nonNil(txs), nil
}

// TransactionsByCounterparty returns debits received by counterparty.
func (l *Ledger) TransactionsByCounterparty(ctx context.Context, counterparty benefit.PrincipalID, limit *int) ([]Transaction, error) {
	n, err := limitValue(limit)
	if err != nil {
		return nil, err
	}
	if limit != nil && n == 0 {
		return []Transaction{}, nil
	}
	txs, err := l.store.LoadByCounterparty(ctx, counterparty, n)
	if err != nil {
		return nil, fmt.Errorf("load counterparty entries: %w", err)
	}
	return nonNil(txs), nil
}

// CanMakePayment is advisory. The authoritative check happens inside Debit.
func (l *Ledger) CanMakePayment(ctx context.Context, owner benefit.PrincipalID, category benefit.Category, amount benefit.Amount) (bool, error) {
	category, err := benefit.ParseCategory(string(category))
	if err != nil {
		return false, err
	}
	if !amount.IsPositive() {
		return false, nil
	}
	w, err := l.store.GetWallet(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("load wallet: %w", err)
	}
	if w == nil {
		return false, nil
	}
	return w.Balance(category) >= amount, nil
}

// =============================================================================
// RETENTION
// =============================================================================

// CleanupOldTransactions prunes the journal. Balances are stored rather than
// replayed, so the wallet invariants are unaffected.
func (l *Ledger) CleanupOldTransactions(ctx context.Context, policy RetentionPolicy) (int, error) {
	if policy.MaxAge == nil && policy.MaxPerWallet == nil {
		return 0, &benefit.ValidationError{Field: "retention", Reason: "max_age or max_per_wallet is required"}
	}
	var cutoff *time.Time
	if policy.MaxAge != nil {
		if *policy.MaxAge <= 0 {
			return 0, &benefit.ValidationError{Field: "max_age", Reason: "must be positive"}
		}
		c := l.now().Add(-*policy.MaxAge)
		cutoff = &c
	}
	if policy.MaxPerWallet != nil && *policy.MaxPerWallet < 0 {
		return 0, &benefit.ValidationError{Field: "max_per_wallet", Reason: "must not be negative"}
	}

	removed, err := l.store.PruneJournal(ctx, cutoff, policy.MaxPerWallet)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	if removed > 0 {
		l.logger.Info("journal pruned", zap.Int("removed", removed))
	}
	return removed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func limitValue(limit *int) (int, error) {
	if limit == nil {
		return 0, nil
	}
	if *limit < 0 {
		return 0, &benefit.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return *limit, nil
}

func nonNil(txs []Transaction) []Transaction {
	if txs == nil {
		return []Transaction{}
	}
	return txs
}

func derefTx(tx *Transaction) Transaction {
	if tx == nil {
		return Transaction{}
	}
	return *tx
}

func derefKey(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}
