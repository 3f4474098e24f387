package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// WALLET STORE (wallet.Store interface)
// =============================================================================

// GetWallet returns the wallet with its category balances.
func (s *Store) GetWallet(ctx context.Context, owner benefit.PrincipalID) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadWallet(ctx, s.db, owner)
}

func loadWallet(ctx context.Context, q queryer, owner benefit.PrincipalID) (*wallet.Wallet, error) {
	var (
		w            wallet.Wallet
		createdAt    string
		lastActivity string
	)
	err := q.QueryRowContext(ctx, `
		SELECT owner_id, total_balance, credited, debited, sequence, created_at, last_activity
		FROM wallets WHERE owner_id = ?
	`, owner).Scan(&w.OwnerID, &w.TotalBalance, &w.Credited, &w.Debited, &w.Sequence, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.CreatedAt = parseTime(createdAt)
	w.LastActivity = parseTime(lastActivity)

	rows, err := q.QueryContext(ctx, `SELECT category, balance FROM wallet_balances WHERE owner_id = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	w.Balances = make(map[benefit.Category]benefit.Amount)
	for _, c := range benefit.Categories() {
		w.Balances[c] = 0
	}
	for rows.Next() {
		var (
			category benefit.Category
			balance  benefit.Amount
		)
		if err := rows.Scan(&category, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		w.Balances[category] = balance
	}
	return &w, rows.Err()
}

// InsertWallet creates the wallet unless it exists.
func (s *Store) InsertWallet(ctx context.Context, w wallet.Wallet) (wallet.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stored  wallet.Wallet
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadWallet(ctx, tx, w.OwnerID)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = *existing
			return nil
		}
		if err := saveWallet(ctx, tx, w); err != nil {
			return err
		}
		stored, created = w, true
		return nil
	})
	return stored, created, err
}

func saveWallet(ctx context.Context, db execer, w wallet.Wallet) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, total_balance, credited, debited, sequence, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			total_balance = excluded.total_balance,
			credited = excluded.credited,
			debited = excluded.debited,
			sequence = excluded.sequence,
			last_activity = excluded.last_activity
	`, w.OwnerID, w.TotalBalance, w.Credited, w.Debited, w.Sequence,
		formatTime(w.CreatedAt), formatTime(w.LastActivity))
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}

	for category, balance := range w.Balances {
		_, err := db.ExecContext(ctx, `
			INSERT INTO wallet_balances (owner_id, category, balance) VALUES (?, ?, ?)
			ON CONFLICT(owner_id, category) DO UPDATE SET balance = excluded.balance
		`, w.OwnerID, category, balance)
		if err != nil {
			return fmt.Errorf("failed to save balance: %w", err)
		}
	}
	return nil
}

// ApplyEntry writes the wallet, the journal entry and the idempotency record
// in one transaction.
func (s *Store) ApplyEntry(ctx context.Context, w wallet.Wallet, entry wallet.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if entry.IdempotencyKey != nil {
			id := entry.ID
			err := insertOperation(ctx, tx, wallet.Operation{
				Key:           *entry.IdempotencyKey,
				OwnerID:       entry.OwnerID,
				TransactionID: &id,
				Type:          entry.Type,
				Category:      entry.Category,
				Amount:        entry.Amount,
				RecordedAt:    entry.Timestamp,
			})
			if err != nil {
				return err
			}
		}
		if err := saveWallet(ctx, tx, w); err != nil {
			if isCheckConstraintError(err) {
				return fmt.Errorf("wallet %s would go negative: %w", w.OwnerID, err)
			}
			return err
		}
		return appendEntry(ctx, tx, entry)
	})
}

func appendEntry(ctx context.Context, db execer, t wallet.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(id, owner_id, sequence, tx_type, category, amount, source_ref,
		 counterparty_id, program_id, idempotency_key, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.OwnerID, t.Sequence, t.Type, t.Category, t.Amount, t.SourceRef,
		nullStringPtr(t.CounterpartyID), nullStringPtr(t.ProgramID), nullStringPtr(t.IdempotencyKey),
		t.Description, formatTime(t.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func insertOperation(ctx context.Context, db execer, op wallet.Operation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallet_operations
		(idempotency_key, owner_id, transaction_id, tx_type, category, amount, fenced, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.Key, op.OwnerID, nullStringPtr(op.TransactionID), nullString(string(op.Type)),
		nullString(string(op.Category)), op.Amount, op.Fenced, formatTime(op.RecordedAt),
	)
	if isUniqueConstraintError(err) {
		return wallet.ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// GetOperation returns the idempotency record for key.
func (s *Store) GetOperation(ctx context.Context, key string) (*wallet.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		op         wallet.Operation
		txID       sql.NullString
		txType     sql.NullString
		category   sql.NullString
		amount     sql.NullInt64
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, owner_id, transaction_id, tx_type, category, amount, fenced, recorded_at
		FROM wallet_operations WHERE idempotency_key = ?
	`, key).Scan(&op.Key, &op.OwnerID, &txID, &txType, &category, &amount, &op.Fenced, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	op.TransactionID = stringPtr[wallet.TransactionID](txID)
	op.Type = wallet.TransactionType(txType.String)
	op.Category = benefit.Category(category.String)
	op.Amount = benefit.Amount(amount.Int64)
	op.RecordedAt = parseTime(recordedAt)
	return &op, nil
}

// FenceOperation records a key that must never be applied.
func (s *Store) FenceOperation(ctx context.Context, op wallet.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.Fenced = true
	op.TransactionID = nil
	return insertOperation(ctx, s.db, op)
}

const transactionColumns = `
	id, owner_id, sequence, tx_type, category, amount, source_ref,
	counterparty_id, program_id, idempotency_key, description, created_at`

// GetTransaction returns a journal entry by id.
func (s *Store) GetTransaction(ctx context.Context, id wallet.TransactionID) (*wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// LoadHistory returns a wallet's entries, newest first.
func (s *Store) LoadHistory(ctx context.Context, owner benefit.PrincipalID, limit int) ([]wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE owner_id = ?
		ORDER BY sequence DESC
		LIMIT ?`
	return s.queryTransactions(ctx, query, owner, sqlLimit(limit))
}

// LoadByCounterparty returns entries paid to counterparty, newest first.
func (s *Store) LoadByCounterparty(ctx context.Context, counterparty benefit.PrincipalID, limit int) ([]wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE counterparty_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	return s.queryTransactions(ctx, query, counterparty, sqlLimit(limit))
}

// PruneJournal deletes entries by age and/or beyond the newest keepPerWallet.
// Sequences are contiguous per wallet, so "beyond the newest N" is every
// entry whose sequence is at most head - N.
func (s *Store) PruneJournal(ctx context.Context, olderThan *time.Time, keepPerWallet *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if olderThan != nil {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM wallet_transactions WHERE created_at < ?`, formatTime(*olderThan))
			if err != nil {
				return fmt.Errorf("failed to prune by age: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if keepPerWallet != nil {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM wallet_transactions
				WHERE sequence <= (
					SELECT w.sequence FROM wallets w WHERE w.owner_id = wallet_transactions.owner_id
				) - ?
			`, *keepPerWallet)
			if err != nil {
				return fmt.Errorf("failed to prune by count: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	return int(removed), err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]wallet.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (wallet.Transaction, error) {
	var (
		tx             wallet.Transaction
		counterparty   sql.NullString
		programID      sql.NullString
		idempotencyKey sql.NullString
		description    sql.NullString
		createdAt      string
	)
	err := rows.Scan(
		&tx.ID, &tx.OwnerID, &tx.Sequence, &tx.Type, &tx.Category, &tx.Amount, &tx.SourceRef,
		&counterparty, &programID, &idempotencyKey, &description, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.CounterpartyID = stringPtr[benefit.PrincipalID](counterparty)
	tx.ProgramID = stringPtr[benefit.ProgramID](programID)
	tx.IdempotencyKey = stringPtr[string](idempotencyKey)
	tx.Description = description.String
	tx.Timestamp = parseTime(createdAt)
	return tx, nil
}

// sqlLimit maps "no limit" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
