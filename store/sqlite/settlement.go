package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/settlement"
)

// =============================================================================
// ESTABLISHMENT STORE (settlement.Store interface)
// =============================================================================

func (s *Store) InsertEstablishment(ctx context.Context, e settlement.Establishment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories, _ := json.Marshal(e.AcceptedCategories)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO establishments
		(id, name, country, business_code, wallet_principal, accepted_categories,
		 total_received, total_transactions, is_active, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, nullString(e.Country), nullString(e.BusinessCode), e.WalletPrincipal, string(categories),
		e.TotalReceived, e.TotalTransactions, e.IsActive, formatTime(e.RegisteredAt), formatTime(e.UpdatedAt))
	if isUniqueConstraintError(err) {
		return settlement.ErrEstablishmentExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert establishment: %w", err)
	}
	return nil
}

// SaveEstablishment updates the profile fields. Running totals are only
// changed by CompletePayment.
func (s *Store) SaveEstablishment(ctx context.Context, e settlement.Establishment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories, _ := json.Marshal(e.AcceptedCategories)
	res, err := s.db.ExecContext(ctx, `
		UPDATE establishments
		SET name = ?, country = ?, business_code = ?, wallet_principal = ?,
		    accepted_categories = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, e.Name, nullString(e.Country), nullString(e.BusinessCode), e.WalletPrincipal, string(categories),
		e.IsActive, formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to save establishment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &benefit.NotFoundError{Resource: "establishment", ID: string(e.ID)}
	}
	return nil
}

const establishmentColumns = `
	id, name, country, business_code, wallet_principal, accepted_categories,
	total_received, total_transactions, is_active, registered_at, updated_at`

func (s *Store) GetEstablishment(ctx context.Context, id benefit.PrincipalID) (*settlement.Establishment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryEstablishments(ctx, `SELECT `+establishmentColumns+` FROM establishments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *Store) ListEstablishments(ctx context.Context, activeOnly bool) ([]settlement.Establishment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + establishmentColumns + ` FROM establishments`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY name ASC, id ASC`
	return s.queryEstablishments(ctx, query)
}

func (s *Store) queryEstablishments(ctx context.Context, query string, args ...any) ([]settlement.Establishment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query establishments: %w", err)
	}
	defer rows.Close()

	var out []settlement.Establishment
	for rows.Next() {
		var (
			e                       settlement.Establishment
			country, businessCode   sql.NullString
			categories              string
			registeredAt, updatedAt string
		)
		err := rows.Scan(&e.ID, &e.Name, &country, &businessCode, &e.WalletPrincipal, &categories,
			&e.TotalReceived, &e.TotalTransactions, &e.IsActive, &registeredAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan establishment: %w", err)
		}
		if err := json.Unmarshal([]byte(categories), &e.AcceptedCategories); err != nil {
			return nil, fmt.Errorf("failed to decode categories of %s: %w", e.ID, err)
		}
		e.Country = country.String
		e.BusinessCode = businessCode.String
		e.RegisteredAt = parseTime(registeredAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, p settlement.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments
		(id, worker_id, establishment_id, category, amount, description, status,
		 ledger_tx_id, failure_reason, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.WorkerID, p.EstablishmentID, p.Category, p.Amount, p.Description, p.Status,
		nullStringPtr(p.LedgerTxID), nullString(p.FailureReason), formatTime(p.CreatedAt), nullTime(p.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `
	id, worker_id, establishment_id, category, amount, description, status,
	ledger_tx_id, failure_reason, created_at, processed_at`

func (s *Store) GetPayment(ctx context.Context, id string) (*settlement.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// UpdatePayment moves a Pending payment to its new status.
func (s *Store) UpdatePayment(ctx context.Context, p settlement.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return updatePendingPayment(ctx, s.db, p)
}

func updatePendingPayment(ctx context.Context, db execer, p settlement.Payment) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, ledger_tx_id = ?, failure_reason = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, p.Status, nullStringPtr(p.LedgerTxID), nullString(p.FailureReason), nullTime(p.ProcessedAt),
		p.ID, settlement.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return settlement.ErrNotPending
	}
	return nil
}

// CompletePayment records a completed payment and bumps the
// establishment's running totals in the same transaction.
func (s *Store) CompletePayment(ctx context.Context, p settlement.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updatePendingPayment(ctx, tx, p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE establishments
			SET total_received = total_received + ?, total_transactions = total_transactions + 1
			WHERE id = ?
		`, p.Amount, p.EstablishmentID)
		if err != nil {
			return fmt.Errorf("failed to update establishment totals: %w", err)
		}
		return nil
	})
}

// ListPayments returns payments matching the filter, newest first.
func (s *Store) ListPayments(ctx context.Context, f settlement.PaymentFilter) ([]settlement.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.EstablishmentID != nil {
		where = append(where, "establishment_id = ?")
		args = append(args, *f.EstablishmentID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.CreatedBefore))
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, sqlLimit(f.Limit))
	return s.queryPayments(ctx, query, args...)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]settlement.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []settlement.Payment
	for rows.Next() {
		var (
			p             settlement.Payment
			description   sql.NullString
			ledgerTxID    sql.NullString
			failureReason sql.NullString
			createdAt     string
			processedAt   sql.NullString
		)
		err := rows.Scan(&p.ID, &p.WorkerID, &p.EstablishmentID, &p.Category, &p.Amount, &description,
			&p.Status, &ledgerTxID, &failureReason, &createdAt, &processedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Description = description.String
		p.LedgerTxID = stringPtr[string](ledgerTxID)
		p.FailureReason = failureReason.String
		p.CreatedAt = parseTime(createdAt)
		if processedAt.Valid {
			t := parseTime(processedAt.String)
			p.ProcessedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
