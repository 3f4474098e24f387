package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
)

// =============================================================================
// PROGRAM STORE (program.Store interface)
// =============================================================================

// SaveProgram upserts a program.
func (s *Store) SaveProgram(ctx context.Context, p program.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs
		(id, name, company_id, category, amount_per_worker, frequency, payment_day,
		 created_by, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			amount_per_worker = excluded.amount_per_worker,
			payment_day = excluded.payment_day,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		p.ID, p.Name, p.CompanyID, p.Category, p.AmountPerWorker, p.Frequency, p.PaymentDay,
		p.CreatedBy, p.IsActive, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

const programColumns = `
	id, name, company_id, category, amount_per_worker, frequency, payment_day,
	created_by, is_active, created_at, updated_at`

// GetProgram returns a program by id.
func (s *Store) GetProgram(ctx context.Context, id benefit.ProgramID) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	programs, err := s.queryPrograms(ctx, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(programs) == 0 {
		return nil, nil
	}
	return &programs[0], nil
}

// ListPrograms returns programs matching the filter, oldest first.
func (s *Store) ListPrograms(ctx context.Context, f program.ProgramFilter) ([]program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CompanyID != nil {
		where = append(where, "company_id = ?")
		args = append(args, *f.CompanyID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = TRUE")
	}
	query := `SELECT ` + programColumns + ` FROM programs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryPrograms(ctx, query, args...)
}

func (s *Store) queryPrograms(ctx context.Context, query string, args ...any) ([]program.Program, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()

	var programs []program.Program
	for rows.Next() {
		var (
			p                    program.Program
			createdAt, updatedAt string
		)
		err := rows.Scan(&p.ID, &p.Name, &p.CompanyID, &p.Category, &p.AmountPerWorker, &p.Frequency,
			&p.PaymentDay, &p.CreatedBy, &p.IsActive, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// SaveAssignment upserts on (worker_id, program_id).
func (s *Store) SaveAssignment(ctx context.Context, a program.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var custom sql.NullInt64
	if a.CustomAmount != nil {
		custom = sql.NullInt64{Int64: int64(*a.CustomAmount), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO program_assignments
		(worker_id, program_id, custom_amount, is_active, assigned_by, assigned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, program_id) DO UPDATE SET
			custom_amount = excluded.custom_amount,
			is_active = excluded.is_active,
			assigned_by = excluded.assigned_by,
			updated_at = excluded.updated_at
	`, a.WorkerID, a.ProgramID, custom, a.IsActive, a.AssignedBy, formatTime(a.AssignedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

const assignmentColumns = `worker_id, program_id, custom_amount, is_active, assigned_by, assigned_at, updated_at`

func (s *Store) GetAssignment(ctx context.Context, worker benefit.PrincipalID, programID benefit.ProgramID) (*program.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM program_assignments WHERE worker_id = ? AND program_id = ?`,
		worker, programID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *Store) ListAssignments(ctx context.Context, f program.AssignmentFilter) ([]program.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.ProgramID != nil {
		where = append(where, "program_id = ?")
		args = append(args, *f.ProgramID)
	}
	if f.WorkerID != nil {
		where = append(where, "worker_id = ?")
		args = append(args, *f.WorkerID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = TRUE")
	}
	query := `SELECT ` + assignmentColumns + ` FROM program_assignments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY assigned_at ASC, worker_id ASC"
	return s.queryAssignments(ctx, query, args...)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]program.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []program.Assignment
	for rows.Next() {
		var (
			a                     program.Assignment
			custom                sql.NullInt64
			assignedAt, updatedAt string
		)
		if err := rows.Scan(&a.WorkerID, &a.ProgramID, &custom, &a.IsActive, &a.AssignedBy, &assignedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if custom.Valid {
			a.CustomAmount = benefit.Ptr(benefit.Amount(custom.Int64))
		}
		a.AssignedAt = parseTime(assignedAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// FUNDING POOLS
// =============================================================================

func (s *Store) GetPool(ctx context.Context, company benefit.CompanyID) (program.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadPool(ctx, s.db, company)
}

func loadPool(ctx context.Context, q queryer, company benefit.CompanyID) (program.Pool, error) {
	pool := program.Pool{CompanyID: company}
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT available, deposited, disbursed, updated_at FROM funding_pools WHERE company_id = ?
	`, company).Scan(&pool.Available, &pool.Deposited, &pool.Disbursed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pool, nil
	}
	if err != nil {
		return pool, fmt.Errorf("failed to get pool: %w", err)
	}
	pool.UpdatedAt = parseTime(updatedAt)
	return pool, nil
}

func (s *Store) DepositPool(ctx context.Context, company benefit.CompanyID, amount benefit.Amount, at time.Time) (program.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pool program.Pool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO funding_pools (company_id, available, deposited, disbursed, updated_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(company_id) DO UPDATE SET
				available = funding_pools.available + excluded.available,
				deposited = funding_pools.deposited + excluded.deposited,
				updated_at = excluded.updated_at
		`, company, amount, amount, formatTime(at))
		if err != nil {
			return fmt.Errorf("failed to deposit: %w", err)
		}
		pool, err = loadPool(ctx, tx, company)
		return err
	})
	return pool, err
}

// =============================================================================
// DISBURSEMENT RUNS
// =============================================================================

// ReserveRun debits the pool and inserts the run atomically.
func (s *Store) ReserveRun(ctx context.Context, run program.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM disbursement_runs WHERE program_id = ? AND period = ?`,
			run.ProgramID, run.Period).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if exists > 0 {
			return program.ErrRunExists
		}

		pool, err := loadPool(ctx, tx, run.CompanyID)
		if err != nil {
			return err
		}
		if pool.Available < run.Total {
			return &benefit.InsufficientFundsError{
				Holder:    "pool:" + string(run.CompanyID),
				Available: pool.Available,
				Requested: run.Total,
			}
		}
		if run.Total > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE funding_pools
				SET available = available - ?, disbursed = disbursed + ?, updated_at = ?
				WHERE company_id = ?
			`, run.Total, run.Total, formatTime(run.CreatedAt), run.CompanyID)
			if err != nil {
				return fmt.Errorf("failed to debit pool: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO disbursement_runs
			(id, program_id, company_id, period, category, total, status, trigger_kind, triggered_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.ProgramID, run.CompanyID, run.Period, run.Category, run.Total, run.Status,
			run.Trigger, nullStringPtr(run.TriggeredBy), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
		if isUniqueConstraintError(err) {
			return program.ErrRunExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, item := range run.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO disbursement_items
				(run_id, worker_id, amount, status, idempotency_key, transaction_id, last_error, attempts, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, run.ID, item.WorkerID, item.Amount, item.Status, item.IdempotencyKey,
				nullStringPtr(item.TransactionID), nullString(item.LastError), item.Attempts, formatTime(item.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert run item: %w", err)
			}
		}
		return nil
	})
}

const runColumns = `id, program_id, company_id, period, category, total, status, trigger_kind, triggered_by, created_at, updated_at`

func (s *Store) GetRun(ctx context.Context, programID benefit.ProgramID, period string) (*program.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM disbursement_runs WHERE program_id = ? AND period = ?`, programID, period)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns a program's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, programID benefit.ProgramID) ([]program.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM disbursement_runs WHERE program_id = ? ORDER BY created_at DESC`, programID)
}

// queryRuns loads runs, then their items. Rows are closed before the item
// queries run on the single connection.
func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]program.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []program.Run
	for rows.Next() {
		var (
			r                    program.Run
			triggeredBy          sql.NullString
			createdAt, updatedAt string
		)
		err := rows.Scan(&r.ID, &r.ProgramID, &r.CompanyID, &r.Period, &r.Category, &r.Total, &r.Status,
			&r.Trigger, &triggeredBy, &createdAt, &updatedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.TriggeredBy = stringPtr[benefit.PrincipalID](triggeredBy)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		items, err := s.queryRunItems(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Items = items
	}
	return runs, nil
}

func (s *Store) queryRunItems(ctx context.Context, runID string) ([]program.RunItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, worker_id, amount, status, idempotency_key, transaction_id, last_error, attempts, updated_at
		FROM disbursement_items WHERE run_id = ?
		ORDER BY worker_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run items: %w", err)
	}
	defer rows.Close()

	var items []program.RunItem
	for rows.Next() {
		var (
			item      program.RunItem
			txID      sql.NullString
			lastError sql.NullString
			updatedAt string
		)
		err := rows.Scan(&item.RunID, &item.WorkerID, &item.Amount, &item.Status, &item.IdempotencyKey,
			&txID, &lastError, &item.Attempts, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run item: %w", err)
		}
		item.TransactionID = stringPtr[string](txID)
		item.LastError = lastError.String
		item.UpdatedAt = parseTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) UpdateRunItem(ctx context.Context, item program.RunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE disbursement_items
		SET status = ?, transaction_id = ?, last_error = ?, attempts = ?, updated_at = ?
		WHERE run_id = ? AND worker_id = ?
	`, item.Status, nullStringPtr(item.TransactionID), nullString(item.LastError), item.Attempts,
		formatTime(item.UpdatedAt), item.RunID, item.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to update run item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &benefit.NotFoundError{Resource: "run item", ID: item.RunID + "/" + string(item.WorkerID)}
	}
	return nil
}

// ReleaseRunItem rejects an item and refunds its amount to the pool.
func (s *Store) ReleaseRunItem(ctx context.Context, item program.RunItem, company benefit.CompanyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var amount benefit.Amount
		err := tx.QueryRowContext(ctx, `
			SELECT amount FROM disbursement_items
			WHERE run_id = ? AND worker_id = ? AND status != ?
		`, item.RunID, item.WorkerID, program.ItemRejected).Scan(&amount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load run item: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE disbursement_items
			SET status = ?, last_error = ?, attempts = ?, updated_at = ?
			WHERE run_id = ? AND worker_id = ?
		`, program.ItemRejected, nullString(item.LastError), item.Attempts, formatTime(item.UpdatedAt),
			item.RunID, item.WorkerID)
		if err != nil {
			return fmt.Errorf("failed to reject run item: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE funding_pools
			SET available = available + ?, disbursed = disbursed - ?, updated_at = ?
			WHERE company_id = ?
		`, amount, amount, formatTime(item.UpdatedAt), company)
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status program.RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE disbursement_runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}
