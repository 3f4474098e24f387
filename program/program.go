/*
Package program implements the benefit program registry and the
disbursement scheduler.

PURPOSE:
  HR users define programs ("every month on the 5th, 300.00 of Food per
  worker"), assign workers to them, and fund a per-company pool. A
  disbursement run turns one program period into one wallet credit per
  assigned worker, paid out of the pool.

KEY CONCEPTS IN THIS FILE (program.go):
  - Program: category, amount per worker, frequency and payment day
  - Assignment: a worker on a program, optionally with a custom amount
  - Pool: the company's funding, never negative
  - Run / RunItem: a reserved payout and its per-worker outcome

LIFECYCLE OF A RUN:
  1. Reserve: the whole run total is debited from the pool, or nothing is
  2. Credit: each worker is credited with key disburse:{program}:{period}:{worker}
  3. Settle: items end Confirmed, Failed or Unknown; the run is Completed
     only when every item is Confirmed

SEE ALSO:
  - schedule.go: Period math
  - registry.go: Programs, assignments and the pool
  - disbursement.go: Run execution
*/
package program

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// FREQUENCY
// =============================================================================

type Frequency string

const (
	FrequencyWeekly   Frequency = "Weekly"
	FrequencyBiweekly Frequency = "Biweekly"
	FrequencyMonthly  Frequency = "Monthly"
)

func ParseFrequency(s string) (Frequency, error) {
	for _, f := range []Frequency{FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly} {
		if strings.EqualFold(string(f), strings.TrimSpace(s)) {
			return f, nil
		}
	}
	return "", &benefit.ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", s)}
}

func (f *Frequency) UnmarshalText(b []byte) error {
	parsed, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// =============================================================================
// PROGRAM
// =============================================================================

type Program struct {
	ID              benefit.ProgramID
	Name            string
	CompanyID       benefit.CompanyID
	Category        benefit.Category
	AmountPerWorker benefit.Amount
	Frequency       Frequency
	PaymentDay      int
	CreatedBy       benefit.PrincipalID
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewProgram is the input to CreateProgram.
type NewProgram struct {
	Name            string
	CompanyID       benefit.CompanyID
	Category        benefit.Category
	AmountPerWorker benefit.Amount
	Frequency       Frequency
	PaymentDay      int
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

// Assignment is unique per (WorkerID, ProgramID).
type Assignment struct {
	WorkerID     benefit.PrincipalID
	ProgramID    benefit.ProgramID
	CustomAmount *benefit.Amount
	IsActive     bool
	AssignedBy   benefit.PrincipalID
	AssignedAt   time.Time
	UpdatedAt    time.Time
}

// EffectiveAmount is the override when present, else the program default.
func (a Assignment) EffectiveAmount(p Program) benefit.Amount {
	if a.CustomAmount != nil {
		return *a.CustomAmount
	}
	return p.AmountPerWorker
}

// =============================================================================
// FUNDING POOL
// =============================================================================

type Pool struct {
	CompanyID benefit.CompanyID
	Available benefit.Amount
	Deposited benefit.Amount
	Disbursed benefit.Amount
	UpdatedAt time.Time
}

// =============================================================================
// DISBURSEMENT RUNS
// =============================================================================

type RunStatus string

const (
	RunReserved  RunStatus = "reserved"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
)

type ItemStatus string

const (
	ItemReserved  ItemStatus = "reserved"
	ItemConfirmed ItemStatus = "confirmed"
	ItemUnknown   ItemStatus = "unknown"
	ItemFailed    ItemStatus = "failed"
	// ItemRejected is terminal: the ledger refused the credit for good and the
	// amount went back to the pool.
	ItemRejected ItemStatus = "rejected"
)

type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// Run is one program period's payout. It is unique per (ProgramID, Period).
// Items and their amounts are frozen when the run is reserved.
type Run struct {
	ID          string
	ProgramID   benefit.ProgramID
	CompanyID   benefit.CompanyID
	Period      string
	Category    benefit.Category
	Total       benefit.Amount
	Status      RunStatus
	Trigger     TriggerKind
	TriggeredBy *benefit.PrincipalID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Items       []RunItem
}

type RunItem struct {
	RunID          string
	WorkerID       benefit.PrincipalID
	Amount         benefit.Amount
	Status         ItemStatus
	IdempotencyKey string
	TransactionID  *string
	LastError      string
	Attempts       int
	UpdatedAt      time.Time
}

// CreditKey is the ledger idempotency key for a worker's credit in a period.
func CreditKey(programID benefit.ProgramID, period string, worker benefit.PrincipalID) string {
	return fmt.Sprintf("disburse:%s:%s:%s", programID, period, worker)
}
