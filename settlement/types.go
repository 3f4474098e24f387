package settlement

import (
	"slices"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// ESTABLISHMENT
// =============================================================================

// Establishment is a merchant profile. Its ID is the establishment's own
// principal; a profile can only be created by that principal.
type Establishment struct {
	ID                 benefit.PrincipalID
	Name               string
	Country            string
	BusinessCode       string
	WalletPrincipal    benefit.PrincipalID
	AcceptedCategories []benefit.Category
	TotalReceived      benefit.Amount
	TotalTransactions  int64
	IsActive           bool
	RegisteredAt       time.Time
	UpdatedAt          time.Time
}

func (e Establishment) Accepts(c benefit.Category) bool {
	return slices.Contains(e.AcceptedCategories, c)
}

type Registration struct {
	Name               string
	Country            string
	BusinessCode       string
	WalletPrincipal    benefit.PrincipalID
	AcceptedCategories []benefit.Category
}

// Update is a partial update; nil fields are left alone.
type Update struct {
	Name               *string
	AcceptedCategories []benefit.Category
	WalletPrincipal    *benefit.PrincipalID
	IsActive           *bool
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Terminal statuses never change again.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition allows only Pending -> {Completed, Failed, Cancelled}.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	return s == StatusPending && to.Terminal()
}

type Payment struct {
	ID              string
	WorkerID        benefit.PrincipalID
	EstablishmentID benefit.PrincipalID
	Category        benefit.Category
	Amount          benefit.Amount
	Description     string
	Status          PaymentStatus
	LedgerTxID      *string
	FailureReason   string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// LedgerKey is the idempotency key of the payment's wallet debit.
func (p Payment) LedgerKey() string { return "payment:" + p.ID }

type PaymentRequest struct {
	WorkerID    benefit.PrincipalID
	Category    benefit.Category
	Amount      benefit.Amount
	Description string
}

// Validation is the answer to "can this worker pay this establishment?".
type Validation struct {
	IsValid           bool
	Reason            string
	EstablishmentName string
	Amount            benefit.Amount
	Category          benefit.Category
}
