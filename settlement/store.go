package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

var (
	// ErrEstablishmentExists is returned by InsertEstablishment on a second registration.
	ErrEstablishmentExists = errors.New("establishment already registered")

	// ErrNotPending is returned when a payment update loses a race with
	// another transition. Stored payments only move out of Pending once.
	ErrNotPending = errors.New("payment is no longer pending")
)

type PaymentFilter struct {
	EstablishmentID *benefit.PrincipalID
	Status          *PaymentStatus
	CreatedBefore   *time.Time
	// Limit <= 0 means no limit.
	Limit int
}

type Store interface {
	InsertEstablishment(ctx context.Context, e Establishment) error
	SaveEstablishment(ctx context.Context, e Establishment) error
	// GetEstablishment returns nil, nil when absent.
	GetEstablishment(ctx context.Context, id benefit.PrincipalID) (*Establishment, error)
	ListEstablishments(ctx context.Context, activeOnly bool) ([]Establishment, error)

	InsertPayment(ctx context.Context, p Payment) error
	// GetPayment returns nil, nil when absent.
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// UpdatePayment writes a terminal status for a payment that is still
	// Pending in the store, or returns ErrNotPending.
	UpdatePayment(ctx context.Context, p Payment) error
	// CompletePayment is UpdatePayment plus the establishment's running
	// totals, in one transaction.
	CompletePayment(ctx context.Context, p Payment) error
	// ListPayments returns newest first.
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)
}
