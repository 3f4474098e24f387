/*
Package settlement implements Establishment Settlement: merchant profiles
and the payments workers make to them.

PAYMENT FLOW:
  1. The caller's verified identity is the receiving establishment
  2. A Pending record is written before the wallet is touched
  3. The worker's wallet is debited with key payment:{paymentId}
  4. Completed on success, Failed on a definite ledger error
  5. Left Pending when the ledger reply was never observed

PENDING RESOLUTION:
  A Pending payment is settled by fencing its ledger key. The fence either
  returns the debit that already landed (the payment completes) or
  guarantees no debit with that key can ever land (the payment fails or is
  cancelled). Cancel goes through the same fence, so a debit can never
  arrive after a cancel.

STATE MACHINE:
  Pending -> Completed | Failed | Cancelled; terminal states are final.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/wallet"
)

// Ledger is the part of the Wallet Ledger settlement depends on.
type Ledger interface {
	Debit(ctx context.Context, req wallet.DebitRequest) (wallet.Transaction, error)
	CanMakePayment(ctx context.Context, owner benefit.PrincipalID, category benefit.Category, amount benefit.Amount) (bool, error)
	FenceOperation(ctx context.Context, owner benefit.PrincipalID, key string) (*wallet.Transaction, error)
}

type Config struct {
	// DebitTimeout bounds the ledger call of a payment.
	DebitTimeout time.Duration
}

type Service struct {
	store  Store
	ledger Ledger
	config Config
	locks  *benefit.KeyedLocker
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, ledger Ledger, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: ledger,
		config: cfg,
		locks:  benefit.NewKeyedLocker(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// ESTABLISHMENTS
// =============================================================================

// RegisterEstablishment creates the caller's profile. A principal can
// register once.
func (s *Service) RegisterEstablishment(ctx context.Context, caller benefit.Profile, reg Registration) (Establishment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Establishment{}, err
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return Establishment{}, &benefit.ValidationError{Field: "name", Reason: "is required"}
	}
	categories, err := acceptedCategories(reg.AcceptedCategories)
	if err != nil {
		return Establishment{}, err
	}
	walletPrincipal := reg.WalletPrincipal
	if walletPrincipal == "" {
		walletPrincipal = caller.ID
	}
	if err := walletPrincipal.Validate("wallet_principal"); err != nil {
		return Establishment{}, err
	}

	now := s.now()
	e := Establishment{
		ID:                 caller.ID,
		Name:               name,
		Country:            strings.TrimSpace(reg.Country),
		BusinessCode:       strings.TrimSpace(reg.BusinessCode),
		WalletPrincipal:    walletPrincipal,
		AcceptedCategories: categories,
		IsActive:           true,
		RegisteredAt:       now,
		UpdatedAt:          now,
	}
	if err := s.store.InsertEstablishment(ctx, e); err != nil {
		if errors.Is(err, ErrEstablishmentExists) {
			return Establishment{}, &benefit.StateError{Resource: "establishment", ID: string(caller.ID), From: "registered", To: "registered"}
		}
		return Establishment{}, fmt.Errorf("insert establishment: %w", err)
	}

	s.logger.Info("establishment registered",
		zap.String("establishment_id", string(e.ID)),
		zap.Int("categories", len(categories)))
	return e, nil
}

func acceptedCategories(in []benefit.Category) ([]benefit.Category, error) {
	out, err := benefit.NormalizeCategories(in)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &benefit.ValidationError{Field: "accepted_categories", Reason: "at least one category is required"}
	}
	return out, nil
}

// UpdateEstablishment applies a partial update to the caller's profile.
func (s *Service) UpdateEstablishment(ctx context.Context, caller benefit.Profile, upd Update) (Establishment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Establishment{}, err
	}
	unlock, err := s.locks.Lock(ctx, "establishment:"+string(caller.ID))
	if err != nil {
		return Establishment{}, err
	}
	defer unlock()

	e, err := s.GetEstablishment(ctx, caller.ID)
	if err != nil {
		return Establishment{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Establishment{}, &benefit.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		e.Name = name
	}
	if upd.AcceptedCategories != nil {
		categories, err := acceptedCategories(upd.AcceptedCategories)
		if err != nil {
			return Establishment{}, err
		}
		e.AcceptedCategories = categories
	}
	if upd.WalletPrincipal != nil {
		if err := upd.WalletPrincipal.Validate("wallet_principal"); err != nil {
			return Establishment{}, err
		}
		e.WalletPrincipal = *upd.WalletPrincipal
	}
	if upd.IsActive != nil {
		e.IsActive = *upd.IsActive
	}
	e.UpdatedAt = s.now()

	if err := s.store.SaveEstablishment(ctx, e); err != nil {
		return Establishment{}, fmt.Errorf("save establishment: %w", err)
	}
	return e, nil
}

func (s *Service) GetEstablishment(ctx context.Context, id benefit.PrincipalID) (Establishment, error) {
	e, err := s.store.GetEstablishment(ctx, id)
	if err != nil {
		return Establishment{}, fmt.Errorf("get establishment: %w", err)
	}
	if e == nil {
		return Establishment{}, &benefit.NotFoundError{Resource: "establishment", ID: string(id)}
	}
	return *e, nil
}

func (s *Service) ActiveEstablishments(ctx context.Context) ([]Establishment, error) {
	out, err := s.store.ListEstablishments(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list establishments: %w", err)
	}
	if out == nil {
		out = []Establishment{}
	}
	return out, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidatePayment is advisory and answers for the calling establishment only.
// A caller that is not an establishment, or an unknown establishment, is an
// error; every other problem is reported in the result.
func (s *Service) ValidatePayment(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, category benefit.Category, amount benefit.Amount) (Validation, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Validation{}, err
	}
	e, err := s.GetEstablishment(ctx, caller.ID)
	if err != nil {
		return Validation{}, err
	}
	v := Validation{EstablishmentName: e.Name, Amount: amount, Category: category}

	parsed, err := benefit.ParseCategory(string(category))
	if err != nil {
		v.Reason = err.Error()
		return v, nil
	}
	v.Category = parsed

	if reason := s.rejectReason(e, parsed, amount); reason != "" {
		v.Reason = reason
		return v, nil
	}
	if err := worker.Validate("worker_id"); err != nil {
		v.Reason = err.Error()
		return v, nil
	}

	ok, err := s.ledger.CanMakePayment(ctx, worker, parsed, amount)
	if err != nil {
		return Validation{}, fmt.Errorf("check balance: %w", err)
	}
	if !ok {
		v.Reason = "insufficient balance"
		return v, nil
	}
	v.IsValid = true
	return v, nil
}

func (s *Service) rejectReason(e Establishment, category benefit.Category, amount benefit.Amount) string {
	switch {
	case !e.IsActive:
		return "establishment is inactive"
	case !e.Accepts(category):
		return fmt.Sprintf("establishment does not accept %s", category)
	case !amount.IsPositive():
		return "amount must be greater than zero"
	}
	return ""
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ProcessPayment charges the worker's wallet on behalf of the calling
// establishment. When the ledger reply is lost the payment is returned
// Pending with an UnknownOutcomeError.
func (s *Service) ProcessPayment(ctx context.Context, caller benefit.Profile, req PaymentRequest) (Payment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Payment{}, err
	}
	if err := req.WorkerID.Validate("worker_id"); err != nil {
		return Payment{}, err
	}
	category, err := benefit.ParseCategory(string(req.Category))
	if err != nil {
		return Payment{}, err
	}
	if err := benefit.RequirePositive("amount", req.Amount); err != nil {
		return Payment{}, err
	}
	e, err := s.GetEstablishment(ctx, caller.ID)
	if err != nil {
		return Payment{}, err
	}
	if reason := s.rejectReason(e, category, req.Amount); reason != "" {
		return Payment{}, &benefit.ValidationError{Field: "payment", Reason: reason}
	}

	p := Payment{
		ID:              uuid.NewString(),
		WorkerID:        req.WorkerID,
		EstablishmentID: caller.ID,
		Category:        category,
		Amount:          req.Amount,
		Description:     strings.TrimSpace(req.Description),
		Status:          StatusPending,
		CreatedAt:       s.now(),
	}

	unlock, err := s.locks.Lock(ctx, "payment:"+p.ID)
	if err != nil {
		return Payment{}, err
	}
	defer unlock()

	if err := s.store.InsertPayment(ctx, p); err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}

	log := s.logger.With(
		zap.String("payment_id", p.ID),
		zap.String("establishment_id", string(p.EstablishmentID)),
		zap.String("worker_id", string(p.WorkerID)))

	// No CanMakePayment pre-check here: the debit checks the balance inside
	// the wallet transaction and its refusal is recorded as a Failed payment.
	callCtx, cancel := s.debitContext(ctx)
	key := p.LedgerKey()
	tx, debitErr := s.ledger.Debit(callCtx, wallet.DebitRequest{
		OwnerID:        p.WorkerID,
		Category:       p.Category,
		Amount:         p.Amount,
		CounterpartyID: p.EstablishmentID,
		Description:    p.Description,
		IdempotencyKey: &key,
	})
	cancel()

	// The caller may have gone; the outcome is still recorded.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case debitErr == nil || benefit.IsDuplicate(debitErr):
		p, err = s.complete(persistCtx, p, tx.ID)
		if err != nil {
			return p, err
		}
		log.Info("payment completed", zap.Stringer("amount", p.Amount))
		return p, nil

	case benefit.IsOutcomeUnknown(debitErr):
		log.Warn("payment outcome unknown, left pending", zap.Error(debitErr))
		return p, &benefit.UnknownOutcomeError{Operation: "debit", Key: key, Err: debitErr}

	default:
		p, err = s.fail(persistCtx, p, debitErr.Error())
		if err != nil {
			return p, err
		}
		log.Info("payment failed", zap.Error(debitErr))
		return p, debitErr
	}
}

func (s *Service) debitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.DebitTimeout > 0 {
		return context.WithTimeout(ctx, s.config.DebitTimeout)
	}
	return context.WithCancel(ctx)
}

// ProcessIntent pays a scanned payment-intent token. The token names the
// establishment only for display; it must match the caller and is never
// used in its place.
func (s *Service) ProcessIntent(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, token []byte) (Payment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Payment{}, err
	}
	intent, err := benefit.ParseIntent(token)
	if err != nil {
		return Payment{}, err
	}
	if intent.EstablishmentID != caller.ID {
		return Payment{}, &benefit.AuthorizationError{
			Caller: caller.ID,
			Reason: fmt.Sprintf("payment intent is addressed to %s", intent.EstablishmentID),
		}
	}
	return s.ProcessPayment(ctx, caller, PaymentRequest{
		WorkerID:    worker,
		Category:    intent.Category,
		Amount:      intent.Amount,
		Description: intent.Description,
	})
}

// =============================================================================
// PENDING RESOLUTION AND CANCELLATION
// =============================================================================

// ResolvePending settles one of the caller's Pending payments.
func (s *Service) ResolvePending(ctx context.Context, caller benefit.Profile, id string) (Payment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Payment{}, err
	}
	unlock, err := s.locks.Lock(ctx, "payment:"+id)
	if err != nil {
		return Payment{}, err
	}
	defer unlock()

	p, err := s.ownedPayment(ctx, caller, id)
	if err != nil {
		return Payment{}, err
	}
	return s.resolve(ctx, p)
}

// ResolveStalePending settles every payment left Pending for longer than
// age. It returns how many were settled.
func (s *Service) ResolveStalePending(ctx context.Context, age time.Duration) (int, error) {
	status := StatusPending
	cutoff := s.now().Add(-age)
	pending, err := s.store.ListPayments(ctx, PaymentFilter{Status: &status, CreatedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}

	var (
		resolved int
		errs     []error
	)
	for _, p := range pending {
		unlock, err := s.locks.Lock(ctx, "payment:"+p.ID)
		if err != nil {
			return resolved, err
		}
		current, err := s.store.GetPayment(ctx, p.ID)
		if err == nil && current != nil {
			_, err = s.resolve(ctx, *current)
		}
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

func (s *Service) resolve(ctx context.Context, p Payment) (Payment, error) {
	if p.Status != StatusPending {
		return p, nil
	}
	tx, err := s.ledger.FenceOperation(ctx, p.WorkerID, p.LedgerKey())
	if err != nil {
		return p, fmt.Errorf("fence payment debit: %w", err)
	}
	if tx != nil {
		s.logger.Info("pending payment resolved as completed", zap.String("payment_id", p.ID))
		return s.complete(ctx, p, tx.ID)
	}
	s.logger.Info("pending payment resolved as failed", zap.String("payment_id", p.ID))
	return s.fail(ctx, p, "debit was never applied")
}

// CancelTransaction cancels a Pending payment. If the debit already landed
// the payment is completed instead and a StateError is returned.
func (s *Service) CancelTransaction(ctx context.Context, caller benefit.Profile, id string) (Payment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Payment{}, err
	}
	unlock, err := s.locks.Lock(ctx, "payment:"+id)
	if err != nil {
		return Payment{}, err
	}
	defer unlock()

	p, err := s.ownedPayment(ctx, caller, id)
	if err != nil {
		return Payment{}, err
	}
	if !p.Status.CanTransition(StatusCancelled) {
		return p, &benefit.StateError{Resource: "payment", ID: id, From: string(p.Status), To: string(StatusCancelled)}
	}

	tx, err := s.ledger.FenceOperation(ctx, p.WorkerID, p.LedgerKey())
	if err != nil {
		return p, fmt.Errorf("fence payment debit: %w", err)
	}
	if tx != nil {
		p, err = s.complete(ctx, p, tx.ID)
		if err != nil {
			return p, err
		}
		return p, &benefit.StateError{Resource: "payment", ID: id, From: string(StatusCompleted), To: string(StatusCancelled)}
	}

	now := s.now()
	p.Status = StatusCancelled
	p.ProcessedAt = &now
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return p, s.transitionError(ctx, p, StatusCancelled, err)
	}
	s.logger.Info("payment cancelled", zap.String("payment_id", id))
	return p, nil
}

func (s *Service) ownedPayment(ctx context.Context, caller benefit.Profile, id string) (Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	if p == nil || p.EstablishmentID != caller.ID {
		return Payment{}, &benefit.NotFoundError{Resource: "payment", ID: id}
	}
	return *p, nil
}

func (s *Service) complete(ctx context.Context, p Payment, txID wallet.TransactionID) (Payment, error) {
	now := s.now()
	p.Status = StatusCompleted
	p.ProcessedAt = &now
	p.FailureReason = ""
	if txID != "" {
		p.LedgerTxID = benefit.Ptr(string(txID))
	}
	if err := s.store.CompletePayment(ctx, p); err != nil {
		return p, s.transitionError(ctx, p, StatusCompleted, err)
	}
	return p, nil
}

func (s *Service) fail(ctx context.Context, p Payment, reason string) (Payment, error) {
	now := s.now()
	p.Status = StatusFailed
	p.ProcessedAt = &now
	p.FailureReason = reason
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return p, s.transitionError(ctx, p, StatusFailed, err)
	}
	return p, nil
}

func (s *Service) transitionError(ctx context.Context, p Payment, to PaymentStatus, err error) error {
	if !errors.Is(err, ErrNotPending) {
		return fmt.Errorf("update payment: %w", err)
	}
	from := "unknown"
	if current, getErr := s.store.GetPayment(ctx, p.ID); getErr == nil && current != nil {
		from = string(current.Status)
	}
	return &benefit.StateError{Resource: "payment", ID: p.ID, From: from, To: string(to)}
}

// =============================================================================
// HISTORY
// =============================================================================

// TransactionHistory returns the caller's payments, newest first.
func (s *Service) TransactionHistory(ctx context.Context, caller benefit.Profile, limit *int) ([]Payment, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return nil, err
	}
	f := PaymentFilter{EstablishmentID: &caller.ID}
	if limit != nil {
		if *limit < 0 {
			return nil, &benefit.ValidationError{Field: "limit", Reason: "must not be negative"}
		}
		if *limit == 0 {
			return []Payment{}, nil
		}
		f.Limit = *limit
	}
	out, err := s.store.ListPayments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if out == nil {
		out = []Payment{}
	}
	return out, nil
}

// Payments returns every payment of an establishment, newest first.
func (s *Service) Payments(ctx context.Context, establishmentID benefit.PrincipalID) ([]Payment, error) {
	return s.store.ListPayments(ctx, PaymentFilter{EstablishmentID: &establishmentID})
}
