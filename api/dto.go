/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract of the public API and keeps it apart from the
  domain types. Ledger wire bodies live in walletclient so that the client
  and the server share one definition.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts are fixed point with four decimals. Responses encode them as
  strings ("25.5000"); requests accept a string or a JSON number.

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers; enum fields (category, frequency) reject unknown values while
  decoding.

SEE ALSO:
  - handlers.go: Uses these types
  - walletclient/wire.go: Ledger bodies
*/
package api

import (
	"time"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/reporting"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/walletclient"
)

// =============================================================================
// PROGRAMS
// =============================================================================

type CreateProgramRequest struct {
	Name            string            `json:"name"`
	CompanyID       benefit.CompanyID `json:"company_id"`
	Category        benefit.Category  `json:"category"`
	AmountPerWorker benefit.Amount    `json:"amount_per_worker"`
	Frequency       program.Frequency `json:"frequency"`
	PaymentDay      int               `json:"payment_day"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type AssignWorkerRequest struct {
	WorkerID     benefit.PrincipalID `json:"worker_id"`
	CustomAmount *benefit.Amount     `json:"custom_amount,omitempty"`
}

type UpdateAssignmentRequest struct {
	Amount benefit.Amount `json:"amount"`
}

type TriggerDisbursementRequest struct {
	Period string `json:"period,omitempty"`
}

type DepositRequest struct {
	Amount benefit.Amount `json:"amount"`
}

type ProgramDTO struct {
	ID              benefit.ProgramID   `json:"id"`
	Name            string              `json:"name"`
	CompanyID       benefit.CompanyID   `json:"company_id"`
	Category        benefit.Category    `json:"category"`
	AmountPerWorker benefit.Amount      `json:"amount_per_worker"`
	Frequency       program.Frequency   `json:"frequency"`
	PaymentDay      int                 `json:"payment_day"`
	CreatedBy       benefit.PrincipalID `json:"created_by"`
	IsActive        bool                `json:"is_active"`
	CreatedAt       time.Time           `json:"created_at"`
}

func toProgramDTO(p program.Program) ProgramDTO {
	return ProgramDTO{
		ID:              p.ID,
		Name:            p.Name,
		CompanyID:       p.CompanyID,
		Category:        p.Category,
		AmountPerWorker: p.AmountPerWorker,
		Frequency:       p.Frequency,
		PaymentDay:      p.PaymentDay,
		CreatedBy:       p.CreatedBy,
		IsActive:        p.IsActive,
		CreatedAt:       p.CreatedAt,
	}
}

type AssignmentDTO struct {
	WorkerID     benefit.PrincipalID `json:"worker_id"`
	ProgramID    benefit.ProgramID   `json:"program_id"`
	CustomAmount *benefit.Amount     `json:"custom_amount,omitempty"`
	IsActive     bool                `json:"is_active"`
	AssignedBy   benefit.PrincipalID `json:"assigned_by"`
	AssignedAt   time.Time           `json:"assigned_at"`
}

func toAssignmentDTO(a program.Assignment) AssignmentDTO {
	return AssignmentDTO{
		WorkerID:     a.WorkerID,
		ProgramID:    a.ProgramID,
		CustomAmount: a.CustomAmount,
		IsActive:     a.IsActive,
		AssignedBy:   a.AssignedBy,
		AssignedAt:   a.AssignedAt,
	}
}

type PoolDTO struct {
	CompanyID benefit.CompanyID `json:"company_id"`
	Available benefit.Amount    `json:"available"`
	Deposited benefit.Amount    `json:"deposited"`
	Disbursed benefit.Amount    `json:"disbursed"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toPoolDTO(p program.Pool) PoolDTO {
	return PoolDTO{
		CompanyID: p.CompanyID,
		Available: p.Available,
		Deposited: p.Deposited,
		Disbursed: p.Disbursed,
		UpdatedAt: p.UpdatedAt,
	}
}

type RunItemDTO struct {
	WorkerID      benefit.PrincipalID `json:"worker_id"`
	Amount        benefit.Amount      `json:"amount"`
	Status        program.ItemStatus  `json:"status"`
	TransactionID *string             `json:"transaction_id,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	Attempts      int                 `json:"attempts"`
}

type RunDTO struct {
	ID          string               `json:"id"`
	ProgramID   benefit.ProgramID    `json:"program_id"`
	Period      string               `json:"period"`
	Category    benefit.Category     `json:"category"`
	Total       benefit.Amount       `json:"total"`
	Status      program.RunStatus    `json:"status"`
	Trigger     program.TriggerKind  `json:"trigger"`
	TriggeredBy *benefit.PrincipalID `json:"triggered_by,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	Items       []RunItemDTO         `json:"items"`
}

func toRunDTO(r program.Run) RunDTO {
	items := make([]RunItemDTO, len(r.Items))
	for i, it := range r.Items {
		items[i] = RunItemDTO{
			WorkerID:      it.WorkerID,
			Amount:        it.Amount,
			Status:        it.Status,
			TransactionID: it.TransactionID,
			LastError:     it.LastError,
			Attempts:      it.Attempts,
		}
	}
	return RunDTO{
		ID:          r.ID,
		ProgramID:   r.ProgramID,
		Period:      r.Period,
		Category:    r.Category,
		Total:       r.Total,
		Status:      r.Status,
		Trigger:     r.Trigger,
		TriggeredBy: r.TriggeredBy,
		CreatedAt:   r.CreatedAt,
		Items:       items,
	}
}

// DisbursementDTO is the outcome of one trigger.
type DisbursementDTO struct {
	Run              RunDTO                `json:"run"`
	Credited         []benefit.PrincipalID `json:"credited"`
	AlreadyConfirmed []benefit.PrincipalID `json:"already_confirmed"`
	Unresolved       []benefit.PrincipalID `json:"unresolved"`
	Failed           []benefit.PrincipalID `json:"failed"`
	Rejected         []benefit.PrincipalID `json:"rejected"`
}

func toDisbursementDTO(r program.Result) DisbursementDTO {
	return DisbursementDTO{
		Run:              toRunDTO(r.Run),
		Credited:         nonNilIDs(r.Credited),
		AlreadyConfirmed: nonNilIDs(r.AlreadyConfirmed),
		Unresolved:       nonNilIDs(r.Unresolved),
		Failed:           nonNilIDs(r.Failed),
		Rejected:         nonNilIDs(r.Rejected),
	}
}

func nonNilIDs(ids []benefit.PrincipalID) []benefit.PrincipalID {
	if ids == nil {
		return []benefit.PrincipalID{}
	}
	return ids
}

// =============================================================================
// ESTABLISHMENTS AND PAYMENTS
// =============================================================================

type RegisterEstablishmentRequest struct {
	Name               string              `json:"name"`
	Country            string              `json:"country"`
	BusinessCode       string              `json:"business_code"`
	WalletPrincipal    benefit.PrincipalID `json:"wallet_principal"`
	AcceptedCategories []benefit.Category  `json:"accepted_categories"`
}

type UpdateEstablishmentRequest struct {
	Name               *string              `json:"name,omitempty"`
	AcceptedCategories []benefit.Category   `json:"accepted_categories,omitempty"`
	WalletPrincipal    *benefit.PrincipalID `json:"wallet_principal,omitempty"`
	IsActive           *bool                `json:"is_active,omitempty"`
}

type PaymentRequest struct {
	WorkerID    benefit.PrincipalID `json:"worker_id"`
	Category    benefit.Category    `json:"category"`
	Amount      benefit.Amount      `json:"amount"`
	Description string              `json:"description,omitempty"`
}

// IntentRequest carries a scanned payment intent. Token is the raw JSON
// payload the worker's app encoded.
type IntentRequest struct {
	WorkerID benefit.PrincipalID `json:"worker_id"`
	Token    string              `json:"token"`
}

type EstablishmentDTO struct {
	ID                 benefit.PrincipalID `json:"id"`
	Name               string              `json:"name"`
	Country            string              `json:"country"`
	BusinessCode       string              `json:"business_code"`
	WalletPrincipal    benefit.PrincipalID `json:"wallet_principal"`
	AcceptedCategories []benefit.Category  `json:"accepted_categories"`
	TotalReceived      benefit.Amount      `json:"total_received"`
	TotalTransactions  int64               `json:"total_transactions"`
	IsActive           bool                `json:"is_active"`
	RegisteredAt       time.Time           `json:"registered_at"`
}

func toEstablishmentDTO(e settlement.Establishment) EstablishmentDTO {
	return EstablishmentDTO{
		ID:                 e.ID,
		Name:               e.Name,
		Country:            e.Country,
		BusinessCode:       e.BusinessCode,
		WalletPrincipal:    e.WalletPrincipal,
		AcceptedCategories: e.AcceptedCategories,
		TotalReceived:      e.TotalReceived,
		TotalTransactions:  e.TotalTransactions,
		IsActive:           e.IsActive,
		RegisteredAt:       e.RegisteredAt,
	}
}

type PaymentDTO struct {
	ID              string                   `json:"id"`
	WorkerID        benefit.PrincipalID      `json:"worker_id"`
	EstablishmentID benefit.PrincipalID      `json:"establishment_id"`
	Category        benefit.Category         `json:"category"`
	Amount          benefit.Amount           `json:"amount"`
	Description     string                   `json:"description,omitempty"`
	Status          settlement.PaymentStatus `json:"status"`
	LedgerTxID      *string                  `json:"ledger_tx_id,omitempty"`
	FailureReason   string                   `json:"failure_reason,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	ProcessedAt     *time.Time               `json:"processed_at,omitempty"`
}

func toPaymentDTO(p settlement.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              p.ID,
		WorkerID:        p.WorkerID,
		EstablishmentID: p.EstablishmentID,
		Category:        p.Category,
		Amount:          p.Amount,
		Description:     p.Description,
		Status:          p.Status,
		LedgerTxID:      p.LedgerTxID,
		FailureReason:   p.FailureReason,
		CreatedAt:       p.CreatedAt,
		ProcessedAt:     p.ProcessedAt,
	}
}

type ValidationDTO struct {
	IsValid           bool             `json:"is_valid"`
	Reason            string           `json:"reason,omitempty"`
	EstablishmentName string           `json:"establishment_name"`
	Amount            benefit.Amount   `json:"amount"`
	Category          benefit.Category `json:"category"`
}

// =============================================================================
// REPORTS
// =============================================================================

type MismatchDTO struct {
	PaymentID     string         `json:"payment_id"`
	TransactionID string         `json:"transaction_id"`
	Mirror        benefit.Amount `json:"mirror"`
	Ledger        benefit.Amount `json:"ledger"`
}

type ReconciliationDTO struct {
	EstablishmentID     benefit.PrincipalID            `json:"establishment_id"`
	Matched             int                            `json:"matched"`
	MissingFromMirror   []walletclient.TransactionBody `json:"missing_from_mirror"`
	MirrorWithoutLedger []PaymentDTO                   `json:"mirror_without_ledger"`
	AmountMismatches    []MismatchDTO                  `json:"amount_mismatches"`
	AwaitingResolution  []PaymentDTO                   `json:"awaiting_resolution"`
	LedgerTotal         benefit.Amount                 `json:"ledger_total"`
	TotalReceived       benefit.Amount                 `json:"total_received"`
	Balanced            bool                           `json:"balanced"`
}

func toReconciliationDTO(r reporting.Reconciliation) ReconciliationDTO {
	mismatches := make([]MismatchDTO, len(r.AmountMismatches))
	for i, m := range r.AmountMismatches {
		mismatches[i] = MismatchDTO{PaymentID: m.PaymentID, TransactionID: string(m.TransactionID), Mirror: m.Mirror, Ledger: m.Ledger}
	}
	return ReconciliationDTO{
		EstablishmentID:     r.EstablishmentID,
		Matched:             r.Matched,
		MissingFromMirror:   walletclient.FromTransactions(r.MissingFromMirror),
		MirrorWithoutLedger: toPaymentDTOs(r.MirrorWithoutLedger),
		AmountMismatches:    mismatches,
		AwaitingResolution:  toPaymentDTOs(r.AwaitingResolution),
		LedgerTotal:         r.LedgerTotal,
		TotalReceived:       r.TotalReceived,
		Balanced:            r.Balanced,
	}
}

type CategoryLineDTO struct {
	Category benefit.Category `json:"category"`
	Balance  benefit.Amount   `json:"balance"`
	Credited benefit.Amount   `json:"credited"`
	Debited  benefit.Amount   `json:"debited"`
}

type StatementDTO struct {
	Wallet       walletclient.WalletBody        `json:"wallet"`
	Transactions []walletclient.TransactionBody `json:"transactions"`
	Credited     benefit.Amount                 `json:"credited"`
	Debited      benefit.Amount                 `json:"debited"`
	Categories   []CategoryLineDTO              `json:"categories"`
}

func toStatementDTO(s reporting.Statement) StatementDTO {
	lines := make([]CategoryLineDTO, len(s.Categories))
	for i, l := range s.Categories {
		lines[i] = CategoryLineDTO(l)
	}
	return StatementDTO{
		Wallet:       walletclient.FromWallet(s.Wallet),
		Transactions: walletclient.FromTransactions(s.Transactions),
		Credited:     s.Credited,
		Debited:      s.Debited,
		Categories:   lines,
	}
}

func toPaymentDTOs(ps []settlement.Payment) []PaymentDTO {
	out := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		out[i] = toPaymentDTO(p)
	}
	return out
}
