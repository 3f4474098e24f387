/*
handlers.go - HTTP API handlers for the benefits platform

PURPOSE:
  Exposes the wallet ledger, the program registry and the settlement
  service over REST. Handlers parse the request, call exactly one service
  operation and serialize the result; every business rule lives in the
  services.

ENDPOINTS:
  Wallets (caller's own):
    POST   /api/wallets                         Create caller's wallet
    GET    /api/wallets/{owner}                 Balances
    GET    /api/wallets/{owner}/transactions    History, ?limit=
    GET    /api/wallets/{owner}/can-pay         ?category=&amount=

  Ledger (service token, used by walletclient):
    POST   /api/ledger/credits, /api/ledger/debits
    GET    /api/ledger/operations/{key}, POST .../fence
    GET    /api/ledger/wallets/{owner}[/transactions|/can-pay]
    GET    /api/ledger/counterparties/{id}/transactions
    POST   /api/ledger/cleanup

  Programs, establishments and reports: see programs.go,
  establishments.go and reports.go.

ARCHITECTURE:
  Handler holds the services. Ledger is nil when the wallet ledger runs in
  another process; the wallet and ledger routes are then not mounted.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with the status of
  their kind:
  - 400: validation
  - 403: unauthorized
  - 404: not_found
  - 409: invalid_state
  - 422: insufficient_funds
  - 504: outcome_unknown
  - 500: internal (details are logged, not returned)
  A duplicate ledger operation is a success: 200 with the original entry.

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Caller resolution and rate limiting
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/reporting"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/wallet"
	"github.com/warp/benefits-engine/walletclient"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *wallet.Ledger
	Registry   *program.Registry
	Disburser  *program.Disburser
	Settlement *settlement.Service
	Reports    *reporting.Reporter
	Logger     *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// CreateWallet creates the calling worker's wallet. Repeating the call
// returns the existing wallet.
// POST /api/wallets
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	caller := h.caller(r)
	if !caller.HasRole(benefit.RoleWorker) {
		h.writeError(w, r, &benefit.AuthorizationError{Caller: caller.ID, Reason: "requires Worker role"})
		return
	}
	if err := benefit.RequireSelf(caller, caller.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	wal, err := h.Ledger.CreateWallet(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletclient.FromWallet(wal))
}

// GET /api/wallets/{owner}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner := benefit.PrincipalID(param(r, "owner"))
	if err := benefit.RequireSelf(h.caller(r), owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.LedgerWallet(w, r)
}

// GET /api/wallets/{owner}/transactions
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	owner := benefit.PrincipalID(param(r, "owner"))
	if err := benefit.RequireSelf(h.caller(r), owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.LedgerHistory(w, r)
}

// GET /api/wallets/{owner}/can-pay
func (h *Handler) CanPay(w http.ResponseWriter, r *http.Request) {
	owner := benefit.PrincipalID(param(r, "owner"))
	if err := benefit.RequireSelf(h.caller(r), owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.LedgerCanPay(w, r)
}

// =============================================================================
// LEDGER HANDLERS - service-to-service
// =============================================================================

// POST /api/ledger/credits
func (h *Handler) LedgerCredit(w http.ResponseWriter, r *http.Request) {
	var body walletclient.CreditBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Ledger.Credit(r.Context(), body.Request())
	h.writeApplied(w, r, tx, err)
}

// POST /api/ledger/debits
func (h *Handler) LedgerDebit(w http.ResponseWriter, r *http.Request) {
	var body walletclient.DebitBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Ledger.Debit(r.Context(), body.Request())
	h.writeApplied(w, r, tx, err)
}

func (h *Handler) writeApplied(w http.ResponseWriter, r *http.Request, tx wallet.Transaction, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, walletclient.FromTransaction(tx))
	case benefit.IsDuplicate(err):
		body := walletclient.FromTransaction(tx)
		writeJSON(w, http.StatusOK, walletclient.ErrorBody{
			Error:       "operation already applied",
			Code:        benefit.KindDuplicate,
			Details:     err.Error(),
			Transaction: &body,
		})
	default:
		h.writeError(w, r, err)
	}
}

// GET /api/ledger/operations/{key}
func (h *Handler) LookupOperation(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.LookupOperation(r.Context(), param(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, operationBody(tx))
}

// POST /api/ledger/operations/{key}/fence
func (h *Handler) FenceOperation(w http.ResponseWriter, r *http.Request) {
	var body walletclient.FenceBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Ledger.FenceOperation(r.Context(), body.OwnerID, param(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, operationBody(tx))
}

func operationBody(tx *wallet.Transaction) walletclient.OperationBody {
	if tx == nil {
		return walletclient.OperationBody{}
	}
	body := walletclient.FromTransaction(*tx)
	return walletclient.OperationBody{Transaction: &body}
}

// GET /api/ledger/wallets/{owner}
func (h *Handler) LedgerWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := h.Ledger.GetWallet(r.Context(), benefit.PrincipalID(param(r, "owner")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletclient.FromWallet(wal))
}

// GET /api/ledger/wallets/{owner}/transactions
func (h *Handler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.Ledger.GetTransactionHistory(r.Context(), benefit.PrincipalID(param(r, "owner")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletclient.FromTransactions(txs))
}

// GET /api/ledger/wallets/{owner}/can-pay
func (h *Handler) LedgerCanPay(w http.ResponseWriter, r *http.Request) {
	category, amount, err := categoryAmount(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ok, err := h.Ledger.CanMakePayment(r.Context(), benefit.PrincipalID(param(r, "owner")), category, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletclient.CanPayBody{CanPay: ok})
}

// GET /api/ledger/counterparties/{id}/transactions
func (h *Handler) CounterpartyTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.Ledger.TransactionsByCounterparty(r.Context(), benefit.PrincipalID(param(r, "id")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletclient.FromTransactions(txs))
}

// POST /api/ledger/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var body walletclient.CleanupBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	policy := wallet.RetentionPolicy{MaxPerWallet: body.MaxPerWallet}
	if body.MaxAgeSeconds != nil {
		policy.MaxAge = benefit.Ptr(time.Duration(*body.MaxAgeSeconds) * time.Second)
	}
	removed, err := h.Ledger.CleanupOldTransactions(r.Context(), policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletclient.CleanupResult{Removed: removed})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

var kindStatus = map[benefit.Kind]int{
	benefit.KindValidation:        http.StatusBadRequest,
	benefit.KindUnauthorized:      http.StatusForbidden,
	benefit.KindNotFound:          http.StatusNotFound,
	benefit.KindInsufficientFunds: http.StatusUnprocessableEntity,
	benefit.KindInvalidState:      http.StatusConflict,
	benefit.KindDuplicate:         http.StatusOK,
	benefit.KindOutcomeUnknown:    http.StatusGatewayTimeout,
	benefit.KindInternal:          http.StatusInternalServerError,
}

func statusOf(kind benefit.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// errorBody renders err for clients. Internal details stay in the logs.
func errorBody(err error) walletclient.ErrorBody {
	kind := benefit.KindOf(err)
	if kind == benefit.KindInternal {
		return walletclient.ErrorBody{Error: "internal error", Code: kind}
	}
	return walletclient.ErrorBody{Error: string(kind), Code: kind, Details: err.Error()}
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(benefit.KindOf(err)), errorBody(err))
}

func writeStatus(w http.ResponseWriter, status int, kind benefit.Kind, message string) {
	writeJSON(w, status, walletclient.ErrorBody{Error: message, Code: kind})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case benefit.KindOf(err) == benefit.KindInternal:
		h.logger().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	case !benefit.IsClientError(err) && !benefit.IsDuplicate(err):
		h.logger().Warn("request outcome unknown",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeErr(w, err)
}

// caller is set by RequirePrincipal on every caller-facing route.
func (h *Handler) caller(r *http.Request) benefit.Profile {
	p, _ := callerFrom(r.Context())
	return p
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &benefit.ValidationError{Field: "body", Reason: "must not be empty"}
		}
		var ve *benefit.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return &benefit.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for bodies that may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, v)
	var ve *benefit.ValidationError
	if errors.As(err, &ve) && ve.Field == "body" && ve.Reason == "must not be empty" {
		return nil
	}
	return err
}

// param returns an unescaped URL parameter. Idempotency keys contain ':'
// and may arrive either escaped or not.
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func limitParam(r *http.Request) (*int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, &benefit.ValidationError{Field: "limit", Reason: "must be an integer"}
	}
	return &n, nil
}

func categoryAmount(r *http.Request) (benefit.Category, benefit.Amount, error) {
	q := r.URL.Query()
	category, err := benefit.ParseCategory(q.Get("category"))
	if err != nil {
		return "", 0, err
	}
	amount, err := benefit.ParseAmount(q.Get("amount"))
	if err != nil {
		return "", 0, err
	}
	return category, amount, nil
}
