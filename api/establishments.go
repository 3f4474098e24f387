package api

import (
	"net/http"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/walletclient"
)

// =============================================================================
// ESTABLISHMENT HANDLERS
// =============================================================================

// POST /api/establishments
func (h *Handler) RegisterEstablishment(w http.ResponseWriter, r *http.Request) {
	var req RegisterEstablishmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.Settlement.RegisterEstablishment(r.Context(), h.caller(r), settlement.Registration{
		Name:               req.Name,
		Country:            req.Country,
		BusinessCode:       req.BusinessCode,
		WalletPrincipal:    req.WalletPrincipal,
		AcceptedCategories: req.AcceptedCategories,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEstablishmentDTO(e))
}

// GET /api/establishments
func (h *Handler) ListEstablishments(w http.ResponseWriter, r *http.Request) {
	es, err := h.Settlement.ActiveEstablishments(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]EstablishmentDTO, len(es))
	for i, e := range es {
		out[i] = toEstablishmentDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/establishments/me
func (h *Handler) GetOwnEstablishment(w http.ResponseWriter, r *http.Request) {
	caller := h.caller(r)
	if err := benefit.RequireEstablishment(caller); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.Settlement.GetEstablishment(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEstablishmentDTO(e))
}

// PATCH /api/establishments/me
func (h *Handler) UpdateEstablishment(w http.ResponseWriter, r *http.Request) {
	var req UpdateEstablishmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.Settlement.UpdateEstablishment(r.Context(), h.caller(r), settlement.Update{
		Name:               req.Name,
		AcceptedCategories: req.AcceptedCategories,
		WalletPrincipal:    req.WalletPrincipal,
		IsActive:           req.IsActive,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEstablishmentDTO(e))
}

// ValidatePayment answers whether a payment would be accepted. A refusal is
// a 200 with is_valid=false and a reason. Only the establishment itself may
// ask.
// GET /api/establishments/me/validate?worker_id=&category=&amount=
func (h *Handler) ValidatePayment(w http.ResponseWriter, r *http.Request) {
	category, amount, err := categoryAmount(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	worker := benefit.PrincipalID(r.URL.Query().Get("worker_id"))
	v, err := h.Settlement.ValidatePayment(r.Context(), h.caller(r), worker, category, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidationDTO{
		IsValid:           v.IsValid,
		Reason:            v.Reason,
		EstablishmentName: v.EstablishmentName,
		Amount:            v.Amount,
		Category:          v.Category,
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// POST /api/establishments/me/payments
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Settlement.ProcessPayment(r.Context(), h.caller(r), settlement.PaymentRequest{
		WorkerID:    req.WorkerID,
		Category:    req.Category,
		Amount:      req.Amount,
		Description: req.Description,
	})
	h.writePayment(w, r, http.StatusCreated, p, err)
}

// POST /api/establishments/me/intents
func (h *Handler) ProcessIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Settlement.ProcessIntent(r.Context(), h.caller(r), req.WorkerID, []byte(req.Token))
	h.writePayment(w, r, http.StatusCreated, p, err)
}

// GET /api/establishments/me/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ps, err := h.Settlement.TransactionHistory(r.Context(), h.caller(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(ps))
}

// POST /api/establishments/me/payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Settlement.CancelTransaction(r.Context(), h.caller(r), param(r, "id"))
	h.writePayment(w, r, http.StatusOK, p, err)
}

// POST /api/establishments/me/payments/{id}/resolve
func (h *Handler) ResolvePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Settlement.ResolvePending(r.Context(), h.caller(r), param(r, "id"))
	h.writePayment(w, r, http.StatusOK, p, err)
}

// PaymentErrorDTO is an error that still produced a payment record.
type PaymentErrorDTO struct {
	walletclient.ErrorBody
	Payment PaymentDTO `json:"payment"`
}

// writePayment reports a payment outcome. A payment whose debit outcome is
// unknown is accepted (202) and left Pending; other failures that still
// produced a record carry it next to the error.
func (h *Handler) writePayment(w http.ResponseWriter, r *http.Request, okStatus int, p settlement.Payment, err error) {
	switch {
	case err == nil:
		writeJSON(w, okStatus, toPaymentDTO(p))
	case p.ID == "":
		h.writeError(w, r, err)
	case benefit.IsOutcomeUnknown(err) && p.Status == settlement.StatusPending:
		writeJSON(w, http.StatusAccepted, toPaymentDTO(p))
	default:
		if benefit.KindOf(err) == benefit.KindInternal {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, statusOf(benefit.KindOf(err)), PaymentErrorDTO{ErrorBody: errorBody(err), Payment: toPaymentDTO(p)})
	}
}
