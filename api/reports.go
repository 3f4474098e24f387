package api

import (
	"net/http"

	"github.com/warp/benefits-engine/benefit"
)

// GET /api/reports/establishments/{id}/reconciliation
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.ReconcileEstablishment(r.Context(), h.caller(r), benefit.PrincipalID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rep))
}

// GET /api/reports/workers/{id}/statement?limit=
func (h *Handler) WorkerStatement(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Reports.WorkerStatement(r.Context(), h.caller(r), benefit.PrincipalID(param(r, "id")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}
