package api

import (
	"net/http"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
)

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// POST /api/programs
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var req CreateProgramRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Registry.CreateProgram(r.Context(), h.caller(r), program.NewProgram{
		Name:            req.Name,
		CompanyID:       req.CompanyID,
		Category:        req.Category,
		AmountPerWorker: req.AmountPerWorker,
		Frequency:       req.Frequency,
		PaymentDay:      req.PaymentDay,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProgramDTO(p))
}

// ListPrograms lists a company's programs.
// GET /api/programs?company_id=
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	company := benefit.CompanyID(r.URL.Query().Get("company_id"))
	if company == "" {
		h.writeError(w, r, &benefit.ValidationError{Field: "company_id", Reason: "is required"})
		return
	}
	programs, err := h.Registry.CompanyPrograms(r.Context(), company)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ProgramDTO, len(programs))
	for i, p := range programs {
		out[i] = toProgramDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/programs/{id}
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	p, err := h.Registry.GetProgram(r.Context(), benefit.ProgramID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(p))
}

// PUT /api/programs/{id}/active
func (h *Handler) SetProgramActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Registry.SetProgramActive(r.Context(), h.caller(r), benefit.ProgramID(param(r, "id")), req.Active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(p))
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

// AssignWorker adds a worker to a program, or reactivates the assignment.
// POST /api/programs/{id}/assignments
func (h *Handler) AssignWorker(w http.ResponseWriter, r *http.Request) {
	var req AssignWorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Registry.AssignWorker(r.Context(), h.caller(r), req.WorkerID, benefit.ProgramID(param(r, "id")), req.CustomAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTO(a))
}

// GET /api/programs/{id}/assignments
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.Registry.ProgramAssignments(r.Context(), h.caller(r), benefit.ProgramID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(as))
}

// PUT /api/programs/{id}/assignments/{worker}
func (h *Handler) UpdateAssignment(w http.ResponseWriter, r *http.Request) {
	var req UpdateAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Registry.UpdateAssignmentAmount(r.Context(), h.caller(r),
		benefit.PrincipalID(param(r, "worker")), benefit.ProgramID(param(r, "id")), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// DELETE /api/programs/{id}/assignments/{worker}
func (h *Handler) RemoveWorker(w http.ResponseWriter, r *http.Request) {
	a, err := h.Registry.RemoveWorker(r.Context(), h.caller(r),
		benefit.PrincipalID(param(r, "worker")), benefit.ProgramID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// WorkerBenefits lists the caller's own assignments.
// GET /api/workers/{id}/benefits
func (h *Handler) WorkerBenefits(w http.ResponseWriter, r *http.Request) {
	worker := benefit.PrincipalID(param(r, "id"))
	if err := benefit.RequireSelf(h.caller(r), worker); err != nil {
		h.writeError(w, r, err)
		return
	}
	as, err := h.Registry.WorkerBenefits(r.Context(), worker)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(as))
}

func toAssignmentDTOs(as []program.Assignment) []AssignmentDTO {
	out := make([]AssignmentDTO, len(as))
	for i, a := range as {
		out[i] = toAssignmentDTO(a)
	}
	return out
}

// =============================================================================
// DISBURSEMENT HANDLERS
// =============================================================================

// TriggerDisbursement runs a program for a period, the current one when the
// body omits it. Re-triggering a period only retries unconfirmed credits.
// POST /api/programs/{id}/disbursements
func (h *Handler) TriggerDisbursement(w http.ResponseWriter, r *http.Request) {
	var req TriggerDisbursementRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Disburser.Trigger(r.Context(), h.caller(r), benefit.ProgramID(param(r, "id")), req.Period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisbursementDTO(res))
}

// GET /api/programs/{id}/disbursements
func (h *Handler) ListDisbursements(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Disburser.Runs(r.Context(), h.caller(r), benefit.ProgramID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]RunDTO, len(runs))
	for i, run := range runs {
		out[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// FUNDING POOL HANDLERS
// =============================================================================

// GET /api/companies/{id}/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.Registry.Pool(r.Context(), h.caller(r), benefit.CompanyID(param(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(p))
}

// POST /api/companies/{id}/pool/deposits
func (h *Handler) DepositFunds(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Registry.DepositFunds(r.Context(), h.caller(r), benefit.CompanyID(param(r, "id")), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(p))
}
