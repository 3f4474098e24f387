package program

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// REGISTRY - Programs, assignments and the funding pool
// =============================================================================

// Registry owns program definitions, worker assignments and company pools.
// Mutations on a company's pool serialize on "pool:<company>"; program and
// assignment writes serialize on "program:<id>". Both key spaces are shared
// with the Disburser so a deposit never races a reservation.
type Registry struct {
	store    Store
	identity benefit.IdentityProvider
	locks    *benefit.KeyedLocker
	logger   *zap.Logger
	now      func() time.Time
}

type RegistryOption func(*Registry)

// WithIdentity enables checks that assigned workers exist and belong to the
// program's company.
func WithIdentity(p benefit.IdentityProvider) RegistryOption {
	return func(r *Registry) { r.identity = p }
}

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		locks:  benefit.NewKeyedLocker(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func programLockKey(id benefit.ProgramID) string { return "program:" + string(id) }
func poolLockKey(id benefit.CompanyID) string    { return "pool:" + string(id) }

// =============================================================================
// PROGRAMS
// =============================================================================

func (r *Registry) CreateProgram(ctx context.Context, caller benefit.Profile, in NewProgram) (Program, error) {
	if strings.TrimSpace(string(in.CompanyID)) == "" {
		return Program{}, &benefit.ValidationError{Field: "company_id", Reason: "is required"}
	}
	if err := benefit.RequireHR(caller, in.CompanyID); err != nil {
		return Program{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Program{}, &benefit.ValidationError{Field: "name", Reason: "is required"}
	}
	category, err := benefit.ParseCategory(string(in.Category))
	if err != nil {
		return Program{}, err
	}
	if err := benefit.RequirePositive("amount_per_worker", in.AmountPerWorker); err != nil {
		return Program{}, err
	}
	frequency, err := ParseFrequency(string(in.Frequency))
	if err != nil {
		return Program{}, err
	}
	if err := ValidatePaymentDay(frequency, in.PaymentDay); err != nil {
		return Program{}, err
	}

	now := r.now()
	p := Program{
		ID:              benefit.ProgramID(uuid.NewString()),
		Name:            name,
		CompanyID:       in.CompanyID,
		Category:        category,
		AmountPerWorker: in.AmountPerWorker,
		Frequency:       frequency,
		PaymentDay:      in.PaymentDay,
		CreatedBy:       caller.ID,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.SaveProgram(ctx, p); err != nil {
		return Program{}, fmt.Errorf("save program: %w", err)
	}

	r.logger.Info("program created",
		zap.String("program_id", string(p.ID)),
		zap.String("company_id", string(p.CompanyID)),
		zap.String("category", string(p.Category)),
		zap.String("frequency", string(p.Frequency)))
	return p, nil
}

func (r *Registry) GetProgram(ctx context.Context, id benefit.ProgramID) (Program, error) {
	p, err := r.store.GetProgram(ctx, id)
	if err != nil {
		return Program{}, fmt.Errorf("get program: %w", err)
	}
	if p == nil {
		return Program{}, &benefit.NotFoundError{Resource: "program", ID: string(id)}
	}
	return *p, nil
}

// CompanyPrograms lists every program of a company, active or not.
func (r *Registry) CompanyPrograms(ctx context.Context, company benefit.CompanyID) ([]Program, error) {
	programs, err := r.store.ListPrograms(ctx, ProgramFilter{CompanyID: &company})
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	if programs == nil {
		programs = []Program{}
	}
	return programs, nil
}

// ActivePrograms lists active programs across companies. Used by the scheduler.
func (r *Registry) ActivePrograms(ctx context.Context) ([]Program, error) {
	programs, err := r.store.ListPrograms(ctx, ProgramFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	return programs, nil
}

// SetProgramActive pauses or resumes a program. Paused programs are skipped
// by the scheduler and refuse manual runs.
func (r *Registry) SetProgramActive(ctx context.Context, caller benefit.Profile, id benefit.ProgramID, active bool) (Program, error) {
	unlock, err := r.locks.Lock(ctx, programLockKey(id))
	if err != nil {
		return Program{}, err
	}
	defer unlock()

	p, err := r.GetProgram(ctx, id)
	if err != nil {
		return Program{}, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return Program{}, err
	}
	if p.IsActive == active {
		return p, nil
	}
	p.IsActive = active
	p.UpdatedAt = r.now()
	if err := r.store.SaveProgram(ctx, p); err != nil {
		return Program{}, fmt.Errorf("save program: %w", err)
	}
	r.logger.Info("program activation changed", zap.String("program_id", string(id)), zap.Bool("active", active))
	return p, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// AssignWorker puts a worker on a program. Re-assigning updates the custom
// amount and reactivates the assignment.
func (r *Registry) AssignWorker(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, programID benefit.ProgramID, customAmount *benefit.Amount) (Assignment, error) {
	if err := worker.Validate("worker_id"); err != nil {
		return Assignment{}, err
	}
	if customAmount != nil {
		if err := benefit.RequirePositive("custom_amount", *customAmount); err != nil {
			return Assignment{}, err
		}
	}

	unlock, err := r.locks.Lock(ctx, programLockKey(programID))
	if err != nil {
		return Assignment{}, err
	}
	defer unlock()

	p, err := r.GetProgram(ctx, programID)
	if err != nil {
		return Assignment{}, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return Assignment{}, err
	}
	if err := r.checkWorker(ctx, worker, p.CompanyID); err != nil {
		return Assignment{}, err
	}

	now := r.now()
	a := Assignment{
		WorkerID:     worker,
		ProgramID:    programID,
		CustomAmount: customAmount,
		IsActive:     true,
		AssignedBy:   caller.ID,
		AssignedAt:   now,
		UpdatedAt:    now,
	}
	existing, err := r.store.GetAssignment(ctx, worker, programID)
	if err != nil {
		return Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	if existing != nil {
		a.AssignedAt = existing.AssignedAt
	}
	if err := r.store.SaveAssignment(ctx, a); err != nil {
		return Assignment{}, fmt.Errorf("save assignment: %w", err)
	}

	r.logger.Info("worker assigned",
		zap.String("program_id", string(programID)),
		zap.String("worker_id", string(worker)),
		zap.Bool("custom_amount", customAmount != nil))
	return a, nil
}

func (r *Registry) checkWorker(ctx context.Context, worker benefit.PrincipalID, company benefit.CompanyID) error {
	if r.identity == nil {
		return nil
	}
	profile, err := r.identity.Profile(ctx, worker)
	if err != nil {
		return err
	}
	if !profile.HasRole(benefit.RoleWorker) || !profile.BelongsToCompany(company) {
		return &benefit.ValidationError{Field: "worker_id", Reason: fmt.Sprintf("%s is not a worker of company %s", worker, company)}
	}
	return nil
}

// UpdateAssignmentAmount replaces the custom amount of an existing assignment.
func (r *Registry) UpdateAssignmentAmount(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, programID benefit.ProgramID, amount benefit.Amount) (Assignment, error) {
	if err := benefit.RequirePositive("amount", amount); err != nil {
		return Assignment{}, err
	}
	return r.updateAssignment(ctx, caller, worker, programID, func(a *Assignment) {
		a.CustomAmount = &amount
	})
}

// RemoveWorker deactivates an assignment. The record is kept for history.
func (r *Registry) RemoveWorker(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, programID benefit.ProgramID) (Assignment, error) {
	return r.updateAssignment(ctx, caller, worker, programID, func(a *Assignment) {
		a.IsActive = false
	})
}

func (r *Registry) updateAssignment(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, programID benefit.ProgramID, mutate func(*Assignment)) (Assignment, error) {
	unlock, err := r.locks.Lock(ctx, programLockKey(programID))
	if err != nil {
		return Assignment{}, err
	}
	defer unlock()

	p, err := r.GetProgram(ctx, programID)
	if err != nil {
		return Assignment{}, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return Assignment{}, err
	}
	a, err := r.store.GetAssignment(ctx, worker, programID)
	if err != nil {
		return Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	if a == nil {
		return Assignment{}, &benefit.NotFoundError{Resource: "assignment", ID: fmt.Sprintf("%s/%s", programID, worker)}
	}

	mutate(a)
	a.UpdatedAt = r.now()
	if err := r.store.SaveAssignment(ctx, *a); err != nil {
		return Assignment{}, fmt.Errorf("save assignment: %w", err)
	}
	return *a, nil
}

// WorkerBenefits lists a worker's active assignments.
func (r *Registry) WorkerBenefits(ctx context.Context, worker benefit.PrincipalID) ([]Assignment, error) {
	out, err := r.store.ListAssignments(ctx, AssignmentFilter{WorkerID: &worker, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	if out == nil {
		out = []Assignment{}
	}
	return out, nil
}

// ProgramAssignments lists every assignment of a program.
func (r *Registry) ProgramAssignments(ctx context.Context, caller benefit.Profile, programID benefit.ProgramID) ([]Assignment, error) {
	p, err := r.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return nil, err
	}
	return r.store.ListAssignments(ctx, AssignmentFilter{ProgramID: &programID})
}

// =============================================================================
// FUNDING POOL
// =============================================================================

// DepositFunds adds to the company pool and returns the new pool.
func (r *Registry) DepositFunds(ctx context.Context, caller benefit.Profile, company benefit.CompanyID, amount benefit.Amount) (Pool, error) {
	if err := benefit.RequireHR(caller, company); err != nil {
		return Pool{}, err
	}
	if err := benefit.RequirePositive("amount", amount); err != nil {
		return Pool{}, err
	}

	unlock, err := r.locks.Lock(ctx, poolLockKey(company))
	if err != nil {
		return Pool{}, err
	}
	defer unlock()

	pool, err := r.store.DepositPool(ctx, company, amount, r.now())
	if err != nil {
		return Pool{}, fmt.Errorf("deposit: %w", err)
	}
	r.logger.Info("pool funded",
		zap.String("company_id", string(company)),
		zap.Stringer("amount", amount),
		zap.Stringer("available", pool.Available))
	return pool, nil
}

func (r *Registry) Pool(ctx context.Context, caller benefit.Profile, company benefit.CompanyID) (Pool, error) {
	if err := benefit.RequireHR(caller, company); err != nil {
		return Pool{}, err
	}
	pool, err := r.store.GetPool(ctx, company)
	if err != nil {
		return Pool{}, fmt.Errorf("get pool: %w", err)
	}
	return pool, nil
}
