package program

import (
	"context"
	"errors"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// ErrRunExists is returned by ReserveRun when the program already has a run
// for the period.
var ErrRunExists = errors.New("disbursement run already exists")

type ProgramFilter struct {
	CompanyID  *benefit.CompanyID
	ActiveOnly bool
}

type AssignmentFilter struct {
	ProgramID  *benefit.ProgramID
	WorkerID   *benefit.PrincipalID
	ActiveOnly bool
}

// Store persists programs, assignments, pools and runs.
type Store interface {
	SaveProgram(ctx context.Context, p Program) error
	// GetProgram returns nil, nil when absent.
	GetProgram(ctx context.Context, id benefit.ProgramID) (*Program, error)
	ListPrograms(ctx context.Context, f ProgramFilter) ([]Program, error)

	// SaveAssignment upserts on (worker, program).
	SaveAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, worker benefit.PrincipalID, programID benefit.ProgramID) (*Assignment, error)
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error)

	// GetPool returns an empty pool for companies that never deposited.
	GetPool(ctx context.Context, company benefit.CompanyID) (Pool, error)
	DepositPool(ctx context.Context, company benefit.CompanyID, amount benefit.Amount, at time.Time) (Pool, error)

	// ReserveRun debits run.Total from the company pool and inserts the run
	// with its items in one transaction. It returns an
	// *benefit.InsufficientFundsError, writing nothing, when the pool is short,
	// and ErrRunExists when the period already has a run.
	ReserveRun(ctx context.Context, run Run) error
	// GetRun returns nil, nil when the period has no run.
	GetRun(ctx context.Context, programID benefit.ProgramID, period string) (*Run, error)
	ListRuns(ctx context.Context, programID benefit.ProgramID) ([]Run, error)
	UpdateRunItem(ctx context.Context, item RunItem) error
	// ReleaseRunItem marks item rejected and returns its reserved amount to
	// the company pool in one transaction. Releasing an item twice changes
	// nothing.
	ReleaseRunItem(ctx context.Context, item RunItem, company benefit.CompanyID) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error
}
