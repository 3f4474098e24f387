package program

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// DISBURSER - Turns a program period into wallet credits
// =============================================================================

// Ledger is the part of the Wallet Ledger a disbursement needs. It is
// satisfied by *wallet.Ledger in-process and by walletclient.Client remotely.
type Ledger interface {
	Credit(ctx context.Context, req wallet.CreditRequest) (wallet.Transaction, error)
	LookupOperation(ctx context.Context, key string) (*wallet.Transaction, error)
}

type DisburserConfig struct {
	// Concurrency bounds parallel credits within one run.
	Concurrency int
	// CreditTimeout bounds each ledger call. Zero means no extra timeout.
	CreditTimeout time.Duration
}

func DefaultDisburserConfig() DisburserConfig {
	return DisburserConfig{Concurrency: 8, CreditTimeout: 10 * time.Second}
}

type Disburser struct {
	registry *Registry
	store    Store
	ledger   Ledger
	config   DisburserConfig
	logger   *zap.Logger
}

func NewDisburser(registry *Registry, store Store, ledger Ledger, cfg DisburserConfig, logger *zap.Logger) *Disburser {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Disburser{registry: registry, store: store, ledger: ledger, config: cfg, logger: logger}
}

// Result summarises one invocation of a run.
type Result struct {
	Run              Run
	Credited         []benefit.PrincipalID
	AlreadyConfirmed []benefit.PrincipalID
	Unresolved       []benefit.PrincipalID
	Failed           []benefit.PrincipalID
	// Rejected workers will not be paid for this period.
	Rejected []benefit.PrincipalID
}

// Trigger runs a program on behalf of an HR user of its company.
func (d *Disburser) Trigger(ctx context.Context, caller benefit.Profile, programID benefit.ProgramID, period string) (Result, error) {
	p, err := d.registry.GetProgram(ctx, programID)
	if err != nil {
		return Result{}, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return Result{}, err
	}
	id := caller.ID
	return d.run(ctx, p, period, TriggerManual, &id)
}

// Run executes the program for period, or the current period when empty.
//
// The first call reserves the full total from the pool, all or nothing, and
// freezes the worker set. Later calls for the same period only touch items
// that are not yet Confirmed; Unknown items are looked up in the ledger
// before any retry.
func (d *Disburser) Run(ctx context.Context, programID benefit.ProgramID, period string) (Result, error) {
	p, err := d.registry.GetProgram(ctx, programID)
	if err != nil {
		return Result{}, err
	}
	return d.run(ctx, p, period, TriggerSchedule, nil)
}

func (d *Disburser) run(ctx context.Context, p Program, periodKey string, trigger TriggerKind, by *benefit.PrincipalID) (Result, error) {
	period, err := d.resolvePeriod(p, periodKey)
	if err != nil {
		return Result{}, err
	}

	unlock, err := d.registry.locks.Lock(ctx, programLockKey(p.ID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	log := d.logger.With(zap.String("program_id", string(p.ID)), zap.String("period", period.Key))

	run, err := d.store.GetRun(ctx, p.ID, period.Key)
	if err != nil {
		return Result{}, fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		if !p.IsActive {
			return Result{}, &benefit.StateError{Resource: "program", ID: string(p.ID), From: "inactive", To: "disbursing"}
		}
		run, err = d.reserve(ctx, p, period, trigger, by)
		if err != nil {
			log.Warn("disbursement reservation failed", zap.Error(err))
			return Result{}, err
		}
		log.Info("disbursement reserved", zap.Int("workers", len(run.Items)), zap.Stringer("total", run.Total))
	}

	res := d.process(ctx, p, run)

	status := RunCompleted
	if len(res.Unresolved) > 0 || len(res.Failed) > 0 {
		status = RunPartial
	}
	if status != run.Status {
		if err := d.store.UpdateRunStatus(ctx, run.ID, status, d.registry.now()); err != nil {
			return res, fmt.Errorf("update run status: %w", err)
		}
	}
	res.Run.Status = status

	log.Info("disbursement processed",
		zap.String("status", string(status)),
		zap.Int("credited", len(res.Credited)),
		zap.Int("already_confirmed", len(res.AlreadyConfirmed)),
		zap.Int("unresolved", len(res.Unresolved)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}

func (d *Disburser) resolvePeriod(p Program, key string) (Period, error) {
	if key == "" {
		return PeriodFor(p.Frequency, p.PaymentDay, d.registry.now())
	}
	return PeriodByKey(p.Frequency, p.PaymentDay, key)
}

// reserve snapshots the active assignments and debits the pool for the
// whole run in one store transaction.
func (d *Disburser) reserve(ctx context.Context, p Program, period Period, trigger TriggerKind, by *benefit.PrincipalID) (*Run, error) {
	assignments, err := d.store.ListAssignments(ctx, AssignmentFilter{ProgramID: &p.ID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	now := d.registry.now()
	run := Run{
		ID:          uuid.NewString(),
		ProgramID:   p.ID,
		CompanyID:   p.CompanyID,
		Period:      period.Key,
		Category:    p.Category,
		Status:      RunReserved,
		Trigger:     trigger,
		TriggeredBy: by,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, a := range assignments {
		amount := a.EffectiveAmount(p)
		run.Total += amount
		run.Items = append(run.Items, RunItem{
			RunID:          run.ID,
			WorkerID:       a.WorkerID,
			Amount:         amount,
			Status:         ItemReserved,
			IdempotencyKey: CreditKey(p.ID, period.Key, a.WorkerID),
			UpdatedAt:      now,
		})
	}

	unlock, err := d.registry.locks.Lock(ctx, poolLockKey(p.CompanyID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := d.store.ReserveRun(ctx, run); err != nil {
		if errors.Is(err, ErrRunExists) {
			existing, getErr := d.store.GetRun(ctx, p.ID, period.Key)
			if getErr != nil {
				return nil, fmt.Errorf("get run: %w", getErr)
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return &run, nil
}

// process settles every item that is not yet Confirmed. Item failures never
// abort the batch; each outcome is persisted as soon as it is known.
func (d *Disburser) process(ctx context.Context, p Program, run *Run) Result {
	res := Result{Run: *run}
	outcomes := make([]RunItem, len(run.Items))

	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for i, item := range run.Items {
		if item.Status == ItemConfirmed || item.Status == ItemRejected {
			outcomes[i] = item
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.settleItem(ctx, p, run.Period, item)
			return nil
		})
	}
	_ = g.Wait()

	for i, item := range outcomes {
		prev := run.Items[i].Status
		switch item.Status {
		case ItemConfirmed:
			if prev == ItemConfirmed {
				res.AlreadyConfirmed = append(res.AlreadyConfirmed, item.WorkerID)
			} else {
				res.Credited = append(res.Credited, item.WorkerID)
			}
		case ItemFailed:
			res.Failed = append(res.Failed, item.WorkerID)
		case ItemRejected:
			res.Rejected = append(res.Rejected, item.WorkerID)
		default:
			res.Unresolved = append(res.Unresolved, item.WorkerID)
		}
	}
	res.Run.Items = outcomes
	return res
}

func (d *Disburser) settleItem(ctx context.Context, p Program, period string, item RunItem) RunItem {
	log := d.logger.With(
		zap.String("program_id", string(p.ID)),
		zap.String("worker_id", string(item.WorkerID)),
		zap.String("key", item.IdempotencyKey))

	// Anything attempted before may already be in the ledger.
	if item.Attempts > 0 {
		tx, err := d.ledger.LookupOperation(ctx, item.IdempotencyKey)
		if err != nil {
			log.Warn("ledger lookup failed", zap.Error(err))
			item.Status = ItemUnknown
			item.LastError = err.Error()
			return d.saveItem(ctx, item)
		}
		if tx != nil {
			item.Status = ItemConfirmed
			item.TransactionID = benefit.Ptr(string(tx.ID))
			item.LastError = ""
			return d.saveItem(ctx, item)
		}
	}

	callCtx := ctx
	if d.config.CreditTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.config.CreditTimeout)
		defer cancel()
	}

	item.Attempts++
	programID := p.ID
	tx, err := d.ledger.Credit(callCtx, wallet.CreditRequest{
		OwnerID:        item.WorkerID,
		Category:       p.Category,
		Amount:         item.Amount,
		SourceRef:      "program:" + string(p.ID),
		ProgramID:      &programID,
		IdempotencyKey: &item.IdempotencyKey,
		Description:    fmt.Sprintf("%s (%s)", p.Name, period),
	})
	switch {
	case err == nil || benefit.IsDuplicate(err):
		item.Status = ItemConfirmed
		item.LastError = ""
		if tx.ID != "" {
			item.TransactionID = benefit.Ptr(string(tx.ID))
		}
	case benefit.IsOutcomeUnknown(err):
		log.Warn("credit outcome unknown", zap.Error(err))
		item.Status = ItemUnknown
		item.LastError = err.Error()
	case benefit.IsClientError(err):
		// Retrying cannot change the answer.
		log.Error("credit rejected", zap.Error(err))
		item.Status = ItemRejected
		item.LastError = err.Error()
		item.UpdatedAt = d.registry.now()
		if err := d.store.ReleaseRunItem(ctx, item, p.CompanyID); err != nil {
			d.logger.Error("release run item", zap.String("worker_id", string(item.WorkerID)), zap.Error(err))
			item.Status = ItemFailed
		}
		return item
	default:
		log.Error("credit failed", zap.Error(err))
		item.Status = ItemFailed
		item.LastError = err.Error()
	}
	return d.saveItem(ctx, item)
}

func (d *Disburser) saveItem(ctx context.Context, item RunItem) RunItem {
	item.UpdatedAt = d.registry.now()
	if err := d.store.UpdateRunItem(ctx, item); err != nil {
		// The ledger key still protects the credit; the next run re-checks it.
		d.logger.Error("persist run item", zap.String("worker_id", string(item.WorkerID)), zap.Error(err))
	}
	return item
}

// =============================================================================
// SCHEDULED EXECUTION
// =============================================================================

// RunDue executes every active program whose current period has reached its
// payment date and is not yet Completed. Errors of one program do not stop
// the others; they are joined into the returned error.
func (d *Disburser) RunDue(ctx context.Context) ([]Result, error) {
	programs, err := d.registry.ActivePrograms(ctx)
	if err != nil {
		return nil, err
	}

	now := d.registry.now()
	var (
		results []Result
		errs    []error
	)
	for _, p := range programs {
		period, due := Due(p, now)
		if !due {
			continue
		}
		existing, err := d.store.GetRun(ctx, p.ID, period.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("program %s: %w", p.ID, err))
			continue
		}
		if existing != nil && existing.Status == RunCompleted {
			continue
		}
		res, err := d.run(ctx, p, period.Key, TriggerSchedule, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("program %s: %w", p.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Runs lists a program's disbursement history, newest first. Only HR of the
// owning company may read it.
func (d *Disburser) Runs(ctx context.Context, caller benefit.Profile, programID benefit.ProgramID) ([]Run, error) {
	p, err := d.registry.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	if err := benefit.RequireHR(caller, p.CompanyID); err != nil {
		return nil, err
	}
	runs, err := d.store.ListRuns(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if runs == nil {
		runs = []Run{}
	}
	return runs, nil
}
