/*
scheduler.go - Background maintenance scheduler

PURPOSE:
  Periodically performs the work nobody asks for over HTTP:
  - runs every program disbursement that is due
  - settles payments left Pending for longer than StalePendingAfter
  - prunes the wallet journal according to the retention policy

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Each job is independent; a failing job is logged and the others still
    run
  - Disbursement is idempotent per (program, period), so overlapping
    instances only repeat lookups

USAGE:
  scheduler := NewScheduler(disburser, settlement, ledger, cfg, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - program/disbursement.go: RunDue
  - settlement/service.go: ResolveStalePending
  - wallet/ledger.go: CleanupOldTransactions
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/wallet"
)

type DueRunner interface {
	RunDue(ctx context.Context) ([]program.Result, error)
}

type PendingResolver interface {
	ResolveStalePending(ctx context.Context, age time.Duration) (int, error)
}

type JournalCleaner interface {
	CleanupOldTransactions(ctx context.Context, policy wallet.RetentionPolicy) (int, error)
}

type SchedulerConfig struct {
	Interval          time.Duration
	StalePendingAfter time.Duration
	// Retention is skipped when neither bound is set.
	Retention wallet.RetentionPolicy
}

// Scheduler handles the periodic maintenance jobs.
type Scheduler struct {
	disburser DueRunner
	resolver  PendingResolver
	cleaner   JournalCleaner
	cfg       SchedulerConfig
	logger    *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex

	lastRun atomic.Int64 // unix nanos
}

// NewScheduler creates a scheduler. Any job may be nil.
func NewScheduler(disburser DueRunner, resolver PendingResolver, cleaner JournalCleaner, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		disburser: disburser,
		resolver:  resolver,
		cleaner:   cleaner,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.cfg.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("started", zap.Duration("interval", s.cfg.Interval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// Report summarises one pass.
type Report struct {
	Disbursements int
	Unresolved    int
	Resolved      int
	Pruned        int
}

// RunNow performs one pass of every job (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var rep Report

	if s.disburser != nil {
		results, err := s.disburser.RunDue(ctx)
		if err != nil {
			s.logger.Error("due disbursements failed", zap.Error(err))
		}
		rep.Disbursements = len(results)
		for _, res := range results {
			rep.Unresolved += len(res.Unresolved) + len(res.Failed)
		}
	}

	if s.resolver != nil && s.cfg.StalePendingAfter > 0 {
		n, err := s.resolver.ResolveStalePending(ctx, s.cfg.StalePendingAfter)
		if err != nil {
			s.logger.Error("stale payment resolution failed", zap.Error(err))
		}
		rep.Resolved = n
	}

	if s.cleaner != nil && (s.cfg.Retention.MaxAge != nil || s.cfg.Retention.MaxPerWallet != nil) {
		n, err := s.cleaner.CleanupOldTransactions(ctx, s.cfg.Retention)
		if err != nil {
			s.logger.Error("journal retention failed", zap.Error(err))
		}
		rep.Pruned = n
	}

	s.lastRun.Store(time.Now().UnixNano())

	if rep != (Report{}) {
		s.logger.Info("pass completed",
			zap.Int("disbursements", rep.Disbursements),
			zap.Int("unresolved_items", rep.Unresolved),
			zap.Int("payments_resolved", rep.Resolved),
			zap.Int("journal_pruned", rep.Pruned))
	}
	return rep
}

// NextRunTime returns when the next scheduled check will occur.
func (s *Scheduler) NextRunTime() time.Time {
	last := s.lastRun.Load()
	if last == 0 {
		return time.Now()
	}
	return time.Unix(0, last).Add(s.cfg.Interval)
}
