package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/wallet"
)

type fakeJobs struct {
	mu       sync.Mutex
	due      []program.Result
	dueErr   error
	resolved int
	ages     []time.Duration
	policies []wallet.RetentionPolicy
	ran      chan struct{}
}

func (f *fakeJobs) RunDue(context.Context) ([]program.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return f.due, f.dueErr
}

func (f *fakeJobs) ResolveStalePending(_ context.Context, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ages = append(f.ages, age)
	return f.resolved, nil
}

func (f *fakeJobs) CleanupOldTransactions(_ context.Context, p wallet.RetentionPolicy) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, p)
	return 7, nil
}

func TestScheduler_RunNow(t *testing.T) {
	// GIVEN: One due program with an unresolved credit, two stale payments
	//        and a retention policy
	// WHEN: Running a pass
	// THEN: Every job runs and the report adds them up

	jobs := &fakeJobs{
		due:      []program.Result{{Credited: []benefit.PrincipalID{"w1"}, Unresolved: []benefit.PrincipalID{"w2"}}},
		resolved: 2,
	}
	s := NewScheduler(jobs, jobs, jobs, SchedulerConfig{
		Interval:          time.Minute,
		StalePendingAfter: 5 * time.Minute,
		Retention:         wallet.RetentionPolicy{MaxPerWallet: benefit.Ptr(100)},
	}, nil)

	rep := s.RunNow(context.Background())
	assert.Equal(t, Report{Disbursements: 1, Unresolved: 1, Resolved: 2, Pruned: 7}, rep)
	assert.Equal(t, []time.Duration{5 * time.Minute}, jobs.ages)
	require.Len(t, jobs.policies, 1)
	assert.Equal(t, 100, *jobs.policies[0].MaxPerWallet)
}

func TestScheduler_SkipsUnconfiguredJobs(t *testing.T) {
	jobs := &fakeJobs{dueErr: errors.New("store offline")}
	s := NewScheduler(jobs, jobs, jobs, SchedulerConfig{Interval: time.Minute}, nil)

	rep := s.RunNow(context.Background())
	assert.Equal(t, Report{}, rep, "a failing job is logged, not fatal")
	assert.Empty(t, jobs.ages, "no stale age configured")
	assert.Empty(t, jobs.policies, "no retention configured")
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	jobs := &fakeJobs{ran: make(chan struct{}, 1)}
	s := NewScheduler(jobs, nil, nil, SchedulerConfig{Interval: time.Hour}, nil)

	s.Start()
	s.Start() // no second loop
	select {
	case <-jobs.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run on start")
	}
	s.Stop()
	s.Stop()

	assert.False(t, s.NextRunTime().IsZero())
}
