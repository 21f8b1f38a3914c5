// Package scheduler implements the scheduled daemon loop spec.md §9 leaves
// as an interface: a policy-driven cadence that invokes run-all while
// respecting the one-run-at-a-time guard.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner is the subset of job.GlobalControl the scheduler drives.
type Runner interface {
	RunAll() bool
}

// Scheduler wraps a robfig/cron engine, invoking Runner.RunAll on each tick
// of a configured schedule expression.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
}

// New builds a scheduler that has not yet been given any schedule.
func New(runner Runner) *Scheduler {
	return &Scheduler{cron: cron.New(), runner: runner}
}

// AddSchedule registers a standard five-field cron expression that triggers
// a run-all. Returns the entry ID for later removal, or an error if spec is
// malformed.
func (s *Scheduler) AddSchedule(spec string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if !s.runner.RunAll() {
			logrus.Warn("scheduled run skipped: a run is already in progress")
		}
	})
}

// Start begins the scheduler's background goroutine. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-progress invocation of the
// cron callback itself (not the job run it triggered, which runs
// detached) to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
