// Package scheduler provides the periodic trigger and deterministic load
// spreading for VaultPipe's automatic backups.
//
// A cron-driven daily sweep enumerates owners with backups enabled and
// enqueues one idempotent export job per eligible owner, with each owner's
// enqueue delayed by a stable hash of their id so load spreads across the day.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// DailySpec fires once a day at midnight.
const DailySpec = "0 0 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
