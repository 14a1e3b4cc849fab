// Package scheduler runs the treasury's periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alejandrodnm/treasury/internal/application/treasury"
)

// Config holds the cron specs (with seconds field) for each job.
type Config struct {
	DistributionSpec   string  // checks whether the weekly distribution is due
	PeriodSpec         string  // rolls daily/weekly/monthly loss periods
	RebalanceSpec      string  // checks allocation drift
	RebalanceThreshold float64 // <= 0 uses the default threshold
	AutoRebalance      bool    // execute the rebalance instead of only logging it
}

// DefaultConfig returns hourly distribution checks, a period roll one minute
// past UTC midnight and a rebalance check every 15 minutes.
func DefaultConfig() Config {
	return Config{
		DistributionSpec: "0 0 * * * *",
		PeriodSpec:       "0 1 0 * * *",
		RebalanceSpec:    "0 */15 * * * *",
	}
}

// Scheduler wires treasury jobs to a cron runner.
type Scheduler struct {
	cron     *cron.Cron
	treasury *treasury.Orchestrator
	cfg      Config
	ctx      context.Context
}

// New registers every job. Nothing runs until Start.
func New(ctx context.Context, o *treasury.Orchestrator, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		treasury: o,
		cfg:      cfg,
		ctx:      ctx,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"distribution", cfg.DistributionSpec, func() { s.CheckDistribution() }},
		{"periods", cfg.PeriodSpec, func() { s.RollPeriods() }},
		{"rebalance", cfg.RebalanceSpec, func() { s.CheckRebalance() }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("scheduler.New: register %s job %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Start runs the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler: started", "jobs", len(s.cron.Entries()))
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

// CheckDistribution executes the weekly distribution when it is due.
// It reports whether a distribution was attempted.
func (s *Scheduler) CheckDistribution() bool {
	if !s.treasury.Distributor().IsDistributionDue() {
		return false
	}
	slog.Info("scheduler: distribution due")
	res := s.treasury.DistributeProfits(s.ctx, 0, false)
	if !res.Success {
		slog.Warn("scheduler: distribution failed", "err", res.Error, "id", res.Distribution.ID)
	}
	return true
}

// RollPeriods re-seeds loss-period starting balances.
func (s *Scheduler) RollPeriods() {
	rolled, err := s.treasury.RollPeriods(s.ctx)
	if err != nil {
		slog.Warn("scheduler: period roll skipped", "err", err)
		return
	}
	if len(rolled) > 0 {
		slog.Debug("scheduler: periods rolled", "periods", rolled)
	}
}

// CheckRebalance logs allocation drift and, with AutoRebalance, executes the
// plan. Multisig legs are only ever proposed.
func (s *Scheduler) CheckRebalance() *treasury.RebalanceResult {
	if !s.treasury.Allocation().NeedsRebalance(s.ctx, s.cfg.RebalanceThreshold) {
		return nil
	}
	if !s.cfg.AutoRebalance {
		plan := s.treasury.Rebalance(s.ctx, true)
		slog.Warn("scheduler: allocation drift detected",
			"instructions", len(plan.Instructions),
			"requires_approval", len(plan.RequiresApproval),
		)
		return &plan
	}
	res := s.treasury.Rebalance(s.ctx, false)
	if !res.Success {
		slog.Warn("scheduler: auto-rebalance failed", "err", res.Error)
	}
	return &res
}
