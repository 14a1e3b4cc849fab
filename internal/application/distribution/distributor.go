// Package distribution sweeps the profit wallet to stakeholder wallets on a weekly schedule.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/id"
	"github.com/alejandrodnm/treasury/internal/ports"
)

var (
	// ErrBelowMinimum is returned when the amount to distribute is under the configured threshold.
	ErrBelowMinimum = errors.New("amount below distribution minimum")

	// ErrStaleBalance is returned when the profit wallet balance could not be read.
	ErrStaleBalance = errors.New("profit wallet balance is stale")
)

// Wallets is the slice of the allocation manager the distributor needs.
type Wallets interface {
	GetBalance(ctx context.Context, role domain.Role) (domain.BalanceReading, error)
	ExecuteTransfer(ctx context.Context, from domain.Role, toAddress string, amount int64, memo string) domain.TransferResult
}

// Distributor executes profit sweeps. Executions are serialized.
type Distributor struct {
	cfg     domain.DistributionConfig
	wallets Wallets
	store   ports.DistributionStorage
	metrics ports.Metrics

	// Clock is injectable for tests.
	Clock func() time.Time

	mu   sync.Mutex
	last time.Time // last executed (non dry-run) distribution
}

// NewDistributor validates cfg and restores the last-distribution timestamp from store.
func NewDistributor(
	ctx context.Context,
	cfg domain.DistributionConfig,
	wallets Wallets,
	store ports.DistributionStorage,
	m ports.Metrics,
) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("distribution.NewDistributor: %w", err)
	}
	if wallets == nil || store == nil {
		return nil, fmt.Errorf("distribution.NewDistributor: %w: wallets and storage are required", domain.ErrInvalidConfig)
	}
	if m == nil {
		m = ports.NopMetrics{}
	}

	d := &Distributor{
		cfg:     cfg,
		wallets: wallets,
		store:   store,
		metrics: m,
		Clock:   func() time.Time { return time.Now().UTC() },
	}

	last, ok, err := store.LastExecutedDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("distribution.NewDistributor: load last distribution: %w", err)
	}
	if ok {
		d.last = last.Timestamp
	}
	return d, nil
}

// Config returns the distribution config.
func (d *Distributor) Config() domain.DistributionConfig { return d.cfg }

// LastDistribution returns when the last real distribution ran (zero if never).
func (d *Distributor) LastDistribution() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// IsDistributionDue is true on the configured weekday and UTC hour, once per calendar date.
func (d *Distributor) IsDistributionDue() bool {
	now := d.Clock().UTC()
	if now.Weekday() != d.cfg.Weekday || now.Hour() != d.cfg.Hour {
		return false
	}
	last := d.LastDistribution()
	if last.IsZero() {
		return true
	}
	ly, lm, ld := last.UTC().Date()
	ny, nm, nd := now.Date()
	return ly != ny || lm != nm || ld != nd
}

// CalculateDistributable is the whole profit wallet balance. A stale reading is
// refused rather than distributed.
func (d *Distributor) CalculateDistributable(ctx context.Context) (int64, error) {
	r, err := d.wallets.GetBalance(ctx, domain.RoleProfit)
	if err != nil {
		return 0, fmt.Errorf("distribution.CalculateDistributable: %w", err)
	}
	if r.Stale {
		return 0, fmt.Errorf("distribution.CalculateDistributable: %w: %s", ErrStaleBalance, r.Err)
	}
	return r.Native, nil
}

// CalculateSplit floors each destination share; the residue stays in the profit wallet.
func (d *Distributor) CalculateSplit(total int64) []domain.DistributionLeg {
	return domain.Split(total, d.cfg)
}

// ExecuteDistribution sweeps amount (or the whole profit balance when amount <= 0).
//
// The record is persisted as pending before any transfer. Legs are executed
// independently; one failing does not stop or roll back the others. Dry runs
// are persisted as pending previews and never move funds.
//
// The final status is failed when any leg fails (even if others confirmed or
// await approval) or a transfer panics, pending when no leg failed but at
// least one is a multisig proposal awaiting signers, and completed when every
// attempted leg confirmed. Zero-amount and unaddressed legs are not attempted
// and do not affect the status.
func (d *Distributor) ExecuteDistribution(ctx context.Context, amount int64, dryRun bool) (domain.Distribution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if amount <= 0 {
		var err error
		if amount, err = d.CalculateDistributable(ctx); err != nil {
			return domain.Distribution{}, err
		}
	}
	if amount <= 0 || amount < d.cfg.MinAmount {
		return domain.Distribution{}, fmt.Errorf("distribution.ExecuteDistribution: %w: %d < %d",
			ErrBelowMinimum, amount, d.cfg.MinAmount)
	}

	now := d.Clock().UTC()
	dist := domain.Distribution{
		ID:        id.New(now),
		Timestamp: now,
		Total:     amount,
		Legs:      d.CalculateSplit(amount),
		Status:    domain.DistributionPending,
		DryRun:    dryRun,
	}
	if err := d.store.SaveDistribution(ctx, dist); err != nil {
		return dist, fmt.Errorf("distribution.ExecuteDistribution: persist pending: %w", err)
	}

	if dryRun {
		slog.Info("distribution: dry run",
			"id", dist.ID,
			"total", amount,
			"staking", dist.Amount(domain.RoleStaking),
			"operations", dist.Amount(domain.RoleOperations),
			"development", dist.Amount(domain.RoleDevelopment),
		)
		return dist, nil
	}

	if err := d.executeLegs(ctx, &dist); err != nil {
		dist.Status = domain.DistributionFailed
		dist.Error = err.Error()
	} else {
		dist.Status, dist.Error = settle(dist.Legs)
	}

	var saveErr error
	if err := d.store.SaveDistribution(ctx, dist); err != nil {
		slog.Warn("distribution: persist result failed", "id", dist.ID, "err", err)
		saveErr = fmt.Errorf("distribution.ExecuteDistribution: persist result: %w", err)
	}
	d.last = now

	distributed := confirmedTotal(dist.Legs)
	d.metrics.DistributionFinished(dist.Status, distributed)

	level := slog.LevelInfo
	if dist.Status == domain.DistributionFailed {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "distribution: finished",
		"id", dist.ID,
		"status", dist.Status,
		"total", amount,
		"distributed", distributed,
		"residue", dist.Residue(),
	)
	return dist, saveErr
}

// executeLegs sends each nonzero leg with an address. A panic from a
// collaborator stops the remaining legs and is returned as an error.
func (d *Distributor) executeLegs(ctx context.Context, dist *domain.Distribution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during transfer: %v", r)
		}
	}()

	for i := range dist.Legs {
		leg := &dist.Legs[i]
		if leg.Amount <= 0 || leg.Address == "" {
			continue
		}
		memo := fmt.Sprintf("distribution:%s:%s", dist.ID, leg.Destination)
		res := d.wallets.ExecuteTransfer(ctx, domain.RoleProfit, leg.Address, leg.Amount, memo)

		leg.Outcome = res.Outcome
		leg.Error = res.Error
		switch res.Outcome {
		case domain.TransferConfirmed:
			leg.ConfirmationID = res.ConfirmationID
		case domain.TransferProposed:
			leg.ConfirmationID = res.ProposalID
		}
		d.metrics.TransferCompleted(res.Outcome)
	}
	return nil
}

// settle derives the overall status from attempted legs: any failure is
// failed, any pending proposal keeps the record pending, otherwise completed.
func settle(legs []domain.DistributionLeg) (domain.DistributionStatus, string) {
	var failed []string
	proposed := false
	for _, l := range legs {
		switch l.Outcome {
		case domain.TransferFailed:
			failed = append(failed, fmt.Sprintf("%s: %s", l.Destination, l.Error))
		case domain.TransferProposed:
			proposed = true
		}
	}
	switch {
	case len(failed) > 0:
		return domain.DistributionFailed, strings.Join(failed, "; ")
	case proposed:
		return domain.DistributionPending, ""
	default:
		return domain.DistributionCompleted, ""
	}
}

func confirmedTotal(legs []domain.DistributionLeg) int64 {
	var sum int64
	for _, l := range legs {
		if l.Outcome == domain.TransferConfirmed {
			sum += l.Amount
		}
	}
	return sum
}

// History returns persisted distributions. limit <= 0 returns all.
func (d *Distributor) History(ctx context.Context, order ports.SortOrder, limit int) ([]domain.Distribution, error) {
	ds, err := d.store.ListDistributions(ctx, order, limit)
	if err != nil {
		return nil, fmt.Errorf("distribution.History: %w", err)
	}
	return ds, nil
}

// Stats aggregates every persisted distribution.
func (d *Distributor) Stats(ctx context.Context) (domain.DistributionStats, error) {
	ds, err := d.store.ListDistributions(ctx, ports.OldestFirst, 0)
	if err != nil {
		return domain.DistributionStats{}, fmt.Errorf("distribution.Stats: %w", err)
	}
	return domain.ComputeStats(ds), nil
}
