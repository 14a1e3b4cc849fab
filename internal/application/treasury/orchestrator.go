// Package treasury is the single entry point for trades, rebalancing,
// profit distribution and breaker control.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alejandrodnm/treasury/internal/application/allocation"
	"github.com/alejandrodnm/treasury/internal/application/distribution"
	"github.com/alejandrodnm/treasury/internal/application/risk"
	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

// ErrNotReady is returned for mutating operations called before Init completes.
var ErrNotReady = errors.New("treasury not initialized")

// Config holds orchestrator settings.
type Config struct {
	MaxBalanceAge      time.Duration // Active readings older than this are stale; 0 disables the age check
	RebalanceThreshold float64       // <= 0 uses domain.DefaultRebalanceThreshold
}

// Deps are the collaborators the orchestrator wires together.
type Deps struct {
	Allocation  *allocation.Manager
	Risk        *risk.Engine
	Distributor *distribution.Distributor
	Router      ports.TradeRouter
	Notifier    ports.Notifier // optional
	Metrics     ports.Metrics  // optional
}

// Orchestrator owns one allocation manager, risk engine and distributor.
type Orchestrator struct {
	alloc    *allocation.Manager
	risk     *risk.Engine
	dist     *distribution.Distributor
	router   ports.TradeRouter
	notifier ports.Notifier
	metrics  ports.Metrics
	cfg      Config

	// Clock is injectable for tests.
	Clock func() time.Time

	// One execution permit: validate → execute → record is a critical section.
	permit *semaphore.Weighted

	initMu sync.Mutex
	ready  atomic.Bool
}

// New builds an orchestrator. Init must be called before mutating operations.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Allocation == nil || deps.Risk == nil || deps.Distributor == nil || deps.Router == nil {
		return nil, fmt.Errorf("treasury.New: %w: allocation, risk, distributor and router are required", domain.ErrInvalidConfig)
	}
	reg := deps.Allocation.Registry()
	for _, role := range []domain.Role{domain.RoleActive, domain.RoleProfit} {
		if _, ok := reg.Wallet(role); !ok {
			return nil, fmt.Errorf("treasury.New: %w: %s wallet is not registered", domain.ErrInvalidConfig, role)
		}
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = domain.DefaultRebalanceThreshold
	}
	m := deps.Metrics
	if m == nil {
		m = ports.NopMetrics{}
	}

	o := &Orchestrator{
		alloc:    deps.Allocation,
		risk:     deps.Risk,
		dist:     deps.Distributor,
		router:   deps.Router,
		notifier: deps.Notifier,
		metrics:  m,
		cfg:      cfg,
		Clock:    func() time.Time { return time.Now().UTC() },
		permit:   semaphore.NewWeighted(1),
	}
	o.risk.OnTrip = o.notifyTrip
	return o, nil
}

// Init fetches every wallet balance and seeds the loss-period starting
// balances from the Active wallet. It is idempotent.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.ready.Load() {
		return nil
	}

	readings := o.alloc.RefreshAll(ctx)
	var active domain.BalanceReading
	for _, r := range readings {
		if r.Role == domain.RoleActive {
			active = r
		}
	}
	if active.Stale {
		return fmt.Errorf("treasury.Init: active wallet balance unavailable: %s", active.Err)
	}

	rolled, err := o.risk.RollPeriods(ctx, active.Native)
	if err != nil {
		return fmt.Errorf("treasury.Init: seed loss periods: %w", err)
	}

	o.ready.Store(true)
	slog.Info("treasury: initialized",
		"wallets", len(readings),
		"active_balance", active.Native,
		"seeded_periods", rolled,
		"breaker", o.risk.Breaker().State,
	)
	return nil
}

// Ready reports whether Init has completed.
func (o *Orchestrator) Ready() bool { return o.ready.Load() }

// Allocation exposes the allocation manager for read-only reporting.
func (o *Orchestrator) Allocation() *allocation.Manager { return o.alloc }

// Risk exposes the risk engine for read-only reporting.
func (o *Orchestrator) Risk() *risk.Engine { return o.risk }

// Distributor exposes the distributor for read-only reporting.
func (o *Orchestrator) Distributor() *distribution.Distributor { return o.dist }

// ─── Trades ──────────────────────────────────────────────────────────────────

// ExecuteTrade validates, executes and records a trade. Calls are serialized.
// A rejected trade has no side effects: the router is not called and nothing
// is recorded. An approved trade is always recorded, whatever the router says.
func (o *Orchestrator) ExecuteTrade(ctx context.Context, req TradeRequest) (res TradeResult) {
	defer func() {
		if r := recover(); r != nil {
			res = TradeResult{Error: recovered("ExecuteTrade", r)}
		}
	}()

	if !o.ready.Load() {
		return TradeResult{Rejected: true, Error: ErrNotReady.Error()}
	}
	if err := o.permit.Acquire(ctx, 1); err != nil {
		return TradeResult{Rejected: true, Error: fmt.Sprintf("waiting for execution permit: %v", err)}
	}
	defer o.permit.Release(1)

	reading, err := o.alloc.GetBalance(ctx, domain.RoleActive)
	if err != nil {
		return TradeResult{Rejected: true, Error: err.Error()}
	}
	if v, stale := o.staleBalance(reading); stale {
		o.metrics.TradeRejected(v.Check)
		slog.Warn("treasury: trade rejected", "asset", req.Asset, "side", req.Side, "reason", v.Reason)
		return TradeResult{Rejected: true, Validation: v, Error: v.Reason}
	}

	v := o.risk.ValidateTrade(ctx, req.Asset, req.Side, req.Amount, reading.Native, req.PriceImpactPct)
	if !v.Allowed {
		o.metrics.TradeRejected(v.Check)
		slog.Info("treasury: trade rejected",
			"asset", req.Asset,
			"side", req.Side,
			"amount", req.Amount,
			"check", v.Check,
			"reason", v.Reason,
		)
		return TradeResult{Rejected: true, Validation: v, Error: v.Reason}
	}

	limit := o.risk.Limits().MaxSlippageBps
	slippage := req.MaxSlippageBps
	if slippage <= 0 || slippage > limit {
		slippage = limit
	}
	order := domain.TradeOrder{
		Asset:          req.Asset,
		Side:           req.Side,
		Amount:         req.Amount,
		MaxSlippageBps: slippage,
	}

	exec := o.route(ctx, order)
	amountIn := exec.AmountIn
	if amountIn == 0 && !exec.Success {
		amountIn = order.Amount
	}

	rec, err := o.risk.RecordTrade(ctx, order.Asset, order.Side, amountIn, exec.AmountOut, exec.Success, exec.ConfirmationID)
	if err != nil {
		slog.Warn("treasury: trade record not persisted", "asset", order.Asset, "err", err)
	}
	o.metrics.TradeExecuted(order.Side, exec.Success)

	res = TradeResult{
		Success:    exec.Success,
		Validation: v,
		Execution:  exec,
		Record:     &rec,
		Error:      exec.Error,
	}
	return res
}

// route calls the router; errors and panics become a failed execution.
func (o *Orchestrator) route(ctx context.Context, order domain.TradeOrder) (exec domain.TradeExecution) {
	defer func() {
		if r := recover(); r != nil {
			exec = domain.TradeExecution{Error: recovered("TradeRouter.ExecuteTrade", r)}
		}
	}()

	exec, err := o.router.ExecuteTrade(ctx, order)
	if err != nil {
		slog.Warn("treasury: trade execution failed", "asset", order.Asset, "side", order.Side, "err", err)
		return domain.TradeExecution{Error: err.Error()}
	}
	return exec
}

func (o *Orchestrator) staleBalance(r domain.BalanceReading) (domain.Validation, bool) {
	if r.Stale {
		return domain.Reject(domain.CheckBalance, "Active wallet balance is stale: %s", r.Err), true
	}
	if o.cfg.MaxBalanceAge > 0 {
		if age := r.Age(o.Clock()); age > o.cfg.MaxBalanceAge {
			return domain.Reject(domain.CheckBalance, "Active wallet balance is %s old", age.Truncate(time.Second)), true
		}
	}
	return domain.Validation{}, false
}

// ─── Rebalancing ─────────────────────────────────────────────────────────────

// Rebalance plans transfers toward target allocation. Legs out of multisig
// wallets are only ever proposed and are listed in RequiresApproval.
func (o *Orchestrator) Rebalance(ctx context.Context, dryRun bool) (res RebalanceResult) {
	defer func() {
		if r := recover(); r != nil {
			res = RebalanceResult{DryRun: dryRun, Error: recovered("Rebalance", r)}
		}
	}()

	res.DryRun = dryRun
	if !dryRun {
		if !o.ready.Load() {
			res.Error = ErrNotReady.Error()
			return res
		}
		if err := o.permit.Acquire(ctx, 1); err != nil {
			res.Error = fmt.Sprintf("waiting for execution permit: %v", err)
			return res
		}
		defer o.permit.Release(1)
	}

	statuses, total := o.alloc.CheckAllocation(ctx)
	for _, s := range statuses {
		if s.Stale {
			res.Error = fmt.Sprintf("%s balance is stale, refusing to plan a rebalance", s.Role)
			return res
		}
	}
	res.Instructions = domain.PlanRebalance(statuses, total)
	for _, in := range res.Instructions {
		if in.RequiresMultisig {
			res.RequiresApproval = append(res.RequiresApproval, in)
		}
	}

	if dryRun || len(res.Instructions) == 0 {
		res.Success = true
		return res
	}

	failed := 0
	for _, in := range res.Instructions {
		memo := fmt.Sprintf("rebalance:%s->%s", in.From, in.To)
		tr := o.alloc.ExecuteTransfer(ctx, in.From, in.ToAddress, in.Amount, memo)
		res.Transfers = append(res.Transfers, tr)
		o.metrics.TransferCompleted(tr.Outcome)

		switch tr.Outcome {
		case domain.TransferFailed:
			failed++
		case domain.TransferProposed:
			o.notifyApproval(ctx, tr)
		}
	}
	res.Success = failed == 0
	if failed > 0 {
		res.Error = fmt.Sprintf("%d of %d transfers failed", failed, len(res.Instructions))
	}

	slog.Info("treasury: rebalance executed",
		"instructions", len(res.Instructions),
		"requires_approval", len(res.RequiresApproval),
		"failed", failed,
	)
	return res
}

// ─── Distribution ────────────────────────────────────────────────────────────

// DistributeProfits sweeps the profit wallet (or amount, when > 0).
func (o *Orchestrator) DistributeProfits(ctx context.Context, amount int64, dryRun bool) (res DistributionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = DistributionResult{DryRun: dryRun, Error: recovered("DistributeProfits", r)}
		}
	}()

	res.DryRun = dryRun
	if !dryRun && !o.ready.Load() {
		res.Error = ErrNotReady.Error()
		return res
	}

	d, err := o.dist.ExecuteDistribution(ctx, amount, dryRun)
	res.Distribution = d
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, l := range d.Legs {
		if l.Outcome == domain.TransferProposed {
			o.notifyApproval(ctx, domain.TransferResult{
				Outcome:    l.Outcome,
				From:       domain.RoleProfit,
				ToAddress:  l.Address,
				Amount:     l.Amount,
				ProposalID: l.ConfirmationID,
			})
		}
	}
	res.Success = dryRun || d.Status != domain.DistributionFailed
	res.Error = d.Error
	return res
}

// ─── Breaker control ─────────────────────────────────────────────────────────

// EmergencyStop halts trading. It works before Init and clears any manual
// override so the stop is always effective.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string) (res OpResult) {
	defer func() {
		if r := recover(); r != nil {
			res = OpResult{Error: recovered("EmergencyStop", r)}
		}
	}()

	if reason == "" {
		reason = "Manual emergency stop"
	}
	// Both run regardless so trading halts in memory even if storage is down.
	err := errors.Join(o.risk.ClearOverride(ctx), o.risk.Trip(ctx, reason))
	slog.Error("treasury: EMERGENCY STOP", "reason", reason)
	if err != nil {
		slog.Error("treasury: emergency stop not persisted, breaker will not survive a restart", "err", err)
		return OpResult{
			Message: "trading halted in memory only: " + reason,
			Error:   err.Error(),
		}
	}
	return OpResult{Success: true, Message: "trading halted: " + reason}
}

// ResumeTrading closes the breaker. override lets trading through future trips
// until the next emergency stop.
func (o *Orchestrator) ResumeTrading(ctx context.Context, override bool) (res OpResult) {
	defer func() {
		if r := recover(); r != nil {
			res = OpResult{Error: recovered("ResumeTrading", r)}
		}
	}()

	if !o.ready.Load() {
		return OpResult{Error: ErrNotReady.Error()}
	}
	if err := o.risk.Reset(ctx, override); err != nil {
		return OpResult{Message: "trading resumed in memory only", Error: err.Error()}
	}
	msg := "trading resumed"
	if override {
		msg += " with manual override"
	}
	return OpResult{Success: true, Message: msg}
}

// RollPeriods re-seeds loss-period starting balances from the Active wallet
// when a UTC day, week or month has ended. A stale reading is skipped.
func (o *Orchestrator) RollPeriods(ctx context.Context) ([]domain.Period, error) {
	if !o.ready.Load() {
		return nil, ErrNotReady
	}
	reading, err := o.alloc.GetBalance(ctx, domain.RoleActive)
	if err != nil {
		return nil, fmt.Errorf("treasury.RollPeriods: %w", err)
	}
	if reading.Stale {
		return nil, fmt.Errorf("treasury.RollPeriods: active balance is stale: %s", reading.Err)
	}
	return o.risk.RollPeriods(ctx, reading.Native)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status collects allocation, risk and distribution state.
func (o *Orchestrator) Status(ctx context.Context) Status {
	statuses, total := o.alloc.CheckAllocation(ctx)
	return Status{
		Ready:            o.ready.Load(),
		Allocation:       statuses,
		TotalValue:       total,
		NeedsRebalance:   domain.NeedsRebalance(statuses, o.cfg.RebalanceThreshold),
		Risk:             o.risk.Status(ctx),
		LastDistribution: o.dist.LastDistribution(),
		DistributionDue:  o.dist.IsDistributionDue(),
	}
}

// ─── Notifications ───────────────────────────────────────────────────────────

func (o *Orchestrator) notifyTrip(ctx context.Context, reason string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.BreakerTripped(ctx, reason); err != nil {
		slog.Warn("treasury: breaker notification failed", "err", err)
	}
}

func (o *Orchestrator) notifyApproval(ctx context.Context, tr domain.TransferResult) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.ApprovalRequired(ctx, tr); err != nil {
		slog.Warn("treasury: approval notification failed", "proposal_id", tr.ProposalID, "err", err)
	}
}

func recovered(op string, r any) string {
	slog.Error("treasury: panic recovered",
		"op", op,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	return fmt.Sprintf("internal error in %s: %v", op, r)
}
