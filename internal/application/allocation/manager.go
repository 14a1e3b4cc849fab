// Package allocation owns the wallet registry, balance cache and rebalancing plan.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

// transferNamespace seeds deterministic idempotency keys.
var transferNamespace = uuid.MustParse("6f1c2b0e-5d0a-4c8e-9a57-3b1f0e2d7c44")

// Registry holds one wallet per role, in registration order.
type Registry struct {
	order   []domain.Role
	wallets map[domain.Role]domain.Wallet
	targets map[domain.Role]domain.AllocationTarget
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		wallets: make(map[domain.Role]domain.Wallet),
		targets: make(map[domain.Role]domain.AllocationTarget),
	}
}

// Register adds a wallet. A second wallet for the same role is rejected.
func (r *Registry) Register(w domain.Wallet, t domain.AllocationTarget) error {
	if _, err := domain.ParseRole(string(w.Role)); err != nil {
		return err
	}
	if _, dup := r.wallets[w.Role]; dup {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRole, w.Role)
	}
	if w.Address == "" {
		return fmt.Errorf("%w: wallet %s has no address", domain.ErrInvalidConfig, w.Role)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("wallet %s: %w", w.Role, err)
	}
	if t.RequiresMultisig && (w.Multisig == nil || w.Multisig.Threshold <= 0 || len(w.Multisig.Signers) < w.Multisig.Threshold) {
		return fmt.Errorf("%w: wallet %s requires multisig but has no valid signer set", domain.ErrInvalidConfig, w.Role)
	}
	r.order = append(r.order, w.Role)
	r.wallets[w.Role] = w
	r.targets[w.Role] = t
	return nil
}

// Roles returns registered roles in registration order.
func (r *Registry) Roles() []domain.Role {
	return append([]domain.Role(nil), r.order...)
}

// Wallet returns the wallet registered for role.
func (r *Registry) Wallet(role domain.Role) (domain.Wallet, bool) {
	w, ok := r.wallets[role]
	return w, ok
}

// Target returns the allocation target for role.
func (r *Registry) Target(role domain.Role) (domain.AllocationTarget, bool) {
	t, ok := r.targets[role]
	return t, ok
}

// Config holds allocation manager settings.
type Config struct {
	RefreshWorkers int           // <= 0 → one worker per wallet
	FetchTimeout   time.Duration // per balance call; 0 = caller's context only
}

// Manager computes allocation and executes wallet transfers.
// It is the only writer of the balance cache.
type Manager struct {
	reg      *Registry
	balances ports.BalanceProvider
	executor ports.TransferExecutor
	proposer ports.MultisigProposer
	cfg      Config

	// Clock is injectable for tests.
	Clock func() time.Time

	mu    sync.RWMutex
	cache map[domain.Role]domain.BalanceReading
}

// NewManager validates the registry. Targets that do not sum to 1.0 are a
// configuration error here, not at first use.
func NewManager(
	reg *Registry,
	balances ports.BalanceProvider,
	executor ports.TransferExecutor,
	proposer ports.MultisigProposer,
	cfg Config,
) (*Manager, error) {
	if reg == nil || len(reg.order) == 0 {
		return nil, fmt.Errorf("allocation.NewManager: %w: no wallets registered", domain.ErrInvalidConfig)
	}
	pcts := make([]float64, 0, len(reg.order))
	for _, role := range reg.order {
		pcts = append(pcts, reg.targets[role].TargetPct)
	}
	if err := domain.ValidateTargetSum(pcts); err != nil {
		return nil, fmt.Errorf("allocation.NewManager: %w", err)
	}
	if balances == nil {
		return nil, fmt.Errorf("allocation.NewManager: %w: balance provider is required", domain.ErrInvalidConfig)
	}
	return &Manager{
		reg:      reg,
		balances: balances,
		executor: executor,
		proposer: proposer,
		cfg:      cfg,
		Clock:    func() time.Time { return time.Now().UTC() },
		cache:    make(map[domain.Role]domain.BalanceReading, len(reg.order)),
	}, nil
}

// Registry exposes the (read-only after construction) wallet registry.
func (m *Manager) Registry() *Registry { return m.reg }

// GetBalance fetches the balance for role. When the provider fails it returns
// the last cached reading marked Stale instead of an error; an error is only
// returned for an unknown role.
func (m *Manager) GetBalance(ctx context.Context, role domain.Role) (domain.BalanceReading, error) {
	w, ok := m.reg.Wallet(role)
	if !ok {
		return domain.BalanceReading{}, fmt.Errorf("allocation.GetBalance: %w: %s", domain.ErrUnknownRole, role)
	}

	fetchCtx := ctx
	if m.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
	}

	bal, err := m.balances.FetchBalance(fetchCtx, w.Address)
	if err != nil {
		m.mu.RLock()
		cached, had := m.cache[role]
		m.mu.RUnlock()
		if !had {
			cached = domain.BalanceReading{Role: role, Address: w.Address}
		}
		cached.Stale = true
		cached.Err = err.Error()
		slog.Warn("allocation: balance fetch failed, using cached value",
			"role", role,
			"cached", cached.Native,
			"cached_at", cached.FetchedAt,
			"err", err,
		)
		return cached, nil
	}

	reading := domain.BalanceReading{
		Role:      role,
		Address:   w.Address,
		Native:    bal.Native,
		Assets:    bal.Assets,
		FetchedAt: m.Clock(),
	}
	m.mu.Lock()
	m.cache[role] = reading
	m.mu.Unlock()
	return reading, nil
}

// Cached returns the last successful reading for role, without I/O.
func (m *Manager) Cached(role domain.Role) (domain.BalanceReading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.cache[role]
	return r, ok
}

// RefreshAll fetches every wallet balance concurrently and returns the
// readings in registration order.
func (m *Manager) RefreshAll(ctx context.Context) []domain.BalanceReading {
	roles := m.reg.Roles()
	workers := m.cfg.RefreshWorkers
	if workers <= 0 || workers > len(roles) {
		workers = len(roles)
	}

	type result struct {
		idx     int
		reading domain.BalanceReading
	}

	workCh := make(chan int, len(roles))
	resultCh := make(chan result, len(roles))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				// Role is registered, so GetBalance cannot fail.
				r, _ := m.GetBalance(ctx, roles[idx])
				resultCh <- result{idx: idx, reading: r}
			}
		}()
	}

	for i := range roles {
		workCh <- i
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	readings := make([]domain.BalanceReading, len(roles))
	stale := 0
	for res := range resultCh {
		readings[res.idx] = res.reading
		if res.reading.Stale {
			stale++
		}
	}

	slog.Debug("allocation: balances refreshed",
		"wallets", len(roles),
		"stale", stale,
		"workers", workers,
	)
	return readings
}

// CheckAllocation refreshes balances and reports current vs target share per wallet.
func (m *Manager) CheckAllocation(ctx context.Context) ([]domain.AllocationStatus, int64) {
	readings := m.RefreshAll(ctx)
	holdings := make([]domain.Holding, 0, len(readings))
	for _, r := range readings {
		t, _ := m.reg.Target(r.Role)
		holdings = append(holdings, domain.Holding{
			Role:    r.Role,
			Address: r.Address,
			Balance: r.Native,
			Stale:   r.Stale,
			Target:  t,
		})
	}
	return domain.ComputeAllocation(holdings)
}

// NeedsRebalance reports whether any wallet deviates more than threshold.
// threshold <= 0 uses domain.DefaultRebalanceThreshold.
func (m *Manager) NeedsRebalance(ctx context.Context, threshold float64) bool {
	if threshold <= 0 {
		threshold = domain.DefaultRebalanceThreshold
	}
	statuses, _ := m.CheckAllocation(ctx)
	return domain.NeedsRebalance(statuses, threshold)
}

// CalculateRebalance returns the greedy transfer plan for current balances.
func (m *Manager) CalculateRebalance(ctx context.Context) []domain.RebalanceInstruction {
	statuses, total := m.CheckAllocation(ctx)
	return domain.PlanRebalance(statuses, total)
}

// IdempotencyKey derives a stable key for (from, to, amount, memo).
func IdempotencyKey(from, to string, amount int64, memo string) string {
	name := fmt.Sprintf("%s|%s|%d|%s", from, to, amount, memo)
	return uuid.NewSHA1(transferNamespace, []byte(name)).String()
}

// ExecuteTransfer moves amount from the wallet registered for fromRole.
//
// If the source target requires multisig a proposal is created and the result
// is PROPOSED: funds did not move. Otherwise the hot-wallet executor submits
// the transfer and the result is CONFIRMED or FAILED. Provider failures are
// never retried here.
func (m *Manager) ExecuteTransfer(ctx context.Context, fromRole domain.Role, toAddress string, amount int64, memo string) domain.TransferResult {
	res := domain.TransferResult{
		Outcome:   domain.TransferFailed,
		From:      fromRole,
		ToAddress: toAddress,
		Amount:    amount,
		Memo:      memo,
	}

	w, ok := m.reg.Wallet(fromRole)
	if !ok {
		res.Error = fmt.Sprintf("%s: %s", domain.ErrUnknownRole, fromRole)
		return res
	}
	if amount <= 0 {
		res.Error = fmt.Sprintf("invalid amount %d", amount)
		return res
	}
	if toAddress == "" {
		res.Error = "destination address is empty"
		return res
	}
	target, _ := m.reg.Target(fromRole)

	res.IdempotencyKey = IdempotencyKey(w.Address, toAddress, amount, memo)
	req := domain.TransferRequest{
		From:           w,
		ToAddress:      toAddress,
		Amount:         amount,
		Memo:           memo,
		IdempotencyKey: res.IdempotencyKey,
	}

	if target.RequiresMultisig {
		if m.proposer == nil {
			res.Error = "multisig proposer not configured"
			return res
		}
		proposalID, err := m.proposer.ProposeTransfer(ctx, req)
		if err != nil {
			res.Error = err.Error()
			slog.Warn("allocation: multisig proposal failed", "from", fromRole, "amount", amount, "err", err)
			return res
		}
		res.Outcome = domain.TransferProposed
		res.ProposalID = proposalID
		slog.Info("allocation: multisig proposal created",
			"from", fromRole,
			"to", toAddress,
			"amount", amount,
			"proposal_id", proposalID,
		)
		return res
	}

	if target.MinBalance > 0 {
		reading, _ := m.GetBalance(ctx, fromRole)
		if reading.Stale {
			res.Error = fmt.Sprintf("cannot verify %s minimum balance: balance is stale", fromRole)
			return res
		}
		if reading.Native-amount < target.MinBalance {
			res.Error = fmt.Sprintf("transfer would leave %s at %d, below minimum %d",
				fromRole, reading.Native-amount, target.MinBalance)
			return res
		}
	}

	if m.executor == nil {
		res.Error = "transfer executor not configured"
		return res
	}
	sig, err := m.executor.Transfer(ctx, req)
	if err != nil {
		res.Error = err.Error()
		slog.Warn("allocation: transfer failed", "from", fromRole, "to", toAddress, "amount", amount, "err", err)
		return res
	}
	res.Outcome = domain.TransferConfirmed
	res.ConfirmationID = sig
	slog.Info("allocation: transfer confirmed",
		"from", fromRole,
		"to", toAddress,
		"amount", amount,
		"confirmation_id", sig,
	)
	return res
}
