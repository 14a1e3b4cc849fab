package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// AllocationEpsilon is the tolerance for target percentages summing to 1.0.
const AllocationEpsilon = 1e-3

// DefaultRebalanceThreshold is the deviation above which a wallet needs rebalancing.
const DefaultRebalanceThreshold = 0.05

// AllocationTarget is the desired share of total treasury value for a wallet.
type AllocationTarget struct {
	TargetPct        float64
	MinBalance       int64 // 0 = no lower bound
	MaxBalance       int64 // 0 = no upper bound
	RequiresMultisig bool  // moves out of this wallet need multisig approval
}

// Validate checks a single target in isolation.
func (t AllocationTarget) Validate() error {
	if t.TargetPct < 0 || t.TargetPct > 1 {
		return fmt.Errorf("%w: target pct %.4f outside [0,1]", ErrInvalidConfig, t.TargetPct)
	}
	if t.MinBalance < 0 || t.MaxBalance < 0 {
		return fmt.Errorf("%w: negative balance bound", ErrInvalidConfig)
	}
	if t.MaxBalance > 0 && t.MinBalance > t.MaxBalance {
		return fmt.Errorf("%w: min balance %d above max balance %d", ErrInvalidConfig, t.MinBalance, t.MaxBalance)
	}
	return nil
}

// ValidateTargetSum rejects target sets that do not add up to 1.0.
func ValidateTargetSum(pcts []float64) error {
	sum := 0.0
	for _, p := range pcts {
		sum += p
	}
	if math.Abs(sum-1.0) > AllocationEpsilon {
		return fmt.Errorf("%w: allocation targets sum to %.4f, want 1.0", ErrInvalidConfig, sum)
	}
	return nil
}

// Holding is one wallet's balance paired with its target, in registration order.
type Holding struct {
	Role    Role
	Address string
	Balance int64
	Stale   bool
	Target  AllocationTarget
}

// AllocationStatus is the per-wallet result of checkAllocation.
type AllocationStatus struct {
	Role             Role
	Address          string
	CurrentBalance   int64
	CurrentPct       float64
	TargetPct        float64
	Deviation        float64 // CurrentPct - TargetPct
	Stale            bool
	BelowMin         bool
	AboveMax         bool
	RequiresMultisig bool
}

// ComputeAllocation derives current shares and deviations from balances.
func ComputeAllocation(holdings []Holding) ([]AllocationStatus, int64) {
	var total int64
	for _, h := range holdings {
		total += h.Balance
	}

	out := make([]AllocationStatus, 0, len(holdings))
	for _, h := range holdings {
		pct := 0.0
		if total > 0 {
			pct = float64(h.Balance) / float64(total)
		}
		out = append(out, AllocationStatus{
			Role:             h.Role,
			Address:          h.Address,
			CurrentBalance:   h.Balance,
			CurrentPct:       pct,
			TargetPct:        h.Target.TargetPct,
			Deviation:        pct - h.Target.TargetPct,
			Stale:            h.Stale,
			BelowMin:         h.Target.MinBalance > 0 && h.Balance < h.Target.MinBalance,
			AboveMax:         h.Target.MaxBalance > 0 && h.Balance > h.Target.MaxBalance,
			RequiresMultisig: h.Target.RequiresMultisig,
		})
	}
	return out, total
}

// NeedsRebalance reports whether any |deviation| exceeds threshold.
func NeedsRebalance(statuses []AllocationStatus, threshold float64) bool {
	for _, s := range statuses {
		if math.Abs(s.Deviation) > threshold {
			return true
		}
	}
	return false
}

// RebalanceInstruction is one proposed transfer between wallets.
type RebalanceInstruction struct {
	From             Role
	To               Role
	ToAddress        string
	Amount           int64
	RequiresMultisig bool
}

// TargetAmount is floor(total × pct), computed exactly.
func TargetAmount(total int64, pct float64) int64 {
	return decimal.NewFromInt(total).Mul(decimal.NewFromFloat(pct)).Floor().IntPart()
}

// PlanRebalance matches senders (positive deviation) against receivers
// (negative deviation) greedily in registration order. A sender never gives
// more than its excess and a receiver never gets more than its deficit.
func PlanRebalance(statuses []AllocationStatus, total int64) []RebalanceInstruction {
	type side struct {
		status AllocationStatus
		amount int64
	}

	var senders, receivers []side
	for _, s := range statuses {
		delta := s.CurrentBalance - TargetAmount(total, s.TargetPct)
		switch {
		case s.Deviation > 0 && delta > 0:
			senders = append(senders, side{status: s, amount: delta})
		case s.Deviation < 0 && delta < 0:
			receivers = append(receivers, side{status: s, amount: -delta})
		}
	}

	var plan []RebalanceInstruction
	i, j := 0, 0
	for i < len(senders) && j < len(receivers) {
		move := min(senders[i].amount, receivers[j].amount)
		if move > 0 {
			plan = append(plan, RebalanceInstruction{
				From:             senders[i].status.Role,
				To:               receivers[j].status.Role,
				ToAddress:        receivers[j].status.Address,
				Amount:           move,
				RequiresMultisig: senders[i].status.RequiresMultisig,
			})
		}
		senders[i].amount -= move
		receivers[j].amount -= move
		if senders[i].amount == 0 {
			i++
		}
		if receivers[j].amount == 0 {
			j++
		}
	}
	return plan
}
