package treasury

import (
	"time"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// TradeRequest is what callers ask the treasury to execute.
type TradeRequest struct {
	Asset          string
	Side           domain.Side
	Amount         int64
	MaxSlippageBps int     // <= 0 uses the risk limit
	PriceImpactPct float64 // quoted by the router before execution
}

// TradeResult is the structured outcome of ExecuteTrade.
// Rejected trades never reach the router and have no Record.
type TradeResult struct {
	Success    bool
	Rejected   bool
	Validation domain.Validation
	Execution  domain.TradeExecution
	Record     *domain.TradeRecord
	Error      string
}

// RebalanceResult is the structured outcome of Rebalance.
type RebalanceResult struct {
	Success          bool
	DryRun           bool
	Instructions     []domain.RebalanceInstruction
	RequiresApproval []domain.RebalanceInstruction // multisig legs, never executed directly
	Transfers        []domain.TransferResult
	Error            string
}

// DistributionResult is the structured outcome of DistributeProfits.
type DistributionResult struct {
	Success      bool
	DryRun       bool
	Distribution domain.Distribution
	Error        string
}

// OpResult is the outcome of breaker control operations.
type OpResult struct {
	Success bool
	Message string
	Error   string
}

// Status is a full treasury snapshot.
type Status struct {
	Ready            bool
	Allocation       []domain.AllocationStatus
	TotalValue       int64
	NeedsRebalance   bool
	Risk             domain.RiskStatus
	LastDistribution time.Time
	DistributionDue  bool
}
