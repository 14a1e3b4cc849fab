package ports

import "github.com/alejandrodnm/treasury/internal/domain"

// Metrics receives treasury events for observability.
type Metrics interface {
	TradeExecuted(side domain.Side, success bool)
	TradeRejected(check domain.RiskCheck)
	BreakerChanged(state domain.CircuitState)
	BreakerTripped()
	TransferCompleted(outcome domain.TransferOutcome)
	DistributionFinished(status domain.DistributionStatus, distributed int64)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) TradeExecuted(domain.Side, bool)                        {}
func (NopMetrics) TradeRejected(domain.RiskCheck)                         {}
func (NopMetrics) BreakerChanged(domain.CircuitState)                     {}
func (NopMetrics) BreakerTripped()                                        {}
func (NopMetrics) TransferCompleted(domain.TransferOutcome)               {}
func (NopMetrics) DistributionFinished(domain.DistributionStatus, int64) {}
