// Package metrics exports treasury counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/treasury/internal/domain"
)

const namespace = "treasury"

// Prometheus implements ports.Metrics.
type Prometheus struct {
	trades        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  prometheus.Counter
	transfers     *prometheus.CounterVec
	distributions *prometheus.CounterVec
	distributed   prometheus.Counter
}

// New creates the collectors and registers them on reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "trades_total",
			Help:      "Trades executed, by side and outcome.",
		}, []string{"side", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "trade_rejections_total",
			Help:      "Trades rejected before execution, by failing check.",
		}, []string{"check"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "circuit_breaker_state",
			Help:      "1 for the breaker's current state, 0 otherwise.",
		}, []string{"state"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "circuit_breaker_trips_total",
			Help:      "Times the circuit breaker opened.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "transfers_total",
			Help:      "Transfers by outcome.",
		}, []string{"outcome"}),
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "runs_total",
			Help:      "Executed distributions by final status.",
		}, []string{"status"}),
		distributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "distributed_total",
			Help:      "Native units confirmed to destinations.",
		}),
	}
	reg.MustRegister(p.trades, p.rejections, p.breakerState, p.breakerTrips,
		p.transfers, p.distributions, p.distributed)
	p.BreakerChanged(domain.CircuitClosed)
	return p
}

func (p *Prometheus) TradeExecuted(side domain.Side, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.trades.WithLabelValues(string(side), outcome).Inc()
}

func (p *Prometheus) TradeRejected(check domain.RiskCheck) {
	p.rejections.WithLabelValues(string(check)).Inc()
}

func (p *Prometheus) BreakerChanged(state domain.CircuitState) {
	for _, s := range []domain.CircuitState{domain.CircuitClosed, domain.CircuitOpen, domain.CircuitHalfOpen} {
		v := 0.0
		if s == state {
			v = 1
		}
		p.breakerState.WithLabelValues(string(s)).Set(v)
	}
}

func (p *Prometheus) BreakerTripped() { p.breakerTrips.Inc() }

func (p *Prometheus) TransferCompleted(outcome domain.TransferOutcome) {
	p.transfers.WithLabelValues(string(outcome)).Inc()
}

func (p *Prometheus) DistributionFinished(status domain.DistributionStatus, distributed int64) {
	p.distributions.WithLabelValues(string(status)).Inc()
	if distributed > 0 {
		p.distributed.Add(float64(distributed))
	}
}
