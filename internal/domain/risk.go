package domain

import (
	"fmt"
	"time"
)

// RiskLimits is the codified set of trading limits. Percentages are fractions (0.05 = 5%).
type RiskLimits struct {
	MaxPositionSizePct   float64
	MaxTotalExposurePct  float64
	MaxSingleAssetPct    float64
	MaxDailyLossPct      float64
	MaxWeeklyLossPct     float64
	MaxMonthlyLossPct    float64
	MaxTradesPerDay      int
	MaxTradesPerHour     int
	MinTradeInterval     time.Duration
	MaxSlippageBps       int
	MaxPriceImpactPct    float64 // percent units, as reported by routers (1.5 = 1.5%)
	MaxConsecutiveLosses int
	AutoResetAfter       time.Duration // 0 disables automatic half-open
}

// DefaultRiskLimits returns conservative limits for a fresh treasury.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSizePct:   0.25,
		MaxTotalExposurePct:  0.50,
		MaxSingleAssetPct:    0.25,
		MaxDailyLossPct:      0.05,
		MaxWeeklyLossPct:     0.10,
		MaxMonthlyLossPct:    0.20,
		MaxTradesPerDay:      50,
		MaxTradesPerHour:     10,
		MinTradeInterval:     time.Minute,
		MaxSlippageBps:       100,
		MaxPriceImpactPct:    3.0,
		MaxConsecutiveLosses: 3,
		AutoResetAfter:       24 * time.Hour,
	}
}

// Validate only checks that no limit is negative; fields are not cross-checked.
func (l RiskLimits) Validate() error {
	floats := map[string]float64{
		"max_position_size_pct":  l.MaxPositionSizePct,
		"max_total_exposure_pct": l.MaxTotalExposurePct,
		"max_single_asset_pct":   l.MaxSingleAssetPct,
		"max_daily_loss_pct":     l.MaxDailyLossPct,
		"max_weekly_loss_pct":    l.MaxWeeklyLossPct,
		"max_monthly_loss_pct":   l.MaxMonthlyLossPct,
		"max_price_impact_pct":   l.MaxPriceImpactPct,
	}
	for name, v := range floats {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConfig, name)
		}
	}
	if l.MaxTradesPerDay < 0 || l.MaxTradesPerHour < 0 || l.MaxSlippageBps < 0 || l.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("%w: negative trade count limit", ErrInvalidConfig)
	}
	if l.MinTradeInterval < 0 || l.AutoResetAfter < 0 {
		return fmt.Errorf("%w: negative duration limit", ErrInvalidConfig)
	}
	return nil
}

// ─── Circuit breaker ─────────────────────────────────────────────────────────

// CircuitState is the breaker's state machine position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"    // normal
	CircuitOpen     CircuitState = "open"      // trading blocked
	CircuitHalfOpen CircuitState = "half_open" // probation, trading allowed
)

// CircuitBreaker halts trading after adverse conditions.
//
// Closed → Open on Trip. Open → HalfOpen lazily once AutoResetAfter has
// elapsed since TriggeredAt. HalfOpen → Closed only through Reset.
type CircuitBreaker struct {
	State                CircuitState
	TriggerReason        string
	TriggeredAt          time.Time
	ConsecutiveLosses    int
	MaxConsecutiveLosses int
	AutoResetAfter       time.Duration
	ManualOverride       bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(maxLosses int, autoReset time.Duration) CircuitBreaker {
	return CircuitBreaker{
		State:                CircuitClosed,
		MaxConsecutiveLosses: maxLosses,
		AutoResetAfter:       autoReset,
	}
}

// Trip opens the breaker.
func (cb *CircuitBreaker) Trip(reason string, now time.Time) {
	cb.State = CircuitOpen
	cb.TriggeredAt = now
	cb.TriggerReason = reason
}

// Reset closes the breaker from any state and clears the loss counter.
// manual sets the override flag, which lets trading through even if tripped later.
func (cb *CircuitBreaker) Reset(manual bool) {
	cb.State = CircuitClosed
	cb.TriggeredAt = time.Time{}
	cb.TriggerReason = ""
	cb.ConsecutiveLosses = 0
	cb.ManualOverride = manual
}

// Evaluate applies the lazy Open → HalfOpen transition and reports whether
// trading is allowed and whether the state changed.
func (cb *CircuitBreaker) Evaluate(now time.Time) (allowed, transitioned bool) {
	if cb.State == CircuitOpen && cb.AutoResetAfter > 0 && !cb.TriggeredAt.IsZero() {
		if now.Sub(cb.TriggeredAt) > cb.AutoResetAfter {
			cb.State = CircuitHalfOpen
			transitioned = true
		}
	}
	if cb.ManualOverride {
		return true, transitioned
	}
	return cb.State == CircuitClosed || cb.State == CircuitHalfOpen, transitioned
}

// IsTradingAllowed is Evaluate without the transition flag.
func (cb *CircuitBreaker) IsTradingAllowed(now time.Time) bool {
	allowed, _ := cb.Evaluate(now)
	return allowed
}

// RecordLoss counts a losing sell and trips once the threshold is reached.
func (cb *CircuitBreaker) RecordLoss(now time.Time) (tripped bool) {
	cb.ConsecutiveLosses++
	if cb.MaxConsecutiveLosses > 0 && cb.ConsecutiveLosses >= cb.MaxConsecutiveLosses {
		cb.Trip(fmt.Sprintf("%d consecutive losses", cb.ConsecutiveLosses), now)
		return true
	}
	return false
}

// RecordWin resets the consecutive loss counter.
func (cb *CircuitBreaker) RecordWin() {
	cb.ConsecutiveLosses = 0
}

// ─── Trades ──────────────────────────────────────────────────────────────────

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown trade side %q", s)
}

// TradeRecord is an immutable ledger entry.
type TradeRecord struct {
	ID             string // ULID, time-sortable
	Timestamp      time.Time
	Asset          string
	Side           Side
	AmountIn       int64
	AmountOut      int64
	PnL            int64
	Success        bool
	ConfirmationID string
}

// RealizedPnL is amountOut − amountIn for successful sells and 0 otherwise.
// Buys carry no PnL until the position is sold.
func RealizedPnL(side Side, amountIn, amountOut int64, success bool) int64 {
	if side != SideSell || !success {
		return 0
	}
	return amountOut - amountIn
}

// ─── Validation ──────────────────────────────────────────────────────────────

// RiskCheck names the validation step that rejected a trade.
type RiskCheck string

const (
	CheckNone           RiskCheck = ""
	CheckCircuitBreaker RiskCheck = "circuit_breaker"
	CheckTradeInterval  RiskCheck = "trade_interval"
	CheckPositionSize   RiskCheck = "position_size"
	CheckTotalExposure  RiskCheck = "total_exposure"
	CheckSingleAsset    RiskCheck = "single_asset"
	CheckPriceImpact    RiskCheck = "price_impact"
	CheckDailyTrades    RiskCheck = "daily_trades"
	CheckHourlyTrades   RiskCheck = "hourly_trades"
	CheckLossLimit      RiskCheck = "loss_limit"
	CheckBalance        RiskCheck = "balance"
	CheckInput          RiskCheck = "input"
)

// Validation is the structured result of validateTrade.
type Validation struct {
	Allowed bool
	Check   RiskCheck
	Reason  string
}

// Approve returns a passing validation.
func Approve() Validation {
	return Validation{Allowed: true}
}

// Reject returns a failing validation for check.
func Reject(check RiskCheck, format string, args ...any) Validation {
	return Validation{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// ─── Periods ─────────────────────────────────────────────────────────────────

// Period is a loss-tracking window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Periods lists the tracked windows in check order.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// Window is the trailing duration used for PnL aggregation.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodWeekly:
		return 168 * time.Hour
	case PeriodMonthly:
		return 720 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Start returns the UTC calendar start of the period containing t:
// midnight, Monday midnight, or the first of the month.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// PnLSummary aggregates successful trades over a period window.
type PnLSummary struct {
	Period        Period
	TotalPnL      int64
	TradeCount    int
	WinningTrades int
	WinRate       float64
}

// RiskState is the single persisted record for breaker and risk status.
type RiskState struct {
	Breaker          CircuitBreaker
	Positions        map[string]int64
	LastTradeAt      time.Time
	StartingBalances map[Period]int64
	PeriodStarts     map[Period]time.Time
	UpdatedAt        time.Time
}

// RiskStatus is a read-only snapshot for reporting.
type RiskStatus struct {
	Limits           RiskLimits
	Breaker          CircuitBreaker
	TradingAllowed   bool
	Positions        map[string]int64
	TotalExposure    int64
	LastTradeAt      time.Time
	StartingBalances map[Period]int64
	Daily            PnLSummary
	Weekly           PnLSummary
}
