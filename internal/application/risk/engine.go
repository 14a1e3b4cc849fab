// Package risk validates trades against codified limits and owns the circuit breaker.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/id"
	"github.com/alejandrodnm/treasury/internal/ports"
)

// Engine is the single writer of the breaker, the position map and the trade ledger.
// All state mutation happens under mu; the only I/O inside the critical
// section is the local state store.
type Engine struct {
	limits  domain.RiskLimits
	store   ports.RiskStorage
	metrics ports.Metrics

	// Clock is injectable for tests.
	Clock func() time.Time

	// OnTrip, if set, is called after the breaker opens. It runs outside the lock.
	OnTrip func(ctx context.Context, reason string)

	mu     sync.Mutex
	state  domain.RiskState
	recent []time.Time // ledger timestamps within the last 24h, oldest first
}

// NewEngine builds an engine and reloads breaker, positions and loss-period
// state from store, so a restart cannot silently clear a tripped breaker.
func NewEngine(ctx context.Context, limits domain.RiskLimits, store ports.RiskStorage, m ports.Metrics) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("risk.NewEngine: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("risk.NewEngine: %w: storage is required", domain.ErrInvalidConfig)
	}
	if m == nil {
		m = ports.NopMetrics{}
	}

	e := &Engine{
		limits:  limits,
		store:   store,
		metrics: m,
		Clock:   func() time.Time { return time.Now().UTC() },
	}

	st, ok, err := store.LoadRiskState(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk.NewEngine: load state: %w", err)
	}
	if !ok {
		st = domain.RiskState{
			Breaker: domain.NewCircuitBreaker(limits.MaxConsecutiveLosses, limits.AutoResetAfter),
		}
	}
	if st.Positions == nil {
		st.Positions = make(map[string]int64)
	}
	if st.StartingBalances == nil {
		st.StartingBalances = make(map[domain.Period]int64, len(domain.Periods))
	}
	if st.PeriodStarts == nil {
		st.PeriodStarts = make(map[domain.Period]time.Time, len(domain.Periods))
	}
	if st.Breaker.State == "" {
		st.Breaker.State = domain.CircuitClosed
	}
	// Thresholds come from configuration, counters from storage.
	st.Breaker.MaxConsecutiveLosses = limits.MaxConsecutiveLosses
	st.Breaker.AutoResetAfter = limits.AutoResetAfter
	e.state = st

	now := e.Clock()
	recent, err := store.TradesSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("risk.NewEngine: load recent trades: %w", err)
	}
	for _, r := range recent {
		e.recent = append(e.recent, r.Timestamp)
	}

	if ok {
		slog.Info("risk: state restored",
			"breaker", st.Breaker.State,
			"reason", st.Breaker.TriggerReason,
			"consecutive_losses", st.Breaker.ConsecutiveLosses,
			"positions", len(st.Positions),
			"trades_24h", len(e.recent),
		)
	}
	e.metrics.BreakerChanged(st.Breaker.State)
	return e, nil
}

// Limits returns the configured limits.
func (e *Engine) Limits() domain.RiskLimits { return e.limits }

// ─── Validation ──────────────────────────────────────────────────────────────

// ValidateTrade runs the ordered, short-circuiting risk checks. The loss-limit
// check trips the breaker when it fails.
func (e *Engine) ValidateTrade(
	ctx context.Context,
	asset string,
	side domain.Side,
	amount int64,
	currentBalance int64,
	priceImpactPct float64,
) domain.Validation {
	e.mu.Lock()
	now := e.Clock()
	v, tripped := e.validateLocked(ctx, now, asset, side, amount, currentBalance, priceImpactPct)
	e.mu.Unlock()

	if tripped != "" {
		e.afterTrip(ctx, tripped)
	}
	return v
}

func (e *Engine) validateLocked(
	ctx context.Context,
	now time.Time,
	asset string,
	side domain.Side,
	amount, balance int64,
	priceImpactPct float64,
) (v domain.Validation, tripped string) {
	l := e.limits

	// 1. Breaker
	if !e.evaluateBreakerLocked(ctx, now) {
		return domain.Reject(domain.CheckCircuitBreaker, "Circuit breaker active: %s", e.state.Breaker.TriggerReason), ""
	}

	if _, err := domain.ParseSide(string(side)); err != nil {
		return domain.Reject(domain.CheckInput, "%v", err), ""
	}
	if amount <= 0 {
		return domain.Reject(domain.CheckInput, "Invalid amount: %d", amount), ""
	}

	// 2. Interval
	if !e.state.LastTradeAt.IsZero() {
		elapsed := now.Sub(e.state.LastTradeAt)
		if elapsed < l.MinTradeInterval {
			return domain.Reject(domain.CheckTradeInterval, "Trade interval too short: %s < %s",
				elapsed.Truncate(time.Second), l.MinTradeInterval), ""
		}
	}

	// 3. Position size
	maxPosition := domain.TargetAmount(balance, l.MaxPositionSizePct)
	if amount > maxPosition {
		return domain.Reject(domain.CheckPositionSize, "Position size too large: %d > %d (%s%%)",
			amount, maxPosition, pctString(l.MaxPositionSizePct)), ""
	}

	if side == domain.SideBuy {
		// 4. Total exposure
		exposure := e.totalExposureLocked()
		maxExposure := domain.TargetAmount(balance, l.MaxTotalExposurePct)
		if exposure+amount > maxExposure {
			return domain.Reject(domain.CheckTotalExposure, "Total exposure exceeded: %d > %d",
				exposure+amount, maxExposure), ""
		}

		// 5. Single asset
		pos := e.state.Positions[asset]
		maxAsset := domain.TargetAmount(balance, l.MaxSingleAssetPct)
		if pos+amount > maxAsset {
			return domain.Reject(domain.CheckSingleAsset, "Single asset exposure exceeded: %d > %d",
				pos+amount, maxAsset), ""
		}
	}

	// 6. Price impact
	if priceImpactPct > l.MaxPriceImpactPct {
		return domain.Reject(domain.CheckPriceImpact, "Price impact too high: %.2f%% > %.2f%%",
			priceImpactPct, l.MaxPriceImpactPct), ""
	}

	// 7–8. Frequency
	day, hour := e.tradeCountsLocked(now)
	if day >= l.MaxTradesPerDay {
		return domain.Reject(domain.CheckDailyTrades, "Daily trade limit reached: %d", day), ""
	}
	if hour >= l.MaxTradesPerHour {
		return domain.Reject(domain.CheckHourlyTrades, "Hourly trade limit reached: %d", hour), ""
	}

	// 9. Loss limits
	for _, p := range domain.Periods {
		start := e.state.StartingBalances[p]
		if start <= 0 {
			continue
		}
		loss := float64(start-balance) / float64(start)
		if loss > e.lossLimit(p) {
			reason := fmt.Sprintf("%s loss limit: %.1f%%", periodTitle(p), loss*100)
			_ = e.tripLocked(ctx, reason, now) // logged by persistLocked; the breaker is open in memory
			return domain.Reject(domain.CheckLossLimit, "%s loss limit exceeded: %.1f%%", periodTitle(p), loss*100), reason
		}
	}

	return domain.Approve(), ""
}

func (e *Engine) lossLimit(p domain.Period) float64 {
	switch p {
	case domain.PeriodWeekly:
		return e.limits.MaxWeeklyLossPct
	case domain.PeriodMonthly:
		return e.limits.MaxMonthlyLossPct
	default:
		return e.limits.MaxDailyLossPct
	}
}

func (e *Engine) totalExposureLocked() int64 {
	var sum int64
	for _, v := range e.state.Positions {
		sum += v
	}
	return sum
}

// tradeCountsLocked prunes the 24h window and counts trades in the last day and hour.
func (e *Engine) tradeCountsLocked(now time.Time) (day, hour int) {
	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	keep := e.recent[:0]
	for _, ts := range e.recent {
		if ts.After(dayAgo) {
			keep = append(keep, ts)
		}
	}
	e.recent = keep

	for _, ts := range e.recent {
		day++
		if ts.After(hourAgo) {
			hour++
		}
	}
	return day, hour
}

// ─── Recording ───────────────────────────────────────────────────────────────

// RecordTrade appends a ledger entry and updates positions and the loss
// counter. It must be called for failed executions too. The returned error
// reports a persistence failure; in-memory state is updated regardless.
func (e *Engine) RecordTrade(
	ctx context.Context,
	asset string,
	side domain.Side,
	amountIn, amountOut int64,
	success bool,
	confirmationID string,
) (domain.TradeRecord, error) {
	e.mu.Lock()
	now := e.Clock()
	rec := domain.TradeRecord{
		ID:             id.New(now),
		Timestamp:      now,
		Asset:          asset,
		Side:           side,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		PnL:            domain.RealizedPnL(side, amountIn, amountOut, success),
		Success:        success,
		ConfirmationID: confirmationID,
	}

	var errs []error
	if err := e.store.AppendTrade(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("append trade: %w", err))
	}
	e.state.LastTradeAt = now
	e.recent = append(e.recent, now)

	var tripped string
	if success {
		switch side {
		case domain.SideBuy:
			e.state.Positions[asset] += amountIn
			e.state.Breaker.RecordWin()
		case domain.SideSell:
			e.state.Positions[asset] = max(0, e.state.Positions[asset]-amountIn)
			if e.state.Positions[asset] == 0 {
				delete(e.state.Positions, asset)
			}
			if rec.PnL < 0 {
				if e.state.Breaker.RecordLoss(now) {
					tripped = e.state.Breaker.TriggerReason
					e.metrics.BreakerTripped()
					e.metrics.BreakerChanged(domain.CircuitOpen)
				}
			} else {
				e.state.Breaker.RecordWin()
			}
		}
	}
	if err := e.persistLocked(ctx, now); err != nil {
		errs = append(errs, err)
	}
	e.mu.Unlock()

	slog.Info("risk: trade recorded",
		"asset", asset,
		"side", side,
		"amount_in", amountIn,
		"amount_out", amountOut,
		"pnl", rec.PnL,
		"success", success,
	)
	if tripped != "" {
		slog.Warn("risk: circuit breaker tripped", "reason", tripped)
		e.afterTrip(ctx, tripped)
	}

	if len(errs) > 0 {
		return rec, fmt.Errorf("risk.RecordTrade: %w", errors.Join(errs...))
	}
	return rec, nil
}

// ─── Breaker control ─────────────────────────────────────────────────────────

// Trip opens the breaker. The breaker stays open in memory even when the
// returned persistence error means it would not survive a restart.
func (e *Engine) Trip(ctx context.Context, reason string) error {
	e.mu.Lock()
	err := e.tripLocked(ctx, reason, e.Clock())
	e.mu.Unlock()
	e.afterTrip(ctx, reason)
	if err != nil {
		return fmt.Errorf("risk.Trip: %w", err)
	}
	return nil
}

// Reset closes the breaker from any state. manual sets the override flag.
func (e *Engine) Reset(ctx context.Context, manual bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state.Breaker.State
	e.state.Breaker.Reset(manual)
	e.metrics.BreakerChanged(domain.CircuitClosed)
	slog.Info("risk: circuit breaker reset", "from", prev, "manual_override", manual)
	if err := e.persistLocked(ctx, e.Clock()); err != nil {
		return fmt.Errorf("risk.Reset: %w", err)
	}
	return nil
}

// ClearOverride drops the manual override without touching breaker state.
func (e *Engine) ClearOverride(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Breaker.ManualOverride {
		return nil
	}
	e.state.Breaker.ManualOverride = false
	if err := e.persistLocked(ctx, e.Clock()); err != nil {
		return fmt.Errorf("risk.ClearOverride: %w", err)
	}
	return nil
}

// IsTradingAllowed evaluates the breaker, applying the lazy Open → HalfOpen transition.
func (e *Engine) IsTradingAllowed(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateBreakerLocked(ctx, e.Clock())
}

// Breaker returns a snapshot of the breaker.
func (e *Engine) Breaker() domain.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Breaker
}

func (e *Engine) evaluateBreakerLocked(ctx context.Context, now time.Time) bool {
	allowed, transitioned := e.state.Breaker.Evaluate(now)
	if transitioned {
		slog.Info("risk: circuit breaker half-open",
			"reason", e.state.Breaker.TriggerReason,
			"triggered_at", e.state.Breaker.TriggeredAt,
		)
		e.metrics.BreakerChanged(domain.CircuitHalfOpen)
		// Losing this write only delays half-open until the next restart evaluates again.
		_ = e.persistLocked(ctx, now)
	}
	return allowed
}

func (e *Engine) tripLocked(ctx context.Context, reason string, now time.Time) error {
	e.state.Breaker.Trip(reason, now)
	e.metrics.BreakerTripped()
	e.metrics.BreakerChanged(domain.CircuitOpen)
	slog.Warn("risk: circuit breaker tripped", "reason", reason)
	return e.persistLocked(ctx, now)
}

func (e *Engine) afterTrip(ctx context.Context, reason string) {
	if e.OnTrip != nil {
		e.OnTrip(ctx, reason)
	}
}

// ─── Loss periods ────────────────────────────────────────────────────────────

// SetStartingBalance records the reference balance for a loss period.
func (e *Engine) SetStartingBalance(ctx context.Context, p domain.Period, balance int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.Clock()
	e.state.StartingBalances[p] = balance
	e.state.PeriodStarts[p] = p.Start(now)
	return e.persistLocked(ctx, now)
}

// RollPeriods re-seeds the starting balance of every period that has no
// balance yet or whose calendar window has ended. It returns the periods
// that were updated.
func (e *Engine) RollPeriods(ctx context.Context, balance int64) ([]domain.Period, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.Clock()

	var rolled []domain.Period
	for _, p := range domain.Periods {
		start := p.Start(now)
		if e.state.StartingBalances[p] > 0 && e.state.PeriodStarts[p].Equal(start) {
			continue
		}
		e.state.StartingBalances[p] = balance
		e.state.PeriodStarts[p] = start
		rolled = append(rolled, p)
	}
	if len(rolled) == 0 {
		return nil, nil
	}
	slog.Info("risk: loss periods rolled", "periods", rolled, "starting_balance", balance)
	return rolled, e.persistLocked(ctx, now)
}

// ─── Reporting ───────────────────────────────────────────────────────────────

// PnL aggregates successful trades over the period's trailing window.
func (e *Engine) PnL(ctx context.Context, p domain.Period) (domain.PnLSummary, error) {
	since := e.Clock().Add(-p.Window())
	trades, err := e.store.TradesSince(ctx, since)
	if err != nil {
		return domain.PnLSummary{Period: p}, fmt.Errorf("risk.PnL: %w", err)
	}
	s := domain.PnLSummary{Period: p}
	for _, t := range trades {
		if !t.Success {
			continue
		}
		s.TradeCount++
		s.TotalPnL += t.PnL
		if t.PnL > 0 {
			s.WinningTrades++
		}
	}
	if s.TradeCount > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TradeCount)
	}
	return s, nil
}

// Status returns a snapshot for reporting. PnL errors are logged and leave
// the summaries empty.
func (e *Engine) Status(ctx context.Context) domain.RiskStatus {
	e.mu.Lock()
	allowed := e.evaluateBreakerLocked(ctx, e.Clock())
	st := domain.RiskStatus{
		Limits:           e.limits,
		Breaker:          e.state.Breaker,
		TradingAllowed:   allowed,
		Positions:        make(map[string]int64, len(e.state.Positions)),
		TotalExposure:    e.totalExposureLocked(),
		LastTradeAt:      e.state.LastTradeAt,
		StartingBalances: make(map[domain.Period]int64, len(e.state.StartingBalances)),
	}
	for k, v := range e.state.Positions {
		st.Positions[k] = v
	}
	for k, v := range e.state.StartingBalances {
		st.StartingBalances[k] = v
	}
	e.mu.Unlock()

	var err error
	if st.Daily, err = e.PnL(ctx, domain.PeriodDaily); err != nil {
		slog.Warn("risk: daily pnl unavailable", "err", err)
	}
	if st.Weekly, err = e.PnL(ctx, domain.PeriodWeekly); err != nil {
		slog.Warn("risk: weekly pnl unavailable", "err", err)
	}
	return st
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func (e *Engine) persistLocked(ctx context.Context, now time.Time) error {
	e.state.UpdatedAt = now
	if err := e.store.SaveRiskState(ctx, e.state); err != nil {
		slog.Warn("risk: persist state failed", "err", err)
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func pctString(f float64) string {
	return decimal.NewFromFloat(f).Mul(decimal.NewFromInt(100)).String()
}

func periodTitle(p domain.Period) string {
	switch p {
	case domain.PeriodWeekly:
		return "Weekly"
	case domain.PeriodMonthly:
		return "Monthly"
	default:
		return "Daily"
	}
}
