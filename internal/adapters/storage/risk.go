package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// ─── Trade ledger ────────────────────────────────────────────────────────────

// AppendTrade inserts a ledger entry. Entries are never updated.
func (s *SQLiteStorage) AppendTrade(ctx context.Context, r domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO treasury_trades
		  (id, ts, asset, side, amount_in, amount_out, pnl, success, confirmation_id)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ID, toNanos(r.Timestamp), r.Asset, string(r.Side), r.AmountIn, r.AmountOut,
		r.PnL, boolToInt(r.Success), r.ConfirmationID,
	)
	if err != nil {
		return fmt.Errorf("storage.AppendTrade: %w", err)
	}
	return nil
}

// TradesSince returns trades newer than since, oldest first.
func (s *SQLiteStorage) TradesSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	return s.queryTrades(ctx, `WHERE ts > ?`, toNanos(since))
}

// TradesByAsset returns every trade for asset, oldest first.
func (s *SQLiteStorage) TradesByAsset(ctx context.Context, asset string) ([]domain.TradeRecord, error) {
	return s.queryTrades(ctx, `WHERE asset = ?`, asset)
}

func (s *SQLiteStorage) queryTrades(ctx context.Context, where string, args ...any) ([]domain.TradeRecord, error) {
	q := `SELECT id, ts, asset, side, amount_in, amount_out, pnl, success, confirmation_id
		  FROM treasury_trades ` + where + ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryTrades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var ts int64
		var side string
		var success int
		if err := rows.Scan(&r.ID, &ts, &r.Asset, &side, &r.AmountIn, &r.AmountOut,
			&r.PnL, &success, &r.ConfirmationID); err != nil {
			return nil, fmt.Errorf("storage.queryTrades: scan: %w", err)
		}
		r.Timestamp = fromNanos(ts)
		r.Side = domain.Side(side)
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Risk state ──────────────────────────────────────────────────────────────

// SaveRiskState replaces the single risk-state row and the position table.
func (s *SQLiteStorage) SaveRiskState(ctx context.Context, st domain.RiskState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskState: begin tx: %w", err)
	}
	defer tx.Rollback()

	cb := st.Breaker
	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_state
		  (id, breaker_state, trigger_reason, triggered_at, consecutive_losses, manual_override,
		   last_trade_at, start_daily, start_weekly, start_monthly,
		   period_daily_at, period_weekly_at, period_monthly_at, updated_at)
		VALUES (1,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  breaker_state=excluded.breaker_state,
		  trigger_reason=excluded.trigger_reason,
		  triggered_at=excluded.triggered_at,
		  consecutive_losses=excluded.consecutive_losses,
		  manual_override=excluded.manual_override,
		  last_trade_at=excluded.last_trade_at,
		  start_daily=excluded.start_daily,
		  start_weekly=excluded.start_weekly,
		  start_monthly=excluded.start_monthly,
		  period_daily_at=excluded.period_daily_at,
		  period_weekly_at=excluded.period_weekly_at,
		  period_monthly_at=excluded.period_monthly_at,
		  updated_at=excluded.updated_at`,
		string(cb.State), cb.TriggerReason, toNanos(cb.TriggeredAt), cb.ConsecutiveLosses,
		boolToInt(cb.ManualOverride), toNanos(st.LastTradeAt),
		st.StartingBalances[domain.PeriodDaily],
		st.StartingBalances[domain.PeriodWeekly],
		st.StartingBalances[domain.PeriodMonthly],
		toNanos(st.PeriodStarts[domain.PeriodDaily]),
		toNanos(st.PeriodStarts[domain.PeriodWeekly]),
		toNanos(st.PeriodStarts[domain.PeriodMonthly]),
		toNanos(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskState: upsert state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_positions`); err != nil {
		return fmt.Errorf("storage.SaveRiskState: clear positions: %w", err)
	}
	for asset, amount := range st.Positions {
		if amount == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_positions (asset, amount) VALUES (?, ?)`, asset, amount); err != nil {
			return fmt.Errorf("storage.SaveRiskState: insert position %s: %w", asset, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveRiskState: commit: %w", err)
	}
	return nil
}

// LoadRiskState loads the persisted state; ok is false on a fresh database.
// Limits (max losses, auto-reset window) are configuration and are not stored.
func (s *SQLiteStorage) LoadRiskState(ctx context.Context) (domain.RiskState, bool, error) {
	st := domain.RiskState{
		Positions:        make(map[string]int64),
		StartingBalances: make(map[domain.Period]int64, len(domain.Periods)),
		PeriodStarts:     make(map[domain.Period]time.Time, len(domain.Periods)),
	}

	var state string
	var triggeredAt, lastTradeAt, updatedAt int64
	var override int
	var startD, startW, startM int64
	var periodD, periodW, periodM int64

	err := s.db.QueryRowContext(ctx, `
		SELECT breaker_state, trigger_reason, triggered_at, consecutive_losses, manual_override,
		       last_trade_at, start_daily, start_weekly, start_monthly,
		       period_daily_at, period_weekly_at, period_monthly_at, updated_at
		FROM risk_state WHERE id=1`).Scan(
		&state, &st.Breaker.TriggerReason, &triggeredAt, &st.Breaker.ConsecutiveLosses, &override,
		&lastTradeAt, &startD, &startW, &startM,
		&periodD, &periodW, &periodM, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("storage.LoadRiskState: %w", err)
	}

	st.Breaker.State = domain.CircuitState(state)
	st.Breaker.TriggeredAt = fromNanos(triggeredAt)
	st.Breaker.ManualOverride = override != 0
	st.LastTradeAt = fromNanos(lastTradeAt)
	st.UpdatedAt = fromNanos(updatedAt)
	st.StartingBalances[domain.PeriodDaily] = startD
	st.StartingBalances[domain.PeriodWeekly] = startW
	st.StartingBalances[domain.PeriodMonthly] = startM
	st.PeriodStarts[domain.PeriodDaily] = fromNanos(periodD)
	st.PeriodStarts[domain.PeriodWeekly] = fromNanos(periodW)
	st.PeriodStarts[domain.PeriodMonthly] = fromNanos(periodM)

	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount FROM risk_positions`)
	if err != nil {
		return st, false, fmt.Errorf("storage.LoadRiskState: positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var asset string
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return st, false, fmt.Errorf("storage.LoadRiskState: scan position: %w", err)
		}
		st.Positions[asset] = amount
	}
	if err := rows.Err(); err != nil {
		return st, false, err
	}
	return st, true, nil
}
