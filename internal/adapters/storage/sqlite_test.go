package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/treasury/internal/adapters/storage"
	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteStorage_TradesAppendAndQuery(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	trades := []domain.TradeRecord{
		{ID: "01A", Timestamp: base, Asset: "BONK", Side: domain.SideBuy, AmountIn: 100, AmountOut: 5000, Success: true, ConfirmationID: "sig1"},
		{ID: "01B", Timestamp: base.Add(time.Hour), Asset: "WIF", Side: domain.SideBuy, AmountIn: 50, AmountOut: 10, Success: false},
		{ID: "01C", Timestamp: base.Add(2 * time.Hour), Asset: "BONK", Side: domain.SideSell, AmountIn: 100, AmountOut: 80, PnL: -20, Success: true},
	}
	for _, tr := range trades {
		require.NoError(t, db.AppendTrade(ctx, tr))
	}

	since, err := db.TradesSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, since, 2, "since is exclusive")
	assert.Equal(t, "01B", since[0].ID)
	assert.False(t, since[0].Success)
	assert.Equal(t, int64(-20), since[1].PnL)
	assert.True(t, since[1].Timestamp.Equal(base.Add(2*time.Hour)))

	bonk, err := db.TradesByAsset(ctx, "BONK")
	require.NoError(t, err)
	require.Len(t, bonk, 2)
	assert.Equal(t, domain.SideBuy, bonk[0].Side)
	assert.Equal(t, domain.SideSell, bonk[1].Side)
	assert.Equal(t, "sig1", bonk[0].ConfirmationID)
}

func TestSQLiteStorage_TradesAreAppendOnly(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	rec := domain.TradeRecord{ID: "01A", Timestamp: time.Now().UTC(), Asset: "X", Side: domain.SideBuy, Success: true}
	require.NoError(t, db.AppendTrade(ctx, rec))
	assert.Error(t, db.AppendTrade(ctx, rec), "duplicate id must not overwrite")
}

func TestSQLiteStorage_RiskStateFreshDatabase(t *testing.T) {
	db := newDB(t)
	_, ok, err := db.LoadRiskState(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStorage_RiskStateRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

	cb := domain.NewCircuitBreaker(3, 24*time.Hour)
	cb.ConsecutiveLosses = 3
	cb.Trip("3 consecutive losses", now)

	st := domain.RiskState{
		Breaker:     cb,
		Positions:   map[string]int64{"BONK": 1_000, "WIF": 0},
		LastTradeAt: now.Add(-time.Minute),
		StartingBalances: map[domain.Period]int64{
			domain.PeriodDaily:   900,
			domain.PeriodWeekly:  950,
			domain.PeriodMonthly: 1_000,
		},
		PeriodStarts: map[domain.Period]time.Time{
			domain.PeriodDaily:   domain.PeriodDaily.Start(now),
			domain.PeriodWeekly:  domain.PeriodWeekly.Start(now),
			domain.PeriodMonthly: domain.PeriodMonthly.Start(now),
		},
		UpdatedAt: now,
	}
	require.NoError(t, db.SaveRiskState(ctx, st))

	got, ok, err := db.LoadRiskState(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.CircuitOpen, got.Breaker.State)
	assert.Equal(t, "3 consecutive losses", got.Breaker.TriggerReason)
	assert.True(t, got.Breaker.TriggeredAt.Equal(now))
	assert.Equal(t, 3, got.Breaker.ConsecutiveLosses)
	assert.False(t, got.Breaker.ManualOverride)
	assert.Equal(t, map[string]int64{"BONK": 1_000}, got.Positions, "zero positions are dropped")
	assert.Equal(t, int64(950), got.StartingBalances[domain.PeriodWeekly])
	assert.True(t, got.PeriodStarts[domain.PeriodMonthly].Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.LastTradeAt.Equal(now.Add(-time.Minute)))

	// Second save overwrites the single row.
	st.Breaker.Reset(true)
	st.Positions = map[string]int64{}
	require.NoError(t, db.SaveRiskState(ctx, st))
	got, _, err = db.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, got.Breaker.State)
	assert.True(t, got.Breaker.ManualOverride)
	assert.True(t, got.Breaker.TriggeredAt.IsZero())
	assert.Empty(t, got.Positions)
}

func makeDistribution(id string, ts time.Time, dry bool) domain.Distribution {
	return domain.Distribution{
		ID:        id,
		Timestamp: ts,
		Total:     1_000,
		Status:    domain.DistributionPending,
		DryRun:    dry,
		Legs: []domain.DistributionLeg{
			{Destination: domain.RoleStaking, Address: "stk", Amount: 600},
			{Destination: domain.RoleOperations, Address: "ops", Amount: 250},
			{Destination: domain.RoleDevelopment, Address: "dev", Amount: 150},
		},
	}
}

func TestSQLiteStorage_DistributionUpsert(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	d := makeDistribution("D1", ts, false)
	require.NoError(t, db.SaveDistribution(ctx, d))

	d.Status = domain.DistributionFailed
	d.Legs[0].Outcome = domain.TransferConfirmed
	d.Legs[0].ConfirmationID = "sig-stk"
	d.Legs[1].Outcome = domain.TransferFailed
	d.Legs[1].Error = "rpc timeout"
	require.NoError(t, db.SaveDistribution(ctx, d))

	all, err := db.ListDistributions(ctx, ports.NewestFirst, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, domain.DistributionFailed, got.Status)
	require.Len(t, got.Legs, 3)
	assert.Equal(t, domain.RoleStaking, got.Legs[0].Destination)
	assert.Equal(t, "sig-stk", got.Legs[0].ConfirmationID)
	assert.Equal(t, domain.TransferFailed, got.Legs[1].Outcome)
	assert.Equal(t, "rpc timeout", got.Legs[1].Error)
	assert.Equal(t, int64(150), got.Amount(domain.RoleDevelopment))
}

func TestSQLiteStorage_DistributionOrderingAndLastExecuted(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveDistribution(ctx, makeDistribution("D1", base, false)))
	require.NoError(t, db.SaveDistribution(ctx, makeDistribution("D2", base.Add(7*24*time.Hour), false)))
	require.NoError(t, db.SaveDistribution(ctx, makeDistribution("D3", base.Add(8*24*time.Hour), true)))

	desc, err := db.ListDistributions(ctx, ports.NewestFirst, 0)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, []string{"D3", "D2", "D1"}, []string{desc[0].ID, desc[1].ID, desc[2].ID})

	asc, err := db.ListDistributions(ctx, ports.OldestFirst, 2)
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "D1", asc[0].ID)
	assert.Equal(t, "D2", asc[1].ID)

	last, ok, err := db.LastExecutedDistribution(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "D2", last.ID, "dry runs are not executions")
}

func TestSQLiteStorage_LastExecutedEmpty(t *testing.T) {
	db := newDB(t)
	_, ok, err := db.LastExecutedDistribution(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
