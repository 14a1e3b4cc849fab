package notify_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/treasury/internal/adapters/notify"
	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

var _ ports.Notifier = (*notify.Console)(nil)

var now = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newConsole() (*notify.Console, *bytes.Buffer) {
	var buf bytes.Buffer
	return notify.NewConsoleWriter(&buf, func() time.Time { return now }), &buf
}

func TestConsole_BreakerTripped(t *testing.T) {
	c, buf := newConsole()
	require.NoError(t, c.BreakerTripped(context.Background(), "daily loss limit: 6.0%"))
	assert.Contains(t, buf.String(), "10:00:00")
	assert.Contains(t, buf.String(), "daily loss limit: 6.0%")
}

func TestConsole_ApprovalRequired(t *testing.T) {
	c, buf := newConsole()
	require.NoError(t, c.ApprovalRequired(context.Background(), domain.TransferResult{
		Outcome:    domain.TransferProposed,
		From:       domain.RoleReserve,
		ToAddress:  "HotWalletAddress1234567890",
		Amount:     1_500_000,
		ProposalID: "prop-1",
	}))
	out := buf.String()
	assert.Contains(t, out, "reserve")
	assert.Contains(t, out, "1,500,000")
	assert.Contains(t, out, "prop-1")
	assert.Contains(t, out, "HotW…7890")
}

func TestConsole_PrintAllocation(t *testing.T) {
	c, buf := newConsole()
	c.PrintAllocation([]domain.AllocationStatus{
		{Role: domain.RoleReserve, Address: "res", CurrentBalance: 7_000, CurrentPct: 0.7, TargetPct: 0.6, Deviation: 0.1, RequiresMultisig: true},
		{Role: domain.RoleActive, Address: "act", CurrentBalance: 3_000, CurrentPct: 0.3, TargetPct: 0.3, Stale: true},
	}, 10_000)

	out := buf.String()
	assert.Contains(t, out, "10,000")
	assert.Contains(t, out, "70.00%")
	assert.Contains(t, out, "+10.00%")
	assert.Contains(t, out, "multisig")
	assert.Contains(t, out, "STALE")
}

func TestConsole_PrintRiskStatus(t *testing.T) {
	c, buf := newConsole()
	cb := domain.NewCircuitBreaker(3, time.Hour)
	cb.Trip("Manual emergency stop", now.Add(-2*time.Hour))

	c.PrintRiskStatus(domain.RiskStatus{
		Limits:           domain.DefaultRiskLimits(),
		Breaker:          cb,
		Positions:        map[string]int64{"BONK": 250, "JUP": 100},
		TotalExposure:    350,
		StartingBalances: map[domain.Period]int64{domain.PeriodDaily: 10_000},
		Daily:            domain.PnLSummary{Period: domain.PeriodDaily, TotalPnL: -120, TradeCount: 4, WinningTrades: 1, WinRate: 0.25},
		Weekly:           domain.PnLSummary{Period: domain.PeriodWeekly},
	})

	out := buf.String()
	assert.Contains(t, out, "TRADING HALTED")
	assert.Contains(t, out, "Manual emergency stop")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "BONK")
	assert.Contains(t, out, "350")
	assert.Contains(t, out, "-120")
	assert.Contains(t, out, "25.00%")
}

func TestConsole_PrintDistributions(t *testing.T) {
	c, buf := newConsole()
	c.PrintDistributions(nil)
	assert.Contains(t, buf.String(), "No distributions yet")

	buf.Reset()
	c.PrintDistributions([]domain.Distribution{{
		ID:        "01JNQ",
		Timestamp: now,
		Total:     1_000,
		Status:    domain.DistributionFailed,
		Legs: []domain.DistributionLeg{
			{Destination: domain.RoleStaking, Amount: 600, Outcome: domain.TransferConfirmed},
			{Destination: domain.RoleOperations, Amount: 250, Outcome: domain.TransferFailed, Error: "rpc down"},
			{Destination: domain.RoleDevelopment, Amount: 150},
		},
	}})
	out := buf.String()
	assert.Contains(t, out, "01JNQ")
	assert.Contains(t, out, "rpc down")
	assert.Contains(t, out, "development")
}

func TestConsole_PrintDistributionStats(t *testing.T) {
	c, buf := newConsole()
	c.PrintDistributionStats(domain.DistributionStats{})
	assert.Contains(t, buf.String(), "No executed distributions")

	buf.Reset()
	c.PrintDistributionStats(domain.DistributionStats{
		Count: 2, Completed: 2,
		TotalSwept: 20_000, TotalDistributed: 19_998, AverageSwept: 10_000,
		PerDestination: map[domain.Role]int64{domain.RoleStaking: 12_000},
		First:          now.Add(-14 * 24 * time.Hour),
		Last:           now.Add(-7 * 24 * time.Hour),
	})
	out := buf.String()
	assert.Contains(t, out, "19,998")
	assert.Contains(t, out, "12,000")
}
