package domain_test

import (
	"testing"

	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holding(role domain.Role, balance int64, pct float64, multisig bool) domain.Holding {
	return domain.Holding{
		Role:    role,
		Address: string(role) + "-addr",
		Balance: balance,
		Target:  domain.AllocationTarget{TargetPct: pct, RequiresMultisig: multisig},
	}
}

func TestValidateTargetSum(t *testing.T) {
	assert.NoError(t, domain.ValidateTargetSum([]float64{0.5, 0.3, 0.2}))
	assert.NoError(t, domain.ValidateTargetSum([]float64{0.5, 0.3, 0.2005}))
	assert.ErrorIs(t, domain.ValidateTargetSum([]float64{0.5, 0.3, 0.1}), domain.ErrInvalidConfig)
	assert.ErrorIs(t, domain.ValidateTargetSum([]float64{0.6, 0.6}), domain.ErrInvalidConfig)
}

func TestAllocationTarget_Validate(t *testing.T) {
	assert.NoError(t, domain.AllocationTarget{TargetPct: 0.4, MinBalance: 10, MaxBalance: 100}.Validate())
	assert.Error(t, domain.AllocationTarget{TargetPct: 1.4}.Validate())
	assert.Error(t, domain.AllocationTarget{TargetPct: 0.4, MinBalance: 200, MaxBalance: 100}.Validate())
}

func TestComputeAllocation(t *testing.T) {
	statuses, total := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleActive, 700, 0.6, false),
		holding(domain.RoleReserve, 300, 0.4, true),
	})

	require.Len(t, statuses, 2)
	assert.Equal(t, int64(1000), total)
	assert.InDelta(t, 0.7, statuses[0].CurrentPct, 1e-9)
	assert.InDelta(t, 0.1, statuses[0].Deviation, 1e-9)
	assert.InDelta(t, -0.1, statuses[1].Deviation, 1e-9)
}

func TestComputeAllocation_ZeroTotal(t *testing.T) {
	statuses, total := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleActive, 0, 0.6, false),
		holding(domain.RoleReserve, 0, 0.4, false),
	})
	assert.Zero(t, total)
	assert.Zero(t, statuses[0].CurrentPct)
	assert.InDelta(t, -0.6, statuses[0].Deviation, 1e-9)
}

func TestComputeAllocation_Bounds(t *testing.T) {
	h := holding(domain.RoleActive, 50, 1.0, false)
	h.Target.MinBalance = 100
	statuses, _ := domain.ComputeAllocation([]domain.Holding{h})
	assert.True(t, statuses[0].BelowMin)

	h = holding(domain.RoleActive, 500, 1.0, false)
	h.Target.MaxBalance = 100
	statuses, _ = domain.ComputeAllocation([]domain.Holding{h})
	assert.True(t, statuses[0].AboveMax)
}

func TestNeedsRebalance_Threshold(t *testing.T) {
	at70, _ := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleActive, 700_000_000, 0.6, false),
		holding(domain.RoleReserve, 300_000_000, 0.4, false),
	})
	assert.True(t, domain.NeedsRebalance(at70, domain.DefaultRebalanceThreshold))

	at63, _ := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleActive, 630_000_000, 0.6, false),
		holding(domain.RoleReserve, 370_000_000, 0.4, false),
	})
	assert.False(t, domain.NeedsRebalance(at63, domain.DefaultRebalanceThreshold))
}

func TestPlanRebalance_GreedyRegistrationOrder(t *testing.T) {
	statuses, total := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleReserve, 100, 0.4, true),  // target 400, deficit 300
		holding(domain.RoleActive, 700, 0.3, false),  // target 300, excess 400
		holding(domain.RoleProfit, 0, 0.1, false),    // target 100, deficit 100
		holding(domain.RoleStaking, 200, 0.2, false), // on target
	})

	plan := domain.PlanRebalance(statuses, total)

	require.Len(t, plan, 2)
	assert.Equal(t, domain.RebalanceInstruction{
		From: domain.RoleActive, To: domain.RoleReserve, ToAddress: "reserve-addr", Amount: 300,
	}, plan[0])
	assert.Equal(t, domain.RebalanceInstruction{
		From: domain.RoleActive, To: domain.RoleProfit, ToAddress: "profit-addr", Amount: 100,
	}, plan[1])
}

func TestPlanRebalance_MultisigSenderFlagged(t *testing.T) {
	statuses, total := domain.ComputeAllocation([]domain.Holding{
		holding(domain.RoleReserve, 900, 0.5, true),
		holding(domain.RoleActive, 100, 0.5, false),
	})
	plan := domain.PlanRebalance(statuses, total)

	require.Len(t, plan, 1)
	assert.True(t, plan[0].RequiresMultisig)
	assert.Equal(t, int64(400), plan[0].Amount)
}

func TestPlanRebalance_NeverExceedsExcessOrDeficit(t *testing.T) {
	cases := [][]domain.Holding{
		{
			holding(domain.RoleReserve, 123_456_789, 0.5, true),
			holding(domain.RoleActive, 987_654_321, 0.3, false),
			holding(domain.RoleProfit, 5, 0.2, false),
		},
		{
			holding(domain.RoleReserve, 1, 0.25, false),
			holding(domain.RoleActive, 2, 0.25, false),
			holding(domain.RoleProfit, 3, 0.25, false),
			holding(domain.RoleStaking, 1_000_003, 0.25, false),
		},
		{
			holding(domain.RoleActive, 333, 0.334, false),
			holding(domain.RoleProfit, 333, 0.333, false),
			holding(domain.RoleReserve, 334, 0.333, false),
		},
	}

	for _, holdings := range cases {
		statuses, total := domain.ComputeAllocation(holdings)
		plan := domain.PlanRebalance(statuses, total)

		sent := map[domain.Role]int64{}
		received := map[domain.Role]int64{}
		for _, ins := range plan {
			assert.Positive(t, ins.Amount)
			sent[ins.From] += ins.Amount
			received[ins.To] += ins.Amount
		}
		for _, s := range statuses {
			delta := s.CurrentBalance - domain.TargetAmount(total, s.TargetPct)
			if sent[s.Role] > 0 {
				assert.LessOrEqual(t, sent[s.Role], delta, "sender %s over its excess", s.Role)
			}
			if received[s.Role] > 0 {
				assert.LessOrEqual(t, received[s.Role], -delta, "receiver %s over its deficit", s.Role)
			}
		}
	}
}

func TestTargetAmount_Exact(t *testing.T) {
	assert.Equal(t, int64(150_000_000), domain.TargetAmount(1_000_000_000, 0.15))
	assert.Equal(t, int64(0), domain.TargetAmount(3, 0.3))
}

func TestParseRole(t *testing.T) {
	r, err := domain.ParseRole(" Reserve ")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReserve, r)

	_, err = domain.ParseRole("vault")
	assert.ErrorIs(t, err, domain.ErrUnknownRole)
}
