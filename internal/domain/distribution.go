package domain

import (
	"fmt"
	"math"
	"time"
)

// DestinationRoles are the stakeholder-facing wallets a distribution pays into, in payout order.
var DestinationRoles = []Role{RoleStaking, RoleOperations, RoleDevelopment}

// DistributionConfig controls how and when profit is swept.
type DistributionConfig struct {
	StakingPct     float64
	OperationsPct  float64
	DevelopmentPct float64
	Addresses      map[Role]string
	Weekday        time.Weekday
	Hour           int   // UTC hour, 0–23
	MinAmount      int64 // below this nothing is distributed
}

// Pct returns the split share for a destination role.
func (c DistributionConfig) Pct(r Role) float64 {
	switch r {
	case RoleStaking:
		return c.StakingPct
	case RoleOperations:
		return c.OperationsPct
	case RoleDevelopment:
		return c.DevelopmentPct
	}
	return 0
}

// splitOvershootTolerance absorbs float noise in splits like 0.6+0.25+0.15.
const splitOvershootTolerance = 1e-9

// Validate checks the split, the schedule, and that every funded destination has an address.
func (c DistributionConfig) Validate() error {
	pcts := make([]float64, 0, len(DestinationRoles))
	for _, r := range DestinationRoles {
		p := c.Pct(r)
		if p < 0 {
			return fmt.Errorf("%w: %s split is negative", ErrInvalidConfig, r)
		}
		if p > 0 && c.Addresses[r] == "" {
			return fmt.Errorf("%w: %s split is %.2f but no destination address is configured", ErrInvalidConfig, r, p)
		}
		pcts = append(pcts, p)
	}
	sum := 0.0
	for _, p := range pcts {
		sum += p
	}
	// Any overshoot would pay out more than was swept.
	if sum > 1.0+splitOvershootTolerance || math.Abs(sum-1.0) > AllocationEpsilon {
		return fmt.Errorf("%w: distribution split sums to %.4f, want 1.0", ErrInvalidConfig, sum)
	}
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("%w: distribution hour %d outside 0-23", ErrInvalidConfig, c.Hour)
	}
	if c.Weekday < time.Sunday || c.Weekday > time.Saturday {
		return fmt.Errorf("%w: invalid distribution weekday %d", ErrInvalidConfig, c.Weekday)
	}
	if c.MinAmount < 0 {
		return fmt.Errorf("%w: negative distribution minimum", ErrInvalidConfig)
	}
	return nil
}

// DistributionStatus is the overall state of a distribution record.
type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionCompleted DistributionStatus = "completed"
	DistributionFailed    DistributionStatus = "failed"
)

// DistributionLeg is one destination's share and its transfer outcome.
type DistributionLeg struct {
	Destination    Role
	Address        string
	Amount         int64
	Outcome        TransferOutcome // empty until attempted
	ConfirmationID string
	Error          string
}

// Distribution is a persisted profit sweep.
type Distribution struct {
	ID        string
	Timestamp time.Time
	Total     int64
	Legs      []DistributionLeg
	Status    DistributionStatus
	DryRun    bool
	Error     string
}

// Amount returns the split amount for a destination.
func (d Distribution) Amount(r Role) int64 {
	for _, l := range d.Legs {
		if l.Destination == r {
			return l.Amount
		}
	}
	return 0
}

// Allocated is the sum of all leg amounts.
func (d Distribution) Allocated() int64 {
	var sum int64
	for _, l := range d.Legs {
		sum += l.Amount
	}
	return sum
}

// Residue is the rounding dust that stays in the profit wallet.
func (d Distribution) Residue() int64 {
	return d.Total - d.Allocated()
}

// Split divides total by the configured percentages using floor division.
// The residue (at most one unit per destination) is not redistributed.
// Legs never add up to more than total: any overshoot is trimmed from the
// last destinations first.
func Split(total int64, cfg DistributionConfig) []DistributionLeg {
	legs := make([]DistributionLeg, 0, len(DestinationRoles))
	var allocated int64
	for _, r := range DestinationRoles {
		amt := TargetAmount(total, cfg.Pct(r))
		legs = append(legs, DistributionLeg{
			Destination: r,
			Address:     cfg.Addresses[r],
			Amount:      amt,
		})
		allocated += amt
	}
	for i := len(legs) - 1; i >= 0 && allocated > total; i-- {
		cut := min(legs[i].Amount, allocated-total)
		legs[i].Amount -= cut
		allocated -= cut
	}
	return legs
}

// DistributionStats aggregates executed (non dry-run) distributions.
type DistributionStats struct {
	Count            int
	Completed        int
	Failed           int
	Pending          int
	TotalSwept       int64
	TotalDistributed int64 // confirmed legs only
	AverageSwept     int64
	PerDestination   map[Role]int64
	First            time.Time
	Last             time.Time
}

// ComputeStats builds statistics from persisted records.
func ComputeStats(ds []Distribution) DistributionStats {
	stats := DistributionStats{PerDestination: make(map[Role]int64, len(DestinationRoles))}
	for _, d := range ds {
		if d.DryRun {
			continue
		}
		stats.Count++
		switch d.Status {
		case DistributionCompleted:
			stats.Completed++
		case DistributionFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
		stats.TotalSwept += d.Total
		for _, l := range d.Legs {
			if l.Outcome == TransferConfirmed {
				stats.TotalDistributed += l.Amount
				stats.PerDestination[l.Destination] += l.Amount
			}
		}
		if stats.First.IsZero() || d.Timestamp.Before(stats.First) {
			stats.First = d.Timestamp
		}
		if d.Timestamp.After(stats.Last) {
			stats.Last = d.Timestamp
		}
	}
	if stats.Count > 0 {
		stats.AverageSwept = stats.TotalSwept / int64(stats.Count)
	}
	return stats
}
