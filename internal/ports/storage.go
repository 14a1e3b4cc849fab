package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// RiskStorage persists the trade ledger and the single risk-state record.
type RiskStorage interface {
	// AppendTrade adds an immutable ledger entry.
	AppendTrade(ctx context.Context, rec domain.TradeRecord) error

	// TradesSince returns ledger entries with Timestamp after since, oldest first.
	TradesSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error)

	// TradesByAsset returns ledger entries for an asset, oldest first.
	TradesByAsset(ctx context.Context, asset string) ([]domain.TradeRecord, error)

	SaveRiskState(ctx context.Context, st domain.RiskState) error

	// LoadRiskState returns ok=false when nothing was ever saved. Maps in a
	// loaded state may be nil; the risk engine allocates them.
	LoadRiskState(ctx context.Context) (st domain.RiskState, ok bool, err error)
}

// SortOrder selects chronological direction for history queries.
type SortOrder int

const (
	NewestFirst SortOrder = iota // reporting
	OldestFirst                  // replay / audit
)

// DistributionStorage persists the distribution ledger.
type DistributionStorage interface {
	// SaveDistribution inserts or updates a distribution by ID.
	SaveDistribution(ctx context.Context, d domain.Distribution) error

	// ListDistributions returns records in the given order; limit <= 0 means all.
	ListDistributions(ctx context.Context, order SortOrder, limit int) ([]domain.Distribution, error)

	// LastExecutedDistribution returns the newest non dry-run record.
	LastExecutedDistribution(ctx context.Context) (d domain.Distribution, ok bool, err error)
}
