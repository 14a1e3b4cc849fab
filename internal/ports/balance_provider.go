package ports

import (
	"context"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// BalanceProvider reads on-chain balances.
type BalanceProvider interface {
	// FetchBalance returns the balance for address. A genuine zero balance is
	// returned as a zero value with a nil error; an unreachable provider
	// returns an error.
	FetchBalance(ctx context.Context, address string) (domain.Balance, error)
}
