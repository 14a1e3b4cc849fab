package paper

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// Router fills trades against the Active wallet at a fixed price per asset.
//
// Amounts are in native units on both sides: a buy moves Amount out of the
// wallet into a position, a sell closes Amount of position and returns
// Amount × price. A price of 1.1 is a 10% gain on sells.
type Router struct {
	chain  *Chain
	wallet string

	// Prices maps asset → sell multiplier; missing assets use 1.0.
	Prices map[string]float64
}

// NewRouter trades out of the given wallet address.
func NewRouter(chain *Chain, wallet string) *Router {
	return &Router{chain: chain, wallet: wallet, Prices: make(map[string]float64)}
}

// ExecuteTrade implements ports.TradeRouter.
func (r *Router) ExecuteTrade(ctx context.Context, o domain.TradeOrder) (domain.TradeExecution, error) {
	if err := ctx.Err(); err != nil {
		return domain.TradeExecution{}, err
	}
	c := r.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.assets[r.wallet]
	if held == nil {
		held = make(map[string]int64)
		c.assets[r.wallet] = held
	}

	switch o.Side {
	case domain.SideBuy:
		if c.native[r.wallet] < o.Amount {
			return domain.TradeExecution{
				Error: fmt.Sprintf("%v: wallet has %d", ErrInsufficientFunds, c.native[r.wallet]),
			}, nil
		}
		c.native[r.wallet] -= o.Amount
		held[o.Asset] += o.Amount
		return domain.TradeExecution{
			Success:        true,
			AmountIn:       o.Amount,
			AmountOut:      o.Amount,
			ConfirmationID: uuid.NewString(),
		}, nil

	case domain.SideSell:
		if held[o.Asset] < o.Amount {
			return domain.TradeExecution{
				Error: fmt.Sprintf("%v: position %s is %d", ErrInsufficientFunds, o.Asset, held[o.Asset]),
			}, nil
		}
		price, ok := r.Prices[o.Asset]
		if !ok {
			price = 1
		}
		out := decimal.NewFromInt(o.Amount).Mul(decimal.NewFromFloat(price)).Floor().IntPart()
		held[o.Asset] -= o.Amount
		c.native[r.wallet] += out
		return domain.TradeExecution{
			Success:        true,
			AmountIn:       o.Amount,
			AmountOut:      out,
			ConfirmationID: uuid.NewString(),
		}, nil
	}
	return domain.TradeExecution{}, fmt.Errorf("paper.Router: unknown side %q", o.Side)
}
