// Package readonly provides execution ports that refuse to move funds.
// Live mode uses them until a signer is wired: balances are real, every
// transfer, proposal and trade fails.
package readonly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// ErrSigningDisabled is returned by every operation that would need a key.
var ErrSigningDisabled = errors.New("signing not configured")

// Executor implements TransferExecutor, MultisigProposer and TradeRouter.
type Executor struct{}

// New returns a read-only executor.
func New() *Executor { return &Executor{} }

// Transfer always fails.
func (Executor) Transfer(_ context.Context, req domain.TransferRequest) (string, error) {
	slog.Warn("readonly: transfer refused", "from", req.From.Role, "to", req.ToAddress, "amount", req.Amount)
	return "", fmt.Errorf("readonly.Transfer: %w", ErrSigningDisabled)
}

// ProposeTransfer always fails.
func (Executor) ProposeTransfer(_ context.Context, req domain.TransferRequest) (string, error) {
	slog.Warn("readonly: proposal refused", "from", req.From.Role, "to", req.ToAddress, "amount", req.Amount)
	return "", fmt.Errorf("readonly.ProposeTransfer: %w", ErrSigningDisabled)
}

// ExecuteTrade reports a failed execution.
func (Executor) ExecuteTrade(_ context.Context, o domain.TradeOrder) (domain.TradeExecution, error) {
	slog.Warn("readonly: trade refused", "asset", o.Asset, "side", o.Side, "amount", o.Amount)
	return domain.TradeExecution{Error: ErrSigningDisabled.Error()}, nil
}
