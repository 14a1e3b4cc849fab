package ports

import (
	"context"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// TransferExecutor signs and submits transfers out of hot wallets.
type TransferExecutor interface {
	// Transfer moves funds and returns the on-chain confirmation id.
	// req.IdempotencyKey is identical for identical requests; executors that
	// honour it make a retry safe. No retry is performed by callers otherwise.
	Transfer(ctx context.Context, req domain.TransferRequest) (string, error)
}

// MultisigProposer creates transfer proposals for multisig wallets.
type MultisigProposer interface {
	// ProposeTransfer returns a proposal id. It never moves funds.
	ProposeTransfer(ctx context.Context, req domain.TransferRequest) (string, error)
}

// TradeRouter executes an approved trade.
type TradeRouter interface {
	// ExecuteTrade returns what actually happened. A non-nil error means the
	// router could not report an outcome; the treasury records it as a failed trade.
	ExecuteTrade(ctx context.Context, order domain.TradeOrder) (domain.TradeExecution, error)
}
