package ports

import (
	"context"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// Notifier tells operators about events that need a human.
type Notifier interface {
	// BreakerTripped is called when trading halts.
	BreakerTripped(ctx context.Context, reason string) error

	// ApprovalRequired is called for every multisig proposal created.
	ApprovalRequired(ctx context.Context, res domain.TransferResult) error
}
