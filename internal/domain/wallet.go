package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role tags a wallet with its custody purpose.
type Role string

const (
	RoleReserve     Role = "reserve"     // cold storage
	RoleActive      Role = "active"      // hot trading capital
	RoleProfit      Role = "profit"      // profit buffer swept by distributions
	RoleStaking     Role = "staking"     // staker rewards
	RoleOperations  Role = "operations"  // running costs
	RoleDevelopment Role = "development" // development fund
)

// Roles lists every known role in canonical order.
var Roles = []Role{RoleReserve, RoleActive, RoleProfit, RoleStaking, RoleOperations, RoleDevelopment}

// ParseRole converts a config string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// MultisigInfo describes the signers guarding a wallet.
type MultisigInfo struct {
	Signers   []string
	Threshold int
}

// Wallet is an address managed by the treasury.
type Wallet struct {
	Role          Role
	Address       string
	Balance       int64            // native currency, smallest unit
	AssetBalances map[string]int64 // asset id → smallest unit
	Multisig      *MultisigInfo
}

// Balance is what a balance provider reports for an address.
type Balance struct {
	Native int64
	Assets map[string]int64
}

// BalanceReading is a balance as seen by the allocation manager.
// Stale is set when the provider failed and the value comes from cache
// (or is zero because nothing was ever fetched).
type BalanceReading struct {
	Role      Role
	Address   string
	Native    int64
	Assets    map[string]int64
	FetchedAt time.Time
	Stale     bool
	Err       string
}

// Age returns how old the reading is relative to now.
func (r BalanceReading) Age(now time.Time) time.Duration {
	if r.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(r.FetchedAt)
}

// TransferOutcome distinguishes moved funds from pending proposals.
type TransferOutcome string

const (
	TransferConfirmed TransferOutcome = "CONFIRMED" // funds moved, ConfirmationID set
	TransferProposed  TransferOutcome = "PROPOSED"  // multisig proposal created, funds did NOT move
	TransferFailed    TransferOutcome = "FAILED"
)

// TransferRequest is sent to a transfer executor or multisig proposer.
type TransferRequest struct {
	From           Wallet
	ToAddress      string
	Amount         int64
	Memo           string
	IdempotencyKey string // identical for identical (from, to, amount, memo)
}

// TransferResult is the outcome of executeTransfer.
type TransferResult struct {
	Outcome        TransferOutcome
	From           Role
	ToAddress      string
	Amount         int64
	Memo           string
	ConfirmationID string
	ProposalID     string
	IdempotencyKey string
	Error          string
}

// Moved reports whether funds actually left the source wallet.
func (r TransferResult) Moved() bool {
	return r.Outcome == TransferConfirmed
}

// Pending reports whether the transfer awaits out-of-band approval.
func (r TransferResult) Pending() bool {
	return r.Outcome == TransferProposed
}
