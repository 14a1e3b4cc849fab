// Package paper simulates a chain in memory: balances, transfers, multisig
// proposals and a trade router. Nothing leaves the process.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// ErrInsufficientFunds is returned when a transfer or trade exceeds the balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Proposal is a pending multisig transfer.
type Proposal struct {
	ID        string
	From      string
	To        string
	Amount    int64
	Memo      string
	CreatedAt time.Time
	Executed  bool
}

// Chain holds simulated native and asset balances per address.
type Chain struct {
	mu        sync.Mutex
	native    map[string]int64
	assets    map[string]map[string]int64
	proposals map[string]*Proposal
	sent      map[string]string // idempotency key → confirmation id
	down      map[string]bool   // addresses whose balance reads fail
}

// NewChain seeds native balances by address.
func NewChain(balances map[string]int64) *Chain {
	c := &Chain{
		native:    make(map[string]int64, len(balances)),
		assets:    make(map[string]map[string]int64),
		proposals: make(map[string]*Proposal),
		sent:      make(map[string]string),
		down:      make(map[string]bool),
	}
	for addr, v := range balances {
		c.native[addr] = v
	}
	return c
}

// SetBalance overwrites an address's native balance.
func (c *Chain) SetBalance(addr string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[addr] = v
}

// SetDown makes balance reads for addr fail, simulating an unreachable RPC.
func (c *Chain) SetDown(addr string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[addr] = down
}

// FetchBalance implements ports.BalanceProvider.
func (c *Chain) FetchBalance(ctx context.Context, addr string) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[addr] {
		return domain.Balance{}, fmt.Errorf("paper: %s unreachable", addr)
	}
	assets := make(map[string]int64, len(c.assets[addr]))
	for k, v := range c.assets[addr] {
		assets[k] = v
	}
	return domain.Balance{Native: c.native[addr], Assets: assets}, nil
}

// Transfer implements ports.TransferExecutor. A repeated idempotency key
// returns the original confirmation without moving funds again.
func (c *Chain) Transfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.IdempotencyKey != "" {
		if sig, ok := c.sent[req.IdempotencyKey]; ok {
			return sig, nil
		}
	}
	if err := c.moveLocked(req.From.Address, req.ToAddress, req.Amount); err != nil {
		return "", err
	}
	sig := uuid.NewString()
	if req.IdempotencyKey != "" {
		c.sent[req.IdempotencyKey] = sig
	}
	slog.Debug("paper: transfer", "from", req.From.Address, "to", req.ToAddress, "amount", req.Amount, "sig", sig)
	return sig, nil
}

// ProposeTransfer implements ports.MultisigProposer. Funds do not move.
func (c *Chain) ProposeTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Proposal{
		ID:        uuid.NewString(),
		From:      req.From.Address,
		To:        req.ToAddress,
		Amount:    req.Amount,
		Memo:      req.Memo,
		CreatedAt: time.Now().UTC(),
	}
	c.proposals[p.ID] = p
	return p.ID, nil
}

// Approve executes a pending proposal, as if the signer threshold was met.
func (c *Chain) Approve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[id]
	if !ok {
		return fmt.Errorf("paper: unknown proposal %s", id)
	}
	if p.Executed {
		return nil
	}
	if err := c.moveLocked(p.From, p.To, p.Amount); err != nil {
		return err
	}
	p.Executed = true
	return nil
}

// Proposals returns all proposals, oldest first.
func (c *Chain) Proposals() []Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Proposal, 0, len(c.proposals))
	for _, p := range c.proposals {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Chain) moveLocked(from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("paper: invalid amount %d", amount)
	}
	if c.native[from] < amount {
		return fmt.Errorf("paper: %w: %s has %d, need %d", ErrInsufficientFunds, from, c.native[from], amount)
	}
	c.native[from] -= amount
	c.native[to] += amount
	return nil
}
