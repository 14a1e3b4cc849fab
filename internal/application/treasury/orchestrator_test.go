package treasury_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/treasury/internal/adapters/storage"
	"github.com/alejandrodnm/treasury/internal/application/allocation"
	"github.com/alejandrodnm/treasury/internal/application/distribution"
	"github.com/alejandrodnm/treasury/internal/application/risk"
	"github.com/alejandrodnm/treasury/internal/application/treasury"
	"github.com/alejandrodnm/treasury/internal/domain"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeChain struct {
	mu        sync.Mutex
	balances  map[string]int64
	failing   map[string]bool
	panicking bool
	transfers []domain.TransferRequest
	proposals []domain.TransferRequest
}

func (c *fakeChain) FetchBalance(_ context.Context, addr string) (domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicking {
		panic("provider bug")
	}
	if c.failing[addr] {
		return domain.Balance{}, errors.New("rpc down")
	}
	return domain.Balance{Native: c.balances[addr]}, nil
}

func (c *fakeChain) Transfer(_ context.Context, req domain.TransferRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, req)
	return "sig-" + req.ToAddress, nil
}

func (c *fakeChain) ProposeTransfer(_ context.Context, req domain.TransferRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals = append(c.proposals, req)
	return "proposal-" + req.ToAddress, nil
}

func (c *fakeChain) set(addr string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = v
}

func (c *fakeChain) fail(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[addr] = true
}

type fakeRouter struct {
	mu       sync.Mutex
	orders   []domain.TradeOrder
	err      error
	panics   bool
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *fakeRouter) ExecuteTrade(_ context.Context, o domain.TradeOrder) (domain.TradeExecution, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(r.delay)

	r.mu.Lock()
	r.orders = append(r.orders, o)
	r.mu.Unlock()

	if r.panics {
		panic("router bug")
	}
	if r.err != nil {
		return domain.TradeExecution{}, r.err
	}
	return domain.TradeExecution{Success: true, AmountIn: o.Amount, AmountOut: o.Amount * 2, ConfirmationID: "trade-sig"}, nil
}

func (r *fakeRouter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type fakeNotifier struct {
	mu        sync.Mutex
	trips     []string
	approvals []domain.TransferResult
}

func (n *fakeNotifier) BreakerTripped(_ context.Context, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trips = append(n.trips, reason)
	return nil
}

func (n *fakeNotifier) ApprovalRequired(_ context.Context, tr domain.TransferResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvals = append(n.approvals, tr)
	return nil
}

// ─── Setup ───────────────────────────────────────────────────────────────────

type fixture struct {
	o        *treasury.Orchestrator
	chain    *fakeChain
	router   *fakeRouter
	notifier *fakeNotifier
	engine   *risk.Engine
	db       *storage.SQLiteStorage
}

func newFixture(t *testing.T, limits domain.RiskLimits) *fixture {
	t.Helper()
	ctx := context.Background()

	chain := &fakeChain{
		balances: map[string]int64{"res": 5_000, "act": 3_000, "pro": 2_000},
		failing:  map[string]bool{},
	}

	reg := allocation.NewRegistry()
	require.NoError(t, reg.Register(
		domain.Wallet{Role: domain.RoleReserve, Address: "res", Multisig: &domain.MultisigInfo{Signers: []string{"a", "b"}, Threshold: 2}},
		domain.AllocationTarget{TargetPct: 0.5, RequiresMultisig: true},
	))
	require.NoError(t, reg.Register(domain.Wallet{Role: domain.RoleActive, Address: "act"}, domain.AllocationTarget{TargetPct: 0.3}))
	require.NoError(t, reg.Register(domain.Wallet{Role: domain.RoleProfit, Address: "pro"}, domain.AllocationTarget{TargetPct: 0.2}))

	alloc, err := allocation.NewManager(reg, chain, chain, chain, allocation.Config{})
	require.NoError(t, err)

	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := risk.NewEngine(ctx, limits, db, nil)
	require.NoError(t, err)

	dist, err := distribution.NewDistributor(ctx, domain.DistributionConfig{
		StakingPct: 0.60, OperationsPct: 0.25, DevelopmentPct: 0.15,
		Addresses: map[domain.Role]string{
			domain.RoleStaking: "stk", domain.RoleOperations: "ops", domain.RoleDevelopment: "dev",
		},
		Weekday: time.Sunday, Hour: 12, MinAmount: 100,
	}, alloc, db, nil)
	require.NoError(t, err)

	router := &fakeRouter{}
	notifier := &fakeNotifier{}
	o, err := treasury.New(treasury.Deps{
		Allocation:  alloc,
		Risk:        engine,
		Distributor: dist,
		Router:      router,
		Notifier:    notifier,
	}, treasury.Config{})
	require.NoError(t, err)

	return &fixture{o: o, chain: chain, router: router, notifier: notifier, engine: engine, db: db}
}

func testLimits() domain.RiskLimits {
	l := domain.DefaultRiskLimits()
	l.MinTradeInterval = 0
	return l
}

func buy(asset string, amount int64) treasury.TradeRequest {
	return treasury.TradeRequest{Asset: asset, Side: domain.SideBuy, Amount: amount}
}

// ─── Init ────────────────────────────────────────────────────────────────────

func TestOrchestrator_FailsClosedBeforeInit(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	res := f.o.ExecuteTrade(ctx, buy("X", 10))
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Error, treasury.ErrNotReady.Error())
	assert.Zero(t, f.router.calls())

	assert.Contains(t, f.o.Rebalance(ctx, false).Error, treasury.ErrNotReady.Error())
	assert.Contains(t, f.o.DistributeProfits(ctx, 1_000, false).Error, treasury.ErrNotReady.Error())
	assert.False(t, f.o.ResumeTrading(ctx, false).Success)
	assert.False(t, f.o.Ready())
}

func TestOrchestrator_InitSeedsStartingBalances(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	require.NoError(t, f.o.Init(ctx))
	require.NoError(t, f.o.Init(ctx), "idempotent")
	assert.True(t, f.o.Ready())

	st := f.engine.Status(ctx)
	for _, p := range domain.Periods {
		assert.Equal(t, int64(3_000), st.StartingBalances[p], p)
	}
}

func TestOrchestrator_InitFailsOnStaleActive(t *testing.T) {
	f := newFixture(t, testLimits())
	f.chain.fail("act")
	assert.Error(t, f.o.Init(context.Background()))
	assert.False(t, f.o.Ready())
}

// ─── Trades ──────────────────────────────────────────────────────────────────

func TestExecuteTrade_RejectionHasNoSideEffects(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	res := f.o.ExecuteTrade(ctx, buy("X", 751)) // 25% of 3000 = 750
	assert.True(t, res.Rejected)
	assert.False(t, res.Success)
	assert.Equal(t, domain.CheckPositionSize, res.Validation.Check)
	assert.Nil(t, res.Record)
	assert.Zero(t, f.router.calls())

	pnl, err := f.engine.PnL(ctx, domain.PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, pnl.TradeCount, "nothing recorded")
}

func TestExecuteTrade_ApprovedIsRoutedAndRecorded(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	req := buy("BONK", 500)
	req.MaxSlippageBps = 5_000
	res := f.o.ExecuteTrade(ctx, req)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.Success)
	assert.Equal(t, "trade-sig", res.Record.ConfirmationID)

	require.Equal(t, 1, f.router.calls())
	assert.Equal(t, 100, f.router.orders[0].MaxSlippageBps, "slippage clamped to the limit")
	assert.Equal(t, int64(500), f.engine.Status(ctx).Positions["BONK"])
}

func TestExecuteTrade_RouterFailureIsRecorded(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	f.router.err = errors.New("no route")

	res := f.o.ExecuteTrade(ctx, buy("BONK", 500))
	assert.False(t, res.Success)
	assert.False(t, res.Rejected)
	assert.Contains(t, res.Error, "no route")
	require.NotNil(t, res.Record)
	assert.False(t, res.Record.Success)
	assert.Zero(t, res.Record.PnL)
	assert.Empty(t, f.engine.Status(ctx).Positions)
}

func TestExecuteTrade_RouterPanicIsRecordedAsFailure(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	f.router.panics = true

	res := f.o.ExecuteTrade(ctx, buy("BONK", 500))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "internal error")
	require.NotNil(t, res.Record)
	assert.False(t, res.Record.Success)
}

func TestExecuteTrade_ProviderPanicDoesNotLeakPermit(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	f.chain.mu.Lock()
	f.chain.panicking = true
	f.chain.mu.Unlock()
	res := f.o.ExecuteTrade(ctx, buy("BONK", 100))
	assert.Contains(t, res.Error, "internal error")

	f.chain.mu.Lock()
	f.chain.panicking = false
	f.chain.mu.Unlock()
	res = f.o.ExecuteTrade(ctx, buy("BONK", 100))
	assert.True(t, res.Success, res.Error)
}

func TestExecuteTrade_StaleActiveBalanceRejected(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	f.chain.fail("act")

	res := f.o.ExecuteTrade(ctx, buy("BONK", 100))
	assert.True(t, res.Rejected)
	assert.Equal(t, domain.CheckBalance, res.Validation.Check)
	assert.Zero(t, f.router.calls())
}

func TestExecuteTrade_ConcurrentCallsAreSerialized(t *testing.T) {
	l := testLimits()
	l.MaxTotalExposurePct = 0.30 // 900 of 3000
	l.MaxTradesPerHour = 100
	l.MaxTradesPerDay = 100
	f := newFixture(t, l)
	f.router.delay = 20 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	const n = 8
	results := make([]treasury.TradeResult, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			asset := string(rune('A' + i))
			results[i] = f.o.ExecuteTrade(ctx, buy(asset, 700))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, exposureRejected := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
		if r.Validation.Check == domain.CheckTotalExposure {
			exposureRejected++
		}
	}
	assert.Equal(t, 1, succeeded, "only one trade fits the exposure budget")
	assert.Equal(t, n-1, exposureRejected)
	assert.Equal(t, 1, f.router.calls())
	assert.Equal(t, int32(1), f.router.peak.Load())
	assert.LessOrEqual(t, f.engine.Status(ctx).TotalExposure, int64(900))
}

// ─── Rebalance ───────────────────────────────────────────────────────────────

func TestRebalance_MultisigLegsRequireApproval(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	// reserve 70%, active 10%, profit 20%
	f.chain.set("res", 7_000)
	f.chain.set("act", 1_000)

	dry := f.o.Rebalance(ctx, true)
	require.True(t, dry.Success, dry.Error)
	require.Len(t, dry.Instructions, 1)
	assert.Len(t, dry.RequiresApproval, 1)
	assert.Empty(t, dry.Transfers)
	assert.Empty(t, f.chain.proposals)

	res := f.o.Rebalance(ctx, false)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, domain.TransferProposed, res.Transfers[0].Outcome)
	assert.False(t, res.Transfers[0].Moved())
	assert.Len(t, f.chain.proposals, 1)
	assert.Empty(t, f.chain.transfers, "cold funds never move directly")
	assert.Len(t, f.notifier.approvals, 1)
}

func TestRebalance_HotLegsExecute(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	// profit over target, reserve under
	f.chain.set("res", 4_000)
	f.chain.set("pro", 3_000)

	res := f.o.Rebalance(ctx, false)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, domain.TransferConfirmed, res.Transfers[0].Outcome)
	assert.Empty(t, res.RequiresApproval)
	assert.Equal(t, "res", f.chain.transfers[0].ToAddress)
	assert.Equal(t, int64(1_000), f.chain.transfers[0].Amount)
}

func TestRebalance_RefusesStaleBalances(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	f.chain.fail("pro")

	res := f.o.Rebalance(ctx, false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "stale")
	assert.Empty(t, f.chain.transfers)
}

// ─── Distribution ────────────────────────────────────────────────────────────

func TestDistributeProfits_DryRunNeedsNoInit(t *testing.T) {
	f := newFixture(t, testLimits())

	res := f.o.DistributeProfits(context.Background(), 1_000_000_000, true)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(600_000_000), res.Distribution.Amount(domain.RoleStaking))
	assert.Equal(t, domain.DistributionPending, res.Distribution.Status)
	assert.Empty(t, f.chain.transfers)
}

func TestDistributeProfits_SweepsProfitWallet(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	res := f.o.DistributeProfits(ctx, 0, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, domain.DistributionCompleted, res.Distribution.Status)
	assert.Equal(t, int64(2_000), res.Distribution.Total)
	assert.Len(t, f.chain.transfers, 3)
}

// ─── Breaker control ─────────────────────────────────────────────────────────

func TestEmergencyStop_WorksBeforeInitAndBeatsOverride(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	stop := f.o.EmergencyStop(ctx, "exploit suspected")
	require.True(t, stop.Success)
	assert.Equal(t, []string{"exploit suspected"}, f.notifier.trips)

	require.NoError(t, f.o.Init(ctx))
	require.True(t, f.o.ResumeTrading(ctx, true).Success)
	assert.True(t, f.engine.Breaker().ManualOverride)

	f.o.EmergencyStop(ctx, "")
	res := f.o.ExecuteTrade(ctx, buy("X", 10))
	assert.True(t, res.Rejected)
	assert.Equal(t, domain.CheckCircuitBreaker, res.Validation.Check)
	assert.Contains(t, res.Error, "Manual emergency stop")
}

func TestEmergencyStop_ReportsUnpersistedTrip(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	require.NoError(t, f.db.Close())

	res := f.o.EmergencyStop(ctx, "exploit suspected")
	assert.False(t, res.Success, "a stop that will not survive a restart is not a success")
	assert.Contains(t, res.Error, "save risk state")
	assert.Contains(t, res.Message, "in memory only")

	assert.False(t, f.engine.IsTradingAllowed(ctx), "trading is still halted in this process")
	assert.Equal(t, domain.CircuitOpen, f.engine.Breaker().State)
	assert.Equal(t, []string{"exploit suspected"}, f.notifier.trips)

	resume := f.o.ResumeTrading(ctx, false)
	assert.False(t, resume.Success)
	assert.NotEmpty(t, resume.Error)
}

func TestResumeTrading_ClosesBreaker(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	f.o.EmergencyStop(ctx, "test")
	assert.True(t, f.o.ExecuteTrade(ctx, buy("X", 10)).Rejected)

	require.True(t, f.o.ResumeTrading(ctx, false).Success)
	assert.True(t, f.o.ExecuteTrade(ctx, buy("X", 10)).Success)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))

	st := f.o.Status(ctx)
	assert.True(t, st.Ready)
	assert.Equal(t, int64(10_000), st.TotalValue)
	assert.False(t, st.NeedsRebalance)
	assert.Len(t, st.Allocation, 3)
	assert.True(t, st.Risk.TradingAllowed)
}
