package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/treasury/config"
	"github.com/alejandrodnm/treasury/internal/adapters/metrics"
	"github.com/alejandrodnm/treasury/internal/adapters/notify"
	"github.com/alejandrodnm/treasury/internal/adapters/paper"
	"github.com/alejandrodnm/treasury/internal/adapters/readonly"
	"github.com/alejandrodnm/treasury/internal/adapters/rpc"
	"github.com/alejandrodnm/treasury/internal/adapters/storage"
	"github.com/alejandrodnm/treasury/internal/application/allocation"
	"github.com/alejandrodnm/treasury/internal/application/distribution"
	"github.com/alejandrodnm/treasury/internal/application/risk"
	"github.com/alejandrodnm/treasury/internal/application/treasury"
	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	console  *notify.Console
	registry *prometheus.Registry
	treasury *treasury.Orchestrator
}

// execution is the set of chain-facing ports for one mode.
type execution struct {
	balances ports.BalanceProvider
	executor ports.TransferExecutor
	proposer ports.MultisigProposer
	router   ports.TradeRouter
}

func newExecution(cfg *config.Config) execution {
	if cfg.Execution.Mode == config.ModeLive {
		client := rpc.NewClient(cfg.Execution.RPCURL, cfg.Execution.RPCRatePerSec)
		client.Mints = cfg.Execution.Mints
		ro := readonly.New()
		slog.Warn("live mode: balances from RPC, signing disabled", "rpc", cfg.Execution.RPCURL)
		return execution{balances: client, executor: ro, proposer: ro, router: ro}
	}

	chain := paper.NewChain(cfg.Paper.Balances)
	var active string
	for _, w := range cfg.Wallets {
		if role, _ := domain.ParseRole(w.Role); role == domain.RoleActive {
			active = w.Address
		}
	}
	router := paper.NewRouter(chain, active)
	for asset, price := range cfg.Paper.Prices {
		router.Prices[asset] = price
	}
	return execution{balances: chain, executor: chain, proposer: chain, router: router}
}

// buildApp wires storage, adapters and the orchestrator. Init is not called.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	a := &app{
		cfg:      cfg,
		store:    store,
		console:  notify.NewConsole(),
		registry: prometheus.NewRegistry(),
	}
	if err := a.wire(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	m := metrics.New(a.registry)
	exec := newExecution(cfg)

	reg := allocation.NewRegistry()
	for _, wc := range cfg.Wallets {
		w, t, err := wc.Domain()
		if err != nil {
			return err
		}
		if err := reg.Register(w, t); err != nil {
			return err
		}
	}
	alloc, err := allocation.NewManager(reg, exec.balances, exec.executor, exec.proposer, allocation.Config{})
	if err != nil {
		return err
	}

	engine, err := risk.NewEngine(ctx, cfg.RiskLimits(), a.store, m)
	if err != nil {
		return err
	}

	dcfg, err := cfg.DistributionSettings()
	if err != nil {
		return err
	}
	dist, err := distribution.NewDistributor(ctx, dcfg, alloc, a.store, m)
	if err != nil {
		return err
	}

	a.treasury, err = treasury.New(treasury.Deps{
		Allocation:  alloc,
		Risk:        engine,
		Distributor: dist,
		Router:      exec.router,
		Notifier:    a.console,
		Metrics:     m,
	}, treasury.Config{
		MaxBalanceAge:      cfg.Execution.MaxBalanceAge,
		RebalanceThreshold: cfg.Scheduler.RebalanceThreshold,
	})
	return err
}

// initialized builds the app and runs Init, for commands that mutate state.
func initialized(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.treasury.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("close storage", "err", err)
	}
}
