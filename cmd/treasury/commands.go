package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alejandrodnm/treasury/internal/application/scheduler"
	"github.com/alejandrodnm/treasury/internal/application/treasury"
	"github.com/alejandrodnm/treasury/internal/domain"
	"github.com/alejandrodnm/treasury/internal/ports"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler (distributions, period rollover, rebalance checks) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := initialized(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sc := opts.cfg.Scheduler
			s, err := scheduler.New(ctx, a.treasury, scheduler.Config{
				DistributionSpec:   sc.DistributionSpec,
				PeriodSpec:         sc.PeriodSpec,
				RebalanceSpec:      sc.RebalanceSpec,
				RebalanceThreshold: sc.RebalanceThreshold,
				AutoRebalance:      sc.AutoRebalance,
			})
			if err != nil {
				return err
			}

			var srv *http.Server
			if addr := opts.cfg.Metrics.Listen; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("metrics server failed", "err", err)
					}
				}()
				slog.Info("metrics listening", "addr", addr)
			}

			slog.Info("treasury running", "mode", opts.cfg.Execution.Mode, "db", opts.cfg.Storage.DSN)
			s.Start()
			<-ctx.Done()
			s.Stop()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("metrics server shutdown", "err", err)
				}
			}
			slog.Info("treasury stopped cleanly")
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print allocation, risk and distribution status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.treasury.Status(ctx)
			a.console.PrintAllocation(st.Allocation, st.TotalValue)
			if st.NeedsRebalance {
				fmt.Println("  allocation drift above threshold: run `treasury rebalance --dry-run`")
			}
			a.console.PrintRiskStatus(st.Risk)

			last := "never"
			if !st.LastDistribution.IsZero() {
				last = st.LastDistribution.UTC().Format(time.RFC3339)
			}
			fmt.Printf("\nlast distribution: %s  due now: %v\n", last, st.DistributionDue)
			return nil
		},
	}
}

func newTradeCmd(opts *rootOptions) *cobra.Command {
	var (
		asset    string
		side     string
		amount   int64
		slippage int
		impact   float64
	)
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Validate and execute one trade from the active wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseSide(strings.ToLower(side))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := initialized(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.treasury.ExecuteTrade(ctx, treasury.TradeRequest{
				Asset:          asset,
				Side:           s,
				Amount:         amount,
				MaxSlippageBps: slippage,
				PriceImpactPct: impact,
			})
			switch {
			case res.Rejected:
				fmt.Printf("REJECTED [%s]: %s\n", res.Validation.Check, res.Validation.Reason)
			case res.Success:
				fmt.Printf("EXECUTED %s %s in=%d out=%d pnl=%d confirmation=%s\n",
					s, asset, res.Record.AmountIn, res.Record.AmountOut, res.Record.PnL, res.Record.ConfirmationID)
			default:
				fmt.Printf("FAILED: %s\n", res.Error)
			}
			if !res.Success {
				return fmt.Errorf("trade not executed")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&asset, "asset", "", "asset to trade")
	f.StringVar(&side, "side", "buy", "buy|sell")
	f.Int64Var(&amount, "amount", 0, "amount in native smallest units")
	f.IntVar(&slippage, "slippage-bps", 0, "max slippage (0 = risk limit)")
	f.Float64Var(&impact, "price-impact", 0, "quoted price impact, percent")
	cmd.MarkFlagRequired("asset")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newRebalanceCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Move funds back to target allocation (multisig legs are proposed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, opts, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.treasury.Rebalance(ctx, dryRun)
			a.console.PrintRebalancePlan(res.Instructions)
			a.console.PrintTransfers(res.Transfers)
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the plan")
	return cmd
}

func newDistributeCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		amount int64
	)
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Sweep the profit wallet to staking, operations and development",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, opts, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.treasury.DistributeProfits(ctx, amount, dryRun)
			if res.Distribution.ID != "" {
				a.console.PrintDistributions([]domain.Distribution{res.Distribution})
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "persist the plan without transferring")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to distribute (0 = whole profit balance)")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Emergency stop: trip the circuit breaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return opResult(a.treasury.EmergencyStop(ctx, reason))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the breaker")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var override bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Close the circuit breaker and resume trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := initialized(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return opResult(a.treasury.ResumeTrading(ctx, override))
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "keep trading allowed until the next emergency stop")
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print distribution history and statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dist := a.treasury.Distributor()
			history, err := dist.History(ctx, ports.NewestFirst, limit)
			if err != nil {
				return err
			}
			a.console.PrintDistributions(history)

			stats, err := dist.Stats(ctx)
			if err != nil {
				return err
			}
			a.console.PrintDistributionStats(stats)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of distributions to show (0 = all)")
	return cmd
}

// setup builds the app and runs Init unless the operation is a dry run.
func setup(ctx context.Context, opts *rootOptions, dryRun bool) (*app, error) {
	if dryRun {
		return buildApp(ctx, opts.cfg)
	}
	return initialized(ctx, opts.cfg)
}

func opResult(res treasury.OpResult) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	fmt.Println(res.Message)
	return nil
}
