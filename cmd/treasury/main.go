package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/treasury/config"
)

type rootOptions struct {
	configPath string
	verbose    bool
	logFormat  string

	cfg *config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("treasury exited with error", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "treasury",
		Short:         "Treasury risk and fund-flow control",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.verbose {
				cfg.Log.Level = "debug"
			}
			if opts.logFormat != "" {
				cfg.Log.Format = opts.logFormat
			}
			setupLogger(cfg.Log)
			opts.cfg = cfg
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "config/config.yaml", "path to config file")
	f.BoolVar(&opts.verbose, "verbose", false, "set log level to debug")
	f.StringVar(&opts.logFormat, "format", "", "log format: text|json (overrides config)")

	cmd.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newTradeCmd(opts),
		newRebalanceCmd(opts),
		newDistributeCmd(opts),
		newStopCmd(opts),
		newResumeCmd(opts),
		newReportCmd(opts),
	)
	return cmd
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
