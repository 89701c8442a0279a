package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"lecca.io/scout-watchtower/internal/alerts"
	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/dashboard"
	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/metrics"
	"lecca.io/scout-watchtower/internal/processor"
	"lecca.io/scout-watchtower/internal/report"
	"lecca.io/scout-watchtower/internal/substrate"
)

//go:embed config.example.yml
var configExample []byte

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:       "watchtower [CHAIN]",
		Short:     "Validator watchtower for substrate based chains",
		Long:      "Follows finalized blocks, tracks the authored blocks and para validator duty of the watched stashes and runs hook scripts on session, era and staking events.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"westend", "kusama", "polkadot"},
		Version:   report.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args)
		},
		SilenceUsage: true,
	}
	f.register(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags, args []string) error {
	level := "info"
	if f.debug {
		level = "debug"
	}
	if err := logger.Init(level, f.logEncoding); err != nil {
		return err
	}
	defer logger.Sync()

	configPath, err := resolveConfigPath(f.configFile)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := ensureDefaultConfig(configPath, configExample); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	logger.Info("INIT", "Loading config from %s...", configPath)
	cfg, err := config.Read(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := f.apply(cfg, args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	logger.Info("INIT", "Config loaded. Watching %d stashes", len(cfg.Chain.Stashes))

	nodeMgr := substrate.NewManager(cfg.Chain.Endpoints(), config.ParseDuration(cfg.Advanced.RPCTimeout))
	nodeMgr.SetInterval(config.ParseDuration(cfg.Advanced.HealthInterval))
	nodeMgr.Start(ctx)

	exporter := metrics.NewExporter(cfg.Advanced.Prometheus.MetricsPrefix, prometheus.DefaultRegisterer, nodeMgr)
	exporter.Start(ctx, config.ParseDuration(cfg.Advanced.HealthInterval))

	notifier := alerts.NewNotifier(cfg.Alerts)
	logger.Info("INIT", "Sending messages to %d channels", notifier.Len())

	status := processor.NewStatus()
	dashboard.NewServer(cfg, status, nodeMgr, prometheus.DefaultGatherer).Start(ctx)

	watchdog := alerts.NewWatchdog(cfg.Alerts.Rules, cfg.Chain.Name, cfg.Chain.Nodes, nodeMgr, status, notifier)
	watchdog.Start(ctx)

	sup := processor.NewSupervisor(cfg,
		processor.ManagerDialer(nodeMgr),
		hooks.NewRunner(config.ParseDuration(cfg.Advanced.HookTimeout)),
		notifier, exporter, status)

	logger.Info("SYS", "%s %s started", report.AppName, report.Version)
	err = sup.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("SYS", "Shutdown complete")
		return nil
	}
	return err
}
