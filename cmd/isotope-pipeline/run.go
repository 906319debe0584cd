package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandboxws/isotope/pipeline/pkg/engine"
	"github.com/sandboxws/isotope/pipeline/pkg/metrics"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Run a pipeline plan (.yaml, .json or protobuf binary)",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	flags := cmd.Flags()
	flags.Int(workersFlag, 0, "scheduler worker goroutines (0 uses GOMAXPROCS)")
	flags.String(metricsAddrFlag, "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.Duration(shutdownTimeoutFlag, engine.DefaultShutdownTimeout, "time allowed for teardown after SIGINT/SIGTERM")
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		for _, name := range []string{workersFlag, metricsAddrFlag, shutdownTimeoutFlag} {
			mustBindPFlag(name, cmd.Flags().Lookup(name))
		}
	}
	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	logger := newLogger(viper.GetString(logLevelFlag), viper.GetString(logFormatFlag), os.Stderr)
	slog.SetDefault(logger)

	plan, err := engine.LoadPlan(args[0])
	if err != nil {
		return err
	}
	logger.Info("loaded plan",
		"pipeline", plan.Name,
		"processors", len(plan.Processors),
		"edges", len(plan.Edges),
	)

	if addr := viper.GetString(metricsAddrFlag); addr != "" {
		srv := metrics.ServeMetrics(addr, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	alloc := memory.DefaultAllocator
	cfg := engine.Config{
		Workers:         viper.GetInt(workersFlag),
		ShutdownTimeout: viper.GetDuration(shutdownTimeoutFlag),
	}
	eng := engine.NewEngine(plan, alloc, pipelineRegistry(alloc, logger).Create, cfg)
	if err := engine.RunWithGracefulShutdown(cmd.Context(), eng, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("run %s: %w", plan.Name, err)
	}
	return nil
}
