package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/metrics"
	"github.com/orcaflow/orcaflow/internal/runner"
)

func runnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Runs the node runner",
		Long:  `Consumes execute-node requests, runs the built-in handlers sandboxed, and replies with structured results.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			broker, err := openBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open broker: %w", err)
			}
			defer func() {
				if err := broker.Close(); err != nil {
					logger.Errorf("failed to close broker: %v", err)
				}
			}()

			registry := runner.NewRegistry()
			runner.RegisterBuiltins(registry)

			svc, err := runner.NewService(broker, registry, runner.ServiceConfig{
				Limits: runner.Limits{
					DefaultTimeout: cfg.Runner.DefaultTimeout,
					MaxTimeout:     cfg.Runner.MaxTimeout,
					MaxOutputBytes: cfg.Runner.MaxOutputBytes,
				},
				Prefetch:      cfg.Transport.Prefetch.Node,
				MessageTTL:    cfg.Transport.MessageTTL.Node,
				MaxDeliveries: cfg.Transport.MaxDeliveries,
				MemoryLimitMB: cfg.Runner.MemoryLimitMB,
			}, metrics.New(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
}
