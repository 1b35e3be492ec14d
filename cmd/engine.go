package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orcaflow/orcaflow/internal/dispatch"
	"github.com/orcaflow/orcaflow/internal/engine"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/metrics"
)

func engineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engine",
		Short: "Runs the scheduler engine",
		Long:  `Consumes execute-workflow jobs and schedules their nodes until terminal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Errorf("failed to close store: %v", err)
				}
			}()

			broker, err := openBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open broker: %w", err)
			}
			defer func() {
				if err := broker.Close(); err != nil {
					logger.Errorf("failed to close broker: %v", err)
				}
			}()

			dispatcher := dispatch.New(broker, dispatch.Config{
				BaseBackoff:        cfg.Dispatcher.BaseBackoff,
				MaxBackoff:         cfg.Dispatcher.MaxBackoff,
				MaxAttempts:        cfg.Dispatcher.MaxAttempts,
				DefaultNodeTimeout: cfg.Runner.DefaultTimeout,
				ReplySlack:         cfg.Dispatcher.ReplySlack,
				MessageTTL:         cfg.Transport.MessageTTL.Node,
				MaxDeliveries:      cfg.Transport.MaxDeliveries,
			})

			eng := engine.New(store, broker, dispatcher, nil,
				metrics.New(prometheus.NewRegistry()),
				engine.Config{
					MaxConcurrency: cfg.Engine.MaxConcurrencyPerExecution,
					MaxExecutions:  cfg.Engine.MaxExecutionsPerInstance,
					Deadline:       cfg.Engine.ExecutionDeadline,
					FailPolicy:     cfg.Execution.FailPolicy,
					MessageTTL:     cfg.Transport.MessageTTL.Workflow,
					MaxDeliveries:  cfg.Transport.MaxDeliveries,
				})
			return eng.Run(ctx)
		},
	}
}
