package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/orchestrator"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [flags] <execution id>",
		Short: "Shows an execution and its node records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			tenant, _ := cmd.Flags().GetString("tenant")

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Errorf("failed to close store: %v", err)
				}
			}()

			exec, nodes, err := store.Snapshot(ctx, tenant, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(struct {
				Execution *core.Execution       `json:"execution"`
				Nodes     []*core.NodeExecution `json:"nodes"`
			}{exec, nodes}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "tenant id")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel [flags] <execution id>",
		Short: "Requests cooperative cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			tenant, _ := cmd.Flags().GetString("tenant")

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

			svc := orchestrator.New(store, broker, nil)
			return svc.Cancel(ctx, tenant, args[0])
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "tenant id")
	return cmd
}
