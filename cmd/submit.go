package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/orchestrator"
	"github.com/orcaflow/orcaflow/internal/persistence"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] <workflow file>",
		Short: "Submits a workflow for execution",
		Long:  `Validates the workflow, creates the execution and enqueues it. With --wait, blocks until the execution is terminal.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}

			input, _ := cmd.Flags().GetString("input")
			tenant, _ := cmd.Flags().GetString("tenant")
			wait, _ := cmd.Flags().GetBool("wait")

			var rawInput json.RawMessage
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				rawInput = json.RawMessage(input)
			}

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
			executionID, err := svc.Submit(ctx, orchestrator.SubmitRequest{
				Workflow: *wf,
				Input:    rawInput,
				TenantID: tenant,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), executionID)

			if !wait {
				return nil
			}
			return waitTerminal(ctx, store, tenant, executionID, cmd)
		},
	}

	cmd.Flags().StringP("input", "i", "", "execution input as a JSON document")
	cmd.Flags().StringP("tenant", "t", "", "tenant id")
	cmd.Flags().BoolP("wait", "w", false, "wait for the execution to finish and print the final record")
	return cmd
}

// loadWorkflow reads a workflow definition from a YAML (or JSON) file.
func loadWorkflow(path string) (*core.Workflow, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var wf core.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	return &wf, nil
}

// waitTerminal polls the store until the execution reaches a terminal
// status, then prints the record.
func waitTerminal(ctx context.Context, store persistence.Store, tenant, executionID string, cmd *cobra.Command) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		exec, _, err := store.Snapshot(ctx, tenant, executionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			out, err := json.MarshalIndent(exec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
	}
}
