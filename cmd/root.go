// Package cmd wires the services into one binary: engine and runner
// daemons, plus client verbs that embed the orchestrator core.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "orcaflow",
		Short: "Distributed workflow execution core.",
		Long:  `Distributed DAG workflow execution: submit workflows, run engines and node runners.`,
	}
)

// Execute runs the root command. Called by main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus ORCAFLOW_ env)")

	rootCmd.AddCommand(engineCmd())
	rootCmd.AddCommand(runnerCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
}
