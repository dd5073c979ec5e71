// Command octopoid-scheduler is the operational surface around the
// scheduler core: run exactly one tick, loop ticks on an interval until
// signaled, or validate a flow directory without touching the store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle(err.Error()))
		os.Exit(1)
	}
}

var (
	flagConfigPath     string
	flagStoreURL       string
	flagOrchestratorID string
	flagFlowsDir       string
	flagBlueprintsFile string
	flagRuntimeDir     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "octopoid-scheduler",
		Short:         "Tick-driven orchestrator for distributed agent task execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to octopoid.yaml")
	root.PersistentFlags().StringVar(&flagStoreURL, "store-url", "", "Remote store base URL")
	root.PersistentFlags().StringVar(&flagOrchestratorID, "orchestrator-id", "", "This orchestrator's identity")
	root.PersistentFlags().StringVar(&flagFlowsDir, "flows-dir", "", "Flow definitions directory")
	root.PersistentFlags().StringVar(&flagBlueprintsFile, "blueprints-file", "", "Blueprint definitions file")
	root.PersistentFlags().StringVar(&flagRuntimeDir, "runtime-dir", "", "Scheduler-owned runtime directory")

	root.AddCommand(newTickCmd(), newRunCmd(), newValidateFlowsCmd())
	return root
}
