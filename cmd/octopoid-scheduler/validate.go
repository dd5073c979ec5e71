package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/steps"
)

func newValidateFlowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-flows",
		Short: "Load and validate every flow file without running a tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			blueprints, err := blueprint.LoadFile(cfg.BlueprintsFile)
			if err != nil {
				return fmt.Errorf("load blueprints: %w", err)
			}

			// Flow validation checks every step name against the registry,
			// so every registered step name must be present even though no
			// step is ever executed here.
			registry := steps.NewRegistry()
			steps.Register(registry, steps.Deps{})

			flows, err := flow.LoadDir(cfg.FlowsDir, registry, blueprints)
			if err != nil {
				return fmt.Errorf("validate flows: %w", err)
			}

			for name := range flows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle("valid"), name)
			}
			return nil
		},
	}
}
