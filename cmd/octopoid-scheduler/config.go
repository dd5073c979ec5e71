package main

import (
	"github.com/maxthelion/octopoid/internal/config"
)

// resolveConfig loads a Config from the persistent flags, layering it
// through config.Load's usual file/environment/override precedence so
// flags behave exactly like any other override.
func resolveConfig() (config.Config, error) {
	opts := []config.Option{}
	if flagConfigPath != "" {
		opts = append(opts, config.WithConfigPath(flagConfigPath))
	}
	opts = append(opts, config.WithOverrides(config.Config{
		StoreURL:       flagStoreURL,
		OrchestratorID: flagOrchestratorID,
		FlowsDir:       flagFlowsDir,
		BlueprintsFile: flagBlueprintsFile,
		RuntimeDir:     flagRuntimeDir,
	}))
	return config.Load(opts...)
}
