package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load resolves a Config through four layers, each overriding the last:
// built-in defaults, the YAML config file (if WithConfigPath was given),
// the process environment (OCTOPOID_* variables), and explicit overrides
// passed via Option. Missing store URL or orchestrator ID is a
// configuration error — every other field has a usable default.
func Load(opts ...Option) (Config, error) {
	o := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Config{
		FlowsDir:        DefaultFlowsDir,
		BlueprintsFile:  DefaultBlueprintsFile,
		RuntimeDir:      DefaultRuntimeDir,
		BaseBranch:      DefaultBaseBranch,
		LeaseDuration:   DefaultLeaseDuration,
		TickDeadline:    DefaultTickDeadline,
		PollCacheTTL:    DefaultPollCacheTTL,
		LogLevel:        DefaultLogLevel,
	}

	if err := applyFile(&cfg, &o); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, o.envLookup)
	applyOverrides(&cfg, o)

	if strings.TrimSpace(cfg.StoreURL) == "" {
		return Config{}, fmt.Errorf("config: store_url is required (set via config file, OCTOPOID_STORE_URL, or WithStoreURL)")
	}
	if strings.TrimSpace(cfg.OrchestratorID) == "" {
		return Config{}, fmt.Errorf("config: orchestrator_id is required (set via config file, OCTOPOID_ORCHESTRATOR_ID, or WithOrchestratorID)")
	}

	return cfg, nil
}

func overlaySeconds(dst *time.Duration, seconds *int) {
	if seconds != nil {
		*dst = time.Duration(*seconds) * time.Second
	}
}

func applyEnv(cfg *Config, lookup EnvLookup) {
	overlayEnvString(lookup, "OCTOPOID_STORE_URL", &cfg.StoreURL)
	overlayEnvString(lookup, "OCTOPOID_ORCHESTRATOR_ID", &cfg.OrchestratorID)
	overlayEnvString(lookup, "OCTOPOID_CLUSTER", &cfg.Cluster)
	overlayEnvString(lookup, "OCTOPOID_MACHINE_ID", &cfg.MachineID)
	overlayEnvString(lookup, "OCTOPOID_FLOWS_DIR", &cfg.FlowsDir)
	overlayEnvString(lookup, "OCTOPOID_BLUEPRINTS_FILE", &cfg.BlueprintsFile)
	overlayEnvString(lookup, "OCTOPOID_RUNTIME_DIR", &cfg.RuntimeDir)
	overlayEnvString(lookup, "OCTOPOID_REPO_DIR", &cfg.RepoDir)
	overlayEnvString(lookup, "OCTOPOID_WORKER_BINARY", &cfg.WorkerBinary)
	overlayEnvString(lookup, "OCTOPOID_BASE_BRANCH", &cfg.BaseBranch)
	overlayEnvString(lookup, "OCTOPOID_GITHUB_OWNER", &cfg.GitHubOwner)
	overlayEnvString(lookup, "OCTOPOID_GITHUB_REPO", &cfg.GitHubRepo)
	overlayEnvString(lookup, "OCTOPOID_GITHUB_TOKEN", &cfg.GitHubToken)
	overlayEnvString(lookup, "OCTOPOID_METRICS_ADDR", &cfg.MetricsAddr)
	overlayEnvString(lookup, "OCTOPOID_LOG_LEVEL", &cfg.LogLevel)
	overlayEnvSeconds(lookup, "OCTOPOID_LEASE_DURATION_SECONDS", &cfg.LeaseDuration)
	overlayEnvSeconds(lookup, "OCTOPOID_TICK_DEADLINE_SECONDS", &cfg.TickDeadline)
	overlayEnvSeconds(lookup, "OCTOPOID_POLL_CACHE_TTL_SECONDS", &cfg.PollCacheTTL)
}

func overlayEnvString(lookup EnvLookup, key string, dst *string) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func overlayEnvSeconds(lookup EnvLookup, key string, dst *time.Duration) {
	if lookup == nil {
		return
	}
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = time.Duration(n) * time.Second
}

// applyOverrides layers every non-zero field of o.overrides (set via
// WithOverrides or one of the single-field With* helpers) onto cfg.
// Overrides win over everything else.
func applyOverrides(cfg *Config, o loadOptions) {
	ov := o.overrides

	if ov.StoreURL != "" {
		cfg.StoreURL = ov.StoreURL
	}
	if ov.OrchestratorID != "" {
		cfg.OrchestratorID = ov.OrchestratorID
	}
	if ov.Cluster != "" {
		cfg.Cluster = ov.Cluster
	}
	if ov.MachineID != "" {
		cfg.MachineID = ov.MachineID
	}
	if ov.FlowsDir != "" {
		cfg.FlowsDir = ov.FlowsDir
	}
	if ov.BlueprintsFile != "" {
		cfg.BlueprintsFile = ov.BlueprintsFile
	}
	if ov.RuntimeDir != "" {
		cfg.RuntimeDir = ov.RuntimeDir
	}
	if ov.RepoDir != "" {
		cfg.RepoDir = ov.RepoDir
	}
	if ov.WorkerBinary != "" {
		cfg.WorkerBinary = ov.WorkerBinary
	}
	if ov.BaseBranch != "" {
		cfg.BaseBranch = ov.BaseBranch
	}
	if ov.GitHubOwner != "" {
		cfg.GitHubOwner = ov.GitHubOwner
	}
	if ov.GitHubRepo != "" {
		cfg.GitHubRepo = ov.GitHubRepo
	}
	if ov.GitHubToken != "" {
		cfg.GitHubToken = ov.GitHubToken
	}
	if ov.MetricsAddr != "" {
		cfg.MetricsAddr = ov.MetricsAddr
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.LeaseDuration != 0 {
		cfg.LeaseDuration = ov.LeaseDuration
	}
	if ov.TickDeadline != 0 {
		cfg.TickDeadline = ov.TickDeadline
	}
	if ov.PollCacheTTL != 0 {
		cfg.PollCacheTTL = ov.PollCacheTTL
	}
}
