package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedEnv(vars map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadAppliesDefaultsWhenOnlyRequiredFieldsSet(t *testing.T) {
	cfg, err := Load(
		WithEnv(fixedEnv(nil)),
		WithStoreURL("https://store.example.com"),
		WithOrchestratorID("orch-1"),
	)
	require.NoError(t, err)
	require.Equal(t, DefaultFlowsDir, cfg.FlowsDir)
	require.Equal(t, DefaultBlueprintsFile, cfg.BlueprintsFile)
	require.Equal(t, DefaultRuntimeDir, cfg.RuntimeDir)
	require.Equal(t, DefaultLeaseDuration, cfg.LeaseDuration)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.Equal(t, DefaultBaseBranch, cfg.BaseBranch)
	require.Equal(t, DefaultTickDeadline, cfg.TickDeadline)
}

func TestLoadFailsWithoutStoreURL(t *testing.T) {
	_, err := Load(WithEnv(fixedEnv(nil)), WithOrchestratorID("orch-1"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "store_url")
}

func TestLoadFailsWithoutOrchestratorID(t *testing.T) {
	_, err := Load(WithEnv(fixedEnv(nil)), WithStoreURL("https://store.example.com"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "orchestrator_id")
}

func TestLoadFileLayerOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopoid.yaml")
	yaml := []byte("store_url: https://from-file.example.com\n" +
		"orchestrator_id: orch-file\n" +
		"flows_dir: /etc/octopoid/flows\n" +
		"lease_duration_seconds: 900\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := Load(WithEnv(fixedEnv(nil)), WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, "https://from-file.example.com", cfg.StoreURL)
	require.Equal(t, "orch-file", cfg.OrchestratorID)
	require.Equal(t, "/etc/octopoid/flows", cfg.FlowsDir)
	require.Equal(t, 900*time.Second, cfg.LeaseDuration)
}

func TestLoadEnvLayerOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopoid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_url: https://from-file.example.com\norchestrator_id: orch-file\n"), 0o644))

	env := fixedEnv(map[string]string{
		"OCTOPOID_STORE_URL":       "https://from-env.example.com",
		"OCTOPOID_ORCHESTRATOR_ID": "orch-env",
	})

	cfg, err := Load(WithEnv(env), WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, "https://from-env.example.com", cfg.StoreURL)
	require.Equal(t, "orch-env", cfg.OrchestratorID)
}

func TestLoadOverrideLayerWinsOverEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopoid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_url: https://from-file.example.com\norchestrator_id: orch-file\n"), 0o644))

	env := fixedEnv(map[string]string{"OCTOPOID_STORE_URL": "https://from-env.example.com"})

	cfg, err := Load(WithEnv(env), WithConfigPath(path), WithStoreURL("https://from-override.example.com"))
	require.NoError(t, err)
	require.Equal(t, "https://from-override.example.com", cfg.StoreURL)
	require.Equal(t, "orch-file", cfg.OrchestratorID)
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	cfg, err := Load(
		WithEnv(fixedEnv(nil)),
		WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")),
		WithStoreURL("https://store.example.com"),
		WithOrchestratorID("orch-1"),
	)
	require.NoError(t, err)
	require.Equal(t, "https://store.example.com", cfg.StoreURL)
}

func TestLoadMalformedConfigFileFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopoid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_url: [this is not valid: yaml"), 0o644))

	_, err := Load(WithEnv(fixedEnv(nil)), WithConfigPath(path))
	require.Error(t, err)
}

func TestLoadGitHubAndMetricsFieldsLayerThroughFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopoid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"store_url: https://store.example.com\n"+
			"orchestrator_id: orch-1\n"+
			"github_owner: from-file\n"+
			"github_repo: repo\n"+
			"metrics_addr: :9000\n"), 0o644))

	env := fixedEnv(map[string]string{"OCTOPOID_GITHUB_OWNER": "from-env"})

	cfg, err := Load(WithEnv(env), WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.GitHubOwner)
	require.Equal(t, "repo", cfg.GitHubRepo)
	require.Equal(t, ":9000", cfg.MetricsAddr)

	cfg, err = Load(WithEnv(env), WithConfigPath(path), WithOverrides(Config{GitHubOwner: "from-override"}))
	require.NoError(t, err)
	require.Equal(t, "from-override", cfg.GitHubOwner)
}

func TestConfigDerivedPathsJoinRuntimeDir(t *testing.T) {
	cfg := Config{RuntimeDir: "/var/lib/octopoid"}
	require.Equal(t, "/var/lib/octopoid/scheduler-state.json", cfg.StateFilePath())
	require.Equal(t, "/var/lib/octopoid/pool", cfg.PoolDir())
	require.Equal(t, "/var/lib/octopoid/sandboxes", cfg.SandboxDir())
	require.Equal(t, "/var/lib/octopoid/tick.lock", cfg.LockFilePath())
}
