package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML decoding. Durations are plain seconds
// so the file format stays legible ("lease_duration_seconds: 600") without
// requiring yaml.v3 duration support.
type fileConfig struct {
	StoreURL         string `yaml:"store_url"`
	OrchestratorID   string `yaml:"orchestrator_id"`
	Cluster          string `yaml:"cluster"`
	MachineID        string `yaml:"machine_id"`
	FlowsDir         string `yaml:"flows_dir"`
	BlueprintsFile   string `yaml:"blueprints_file"`
	RuntimeDir       string `yaml:"runtime_dir"`
	RepoDir          string `yaml:"repo_dir"`
	WorkerBinary     string `yaml:"worker_binary"`
	BaseBranch       string `yaml:"base_branch"`
	GitHubOwner      string `yaml:"github_owner"`
	GitHubRepo       string `yaml:"github_repo"`
	GitHubToken      string `yaml:"github_token"`
	MetricsAddr      string `yaml:"metrics_addr"`
	LeaseDurationSec *int   `yaml:"lease_duration_seconds"`
	TickDeadlineSec  *int   `yaml:"tick_deadline_seconds"`
	PollCacheTTLSec  *int   `yaml:"poll_cache_ttl_seconds"`
	LogLevel         string `yaml:"log_level"`
}

// applyFile reads options.configPath (if set) and overlays any present
// field onto cfg. A missing file is not an error; a malformed one is.
func applyFile(cfg *Config, o *loadOptions) error {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		return nil
	}

	data, err := o.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	overlayString(&cfg.StoreURL, fc.StoreURL)
	overlayString(&cfg.OrchestratorID, fc.OrchestratorID)
	overlayString(&cfg.Cluster, fc.Cluster)
	overlayString(&cfg.MachineID, fc.MachineID)
	overlayString(&cfg.FlowsDir, fc.FlowsDir)
	overlayString(&cfg.BlueprintsFile, fc.BlueprintsFile)
	overlayString(&cfg.RuntimeDir, fc.RuntimeDir)
	overlayString(&cfg.RepoDir, fc.RepoDir)
	overlayString(&cfg.WorkerBinary, fc.WorkerBinary)
	overlayString(&cfg.BaseBranch, fc.BaseBranch)
	overlayString(&cfg.GitHubOwner, fc.GitHubOwner)
	overlayString(&cfg.GitHubRepo, fc.GitHubRepo)
	overlayString(&cfg.GitHubToken, fc.GitHubToken)
	overlayString(&cfg.MetricsAddr, fc.MetricsAddr)
	overlayString(&cfg.LogLevel, fc.LogLevel)
	overlaySeconds(&cfg.LeaseDuration, fc.LeaseDurationSec)
	overlaySeconds(&cfg.TickDeadline, fc.TickDeadlineSec)
	overlaySeconds(&cfg.PollCacheTTL, fc.PollCacheTTLSec)

	return nil
}

func overlayString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
