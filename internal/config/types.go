// Package config loads the scheduler's runtime configuration: where the
// remote store lives, this orchestrator's identity, where flow and blueprint
// files are kept, and the local runtime directory the scheduler owns for
// sandboxes, pool files, and the scheduler-state file.
package config

import "time"

// Default values applied before any file, environment, or override layer is
// consulted.
const (
	DefaultLeaseDuration  = 10 * time.Minute
	DefaultPollCacheTTL   = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultRuntimeDir     = "~/.octopoid/run"
	DefaultFlowsDir       = "./flows"
	DefaultBlueprintsFile = "./blueprints.yaml"
	DefaultBaseBranch     = "origin/main"
	DefaultTickDeadline   = 30 * time.Second
)

// Config is the scheduler's fully resolved configuration.
type Config struct {
	// StoreURL is the base URL of the remote task store.
	StoreURL string `yaml:"store_url"`

	// OrchestratorID identifies this scheduler instance to the store. Every
	// claim, registration, and poll call carries this identifier.
	OrchestratorID string `yaml:"orchestrator_id"`
	Cluster        string `yaml:"cluster"`
	MachineID      string `yaml:"machine_id"`

	// FlowsDir and BlueprintsFile hold the YAML configuration the user owns.
	FlowsDir       string `yaml:"flows_dir"`
	BlueprintsFile string `yaml:"blueprints_file"`

	// RuntimeDir is the scheduler-owned directory for sandboxes, the pool
	// directory, result files, and the scheduler-state file.
	RuntimeDir string `yaml:"runtime_dir"`

	// RepoDir is the checked-out repository root used by taskless and
	// lightweight spawn modes, which never get their own sandbox.
	RepoDir string `yaml:"repo_dir"`

	// WorkerBinary is the executable spawned for every blueprint instance.
	WorkerBinary string `yaml:"worker_binary"`

	// BaseBranch is the branch sandboxes are created from and rebase
	// against, e.g. "origin/main".
	BaseBranch string `yaml:"base_branch"`

	// GitHubOwner, GitHubRepo, and GitHubToken configure the forge client
	// steps.Deps.PR uses for create_pr/merge_pr/post_review_comment and the
	// pr_mergeable guard. A blank owner/repo disables the forge client;
	// the scheduler then treats every provisional task as mergeable.
	GitHubOwner string `yaml:"github_owner"`
	GitHubRepo  string `yaml:"github_repo"`
	GitHubToken string `yaml:"github_token"`

	// MetricsAddr is the listen address for the ambient /healthz and
	// /metrics endpoints served during `run`. Empty disables both.
	MetricsAddr string `yaml:"metrics_addr"`

	// LeaseDuration is how long a claimed task's lease lasts before it's
	// eligible for requeue.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// TickDeadline is the tick's soft wall-clock deadline.
	TickDeadline time.Duration `yaml:"tick_deadline"`

	// PollCacheTTL bounds how long the poll summary persisted in the
	// scheduler-state file may substitute for a live poll when the store
	// is unreachable.
	PollCacheTTL time.Duration `yaml:"poll_cache_ttl"`

	LogLevel string `yaml:"log_level"`
}

// StateFilePath returns the scheduler-state file's path under RuntimeDir.
func (c Config) StateFilePath() string {
	return joinRuntime(c.RuntimeDir, "scheduler-state.json")
}

// PoolDir returns the pool directory's path under RuntimeDir.
func (c Config) PoolDir() string {
	return joinRuntime(c.RuntimeDir, "pool")
}

// SandboxDir returns the sandbox root directory's path under RuntimeDir.
func (c Config) SandboxDir() string {
	return joinRuntime(c.RuntimeDir, "sandboxes")
}

// LockFilePath returns the tick lock file's path under RuntimeDir.
func (c Config) LockFilePath() string {
	return joinRuntime(c.RuntimeDir, "tick.lock")
}

func joinRuntime(dir, name string) string {
	if dir == "" {
		dir = "."
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}
