package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/clock"
	"github.com/maxthelion/octopoid/internal/condition"
	"github.com/maxthelion/octopoid/internal/config"
	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/forge"
	"github.com/maxthelion/octopoid/internal/guard"
	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/metrics"
	"github.com/maxthelion/octopoid/internal/pool"
	"github.com/maxthelion/octopoid/internal/prompt"
	"github.com/maxthelion/octopoid/internal/result"
	"github.com/maxthelion/octopoid/internal/sandbox"
	"github.com/maxthelion/octopoid/internal/scheduler"
	"github.com/maxthelion/octopoid/internal/spawn"
	"github.com/maxthelion/octopoid/internal/steps"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// app bundles everything built from cfg that the tick/run/validate
// subcommands share, plus the flow watcher so `run` can pick up edited
// flow files between ticks without a restart.
type app struct {
	Scheduler *scheduler.Scheduler
	Watcher   *flow.Watcher
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry

	results *result.Handler
}

// refreshFlows replaces the flow maps the scheduler and result handler read
// with the watcher's current set. Called between ticks, never mid-tick, so
// the maps a tick reads stay stable for its whole duration.
func (a *app) refreshFlows() {
	flows := a.Watcher.Flows()
	a.Scheduler.Flows = flows
	a.results.Flows = flows
}

// buildApp wires every collaborator a tick needs from a resolved Config:
// the HTTP store, the sandbox manager, the forge client (if configured),
// the blueprint set, the watched flow set, the step registry, the guard
// chain, the spawn strategy, and the result handler. This is the one place
// in the repository that constructs the production graph; tests build
// their own Scheduler by hand with fakes instead of calling this.
func buildApp(cfg config.Config) (*app, error) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)})
	logger := logging.FromSlog(slog.New(handler))

	st := store.New(cfg.StoreURL, store.WithLogger(logger))

	vcs := sandbox.NewExecVCS("", logger)
	sandboxMgr := sandbox.NewManager(vcs, cfg.SandboxDir(), cfg.RepoDir, logger)

	var prClient steps.PRClient
	if cfg.GitHubOwner != "" && cfg.GitHubRepo != "" {
		prClient = forge.NewGitHubClient(cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken, forge.WithLogger(logger))
	}

	blueprints, err := blueprint.LoadFile(cfg.BlueprintsFile)
	if err != nil {
		return nil, fmt.Errorf("load blueprints: %w", err)
	}

	stepRegistry := steps.NewRegistry()
	steps.Register(stepRegistry, steps.Deps{Store: st, PR: prClient, VCS: vcs, Logger: logger})

	watcher, err := flow.NewWatcher(cfg.FlowsDir, stepRegistry, blueprints, flow.WithWatchLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load flows: %w", err)
	}

	poolDir, err := pool.New(cfg.PoolDir())
	if err != nil {
		return nil, fmt.Errorf("open pool dir: %w", err)
	}

	guardChain := guard.NewChain()

	spawner := &spawn.Strategy{
		Sandbox:      sandboxMgr,
		Pool:         poolDir,
		Launcher:     &spawn.ExecLauncher{Logger: logger},
		Render:       prompt.Render,
		Logger:       logger,
		WorkerBinary: cfg.WorkerBinary,
		RepoDir:      cfg.RepoDir,
		BaseBranch:   cfg.BaseBranch,
	}

	resultHandler := &result.Handler{
		Store:          st,
		Flows:          watcher.Flows(),
		Steps:          stepRegistry,
		Sandbox:        sandboxMgr,
		Commits:        vcs,
		Conditions:     conditionEvaluator(),
		Logger:         logger,
		Clock:          clock.Default,
		LeaseExtension: cfg.LeaseDuration,
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sched := scheduler.New()
	sched.Config = cfg
	sched.Store = st
	sched.Clock = clock.Default
	sched.Logger = logger
	sched.Metrics = m
	sched.Pool = poolDir
	sched.Sandbox = sandboxMgr
	sched.Blueprints = blueprints
	sched.Flows = watcher.Flows()
	sched.Guards = guardChain
	sched.Spawner = spawner
	sched.Results = resultHandler
	sched.Steps = stepRegistry
	sched.PR = prClient
	sched.Capabilities = []string{"task-bound", "taskless", "lightweight"}
	sched.BuildJobRegistry()

	return &app{Scheduler: sched, Watcher: watcher, Metrics: m, Registry: reg, results: resultHandler}, nil
}

// conditionEvaluator builds the shared condition.Evaluator used to gate
// transitions: script conditions shell out directly,
// while agent and manual conditions read their decision off the task's
// mailbox (internal/task.Message) — a decision is a message addressed To
// the condition's name, with Status "approved" or "rejected" recording the
// human's or worker's call once it has been made.
func conditionEvaluator() *condition.Evaluator {
	lookup := func(ctx context.Context, t *task.Task, conditionName string) (decided bool, approved bool, err error) {
		for i := len(t.Messages) - 1; i >= 0; i-- {
			m := t.Messages[i]
			if m.To != conditionName {
				continue
			}
			switch m.Status {
			case "approved":
				return true, true, nil
			case "rejected":
				return true, false, nil
			}
		}
		return false, false, nil
	}
	return &condition.Evaluator{
		RunScript:    condition.NewExecScriptRunner(),
		AgentLookup:  lookup,
		ManualLookup: lookup,
	}
}
