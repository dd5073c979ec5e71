// Package spawn selects and executes the per-blueprint launch strategy once
// the guard chain has passed: task-bound workers get an isolated sandbox,
// taskless workers run from the repository root, and lightweight workers
// are invoked with no working tree at all. No strategy may change task
// state — that is exclusively the result handler's job.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/pool"
	"github.com/maxthelion/octopoid/internal/sandbox"
	"github.com/maxthelion/octopoid/internal/task"
)

// PromptRenderer renders the prompt body handed to a task-bound worker,
// combining the task body, acceptance criteria, rejection-feedback history,
// and per-blueprint instructions.
type PromptRenderer func(b blueprint.Blueprint, t *task.Task) string

// Launcher starts the worker subprocess and returns its PID. Workers are
// always launched as independent OS processes — the scheduler never shares
// memory with them.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (pid int, err error)
}

// LaunchSpec describes one worker invocation.
type LaunchSpec struct {
	Binary     string
	Args       []string
	WorkingDir string
	Stdin      string
	Env        map[string]string
}

// Strategy performs one spawn. Implementations must not mutate task state
// in the store; they only create local resources (sandbox, subprocess, pool
// file).
type Strategy struct {
	Sandbox      *sandbox.Manager
	Pool         *pool.Pool
	Launcher     Launcher
	Render       PromptRenderer
	Logger       logging.Logger
	WorkerBinary string
	RepoDir      string
	// BaseBranch is the branch task-bound sandboxes are created from.
	BaseBranch string
	// ShellPath is the interpreter templated into the helper scripts
	// written to each task-bound sandbox; empty means "/bin/sh".
	ShellPath string
}

// Outcome records what a spawn produced, for the caller to log or test
// against.
type Outcome struct {
	InstanceID string
	PID        int
	SandboxDir string
	TaskID     string
}

// Spawn dispatches on b.SpawnMode. t is non-nil only for task-bound mode.
func (s *Strategy) Spawn(ctx context.Context, b blueprint.Blueprint, t *task.Task) (Outcome, error) {
	switch b.SpawnMode {
	case blueprint.SpawnTaskBound:
		return s.spawnTaskBound(ctx, b, t)
	case blueprint.SpawnTaskless:
		return s.spawnTaskless(ctx, b)
	case blueprint.SpawnLightweight:
		return s.spawnLightweight(ctx, b)
	default:
		return Outcome{}, fmt.Errorf("unknown spawn mode %q", b.SpawnMode)
	}
}

func (s *Strategy) spawnTaskBound(ctx context.Context, b blueprint.Blueprint, t *task.Task) (Outcome, error) {
	if t == nil {
		return Outcome{}, fmt.Errorf("task-bound spawn for %s requires a claimed task", b.Name)
	}
	prompt := s.Render(b, t)
	manifest := sandbox.Manifest{
		TaskID:    t.ID,
		Role:      b.Role,
		Flow:      t.Flow,
		Branch:    t.Branch,
		CreatedAt: time.Now(),
	}
	base := s.BaseBranch
	if base == "" {
		base = "origin/main"
	}
	dir, err := s.Sandbox.EnsureSandbox(ctx, t.ID, base, prompt, manifest, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("ensure sandbox: %w", err)
	}
	if err := s.Sandbox.WriteHelperScripts(dir, s.helperScripts(b)); err != nil {
		return Outcome{}, fmt.Errorf("write helper scripts: %w", err)
	}

	spec := LaunchSpec{
		Binary:     s.WorkerBinary,
		Args:       []string{"--role", b.Role, "--max-turns", fmt.Sprintf("%d", b.MaxTurns)},
		WorkingDir: dir,
		Stdin:      prompt,
	}
	pid, err := s.Launcher.Launch(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("launch worker: %w", err)
	}

	if err := s.Pool.Record(pool.Entry{Blueprint: b.Name, PID: pid, TaskID: t.ID, SandboxID: t.ID, StartedAt: time.Now()}); err != nil {
		return Outcome{}, fmt.Errorf("record pool entry: %w", err)
	}

	return Outcome{InstanceID: uuid.NewString(), PID: pid, SandboxDir: dir, TaskID: t.ID}, nil
}

func (s *Strategy) spawnTaskless(ctx context.Context, b blueprint.Blueprint) (Outcome, error) {
	spec := LaunchSpec{
		Binary:     s.WorkerBinary,
		Args:       []string{"--role", b.Role, "--readonly"},
		WorkingDir: s.RepoDir,
	}
	pid, err := s.Launcher.Launch(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("launch taskless worker: %w", err)
	}
	if err := s.Pool.Record(pool.Entry{Blueprint: b.Name, PID: pid, StartedAt: time.Now()}); err != nil {
		return Outcome{}, fmt.Errorf("record pool entry: %w", err)
	}
	return Outcome{InstanceID: uuid.NewString(), PID: pid}, nil
}

func (s *Strategy) spawnLightweight(ctx context.Context, b blueprint.Blueprint) (Outcome, error) {
	spec := LaunchSpec{
		Binary: s.WorkerBinary,
		Args:   []string{"--role", b.Role, "--lightweight"},
	}
	pid, err := s.Launcher.Launch(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("launch lightweight worker: %w", err)
	}
	if err := s.Pool.Record(pool.Entry{Blueprint: b.Name, PID: pid, StartedAt: time.Now()}); err != nil {
		return Outcome{}, fmt.Errorf("record pool entry: %w", err)
	}
	return Outcome{InstanceID: uuid.NewString(), PID: pid}, nil
}

// helperScripts renders the per-blueprint helper scripts written into each
// task-bound sandbox: a finish script the worker calls to write its result
// document, with the interpreter path templated in.
func (s *Strategy) helperScripts(b blueprint.Blueprint) map[string]string {
	shell := s.ShellPath
	if shell == "" {
		shell = "/bin/sh"
	}
	finish := fmt.Sprintf(`#!%s
# usage: finish.sh <outcome> [decision] [comment]
# Writes the result document this worker's run is judged by.
outcome="${1:?outcome required}"
decision="${2:-}"
comment="${3:-}"
cat > result.json <<EOF
{"outcome": "$outcome", "decision": "$decision", "comment": "$comment"}
EOF
`, shell)
	return map[string]string{"finish.sh": finish}
}

// ExecLauncher launches workers as real OS subprocesses via os/exec, piping
// spec.Stdin to the process and detaching it from the scheduler's own
// lifetime so the tick can return before the worker finishes.
type ExecLauncher struct {
	Logger logging.Logger
}

// Launch starts spec.Binary and returns its PID without waiting for exit —
// the result handler observes termination on a later tick.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if spec.Stdin != "" {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return 0, err
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write([]byte(spec.Stdin))
		}()
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return cmd.Process.Pid, nil
}
