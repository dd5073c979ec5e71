package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxthelion/octopoid/internal/filestore"
	"github.com/maxthelion/octopoid/internal/logging"
)

// Manifest is the machine-readable task manifest written alongside the
// rendered prompt, read back by per-blueprint helper scripts.
type Manifest struct {
	TaskID    string            `json:"task_id"`
	Role      string            `json:"role"`
	Flow      string            `json:"flow"`
	Branch    string            `json:"branch,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Env       map[string]string `json:"env,omitempty"`
}

// Manager creates and destroys per-task working directories on the
// version-control store. Every sandbox it hands back is guaranteed
// detached-HEAD at the moment of return.
type Manager struct {
	vcs     VCS
	root    string
	repoDir string
	logger  logging.Logger
}

// NewManager builds a sandbox Manager. root is the parent directory under
// which per-task working trees are created (e.g. "<runtime>/sandboxes");
// repoDir is the canonical git repository worktrees are added from.
func NewManager(vcs VCS, root, repoDir string, logger logging.Logger) *Manager {
	return &Manager{vcs: vcs, root: root, repoDir: repoDir, logger: logging.OrNop(logger)}
}

// Path returns the working directory for taskID, whether or not it exists.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.root, taskID)
}

// EnsureSandbox returns a ready working directory for taskID: reuse an existing
// working tree if it's still an ancestor of base; otherwise (re)create one
// detached at base. Asserts detached-HEAD before returning — this is the
// invariant past implementations have violated, so it is never optional.
func (m *Manager) EnsureSandbox(ctx context.Context, taskID, base, prompt string, manifest Manifest, env map[string]string) (string, error) {
	dir := m.Path(taskID)

	if _, err := os.Stat(dir); err == nil {
		head, err := m.vcs.HeadCommit(ctx, dir)
		if err == nil {
			ancestor, err := m.vcs.IsAncestor(ctx, m.repoDir, head, base)
			if err == nil && ancestor {
				if err := m.assertDetached(ctx, dir); err != nil {
					return "", err
				}
				return dir, nil
			}
		}
		m.logger.Warn("sandbox %s stale relative to %s, recreating", taskID, base)
		if err := m.vcs.WorktreeRemove(ctx, m.repoDir, dir); err != nil {
			m.logger.Warn("remove stale worktree %s: %v", dir, err)
		}
	}

	if err := m.vcs.WorktreeAdd(ctx, m.repoDir, dir, base); err != nil {
		return "", fmt.Errorf("create sandbox for task %s: %w", taskID, err)
	}

	if err := m.writeFiles(dir, prompt, manifest, env); err != nil {
		return "", fmt.Errorf("write sandbox files for task %s: %w", taskID, err)
	}

	if err := m.assertDetached(ctx, dir); err != nil {
		return "", err
	}

	return dir, nil
}

func (m *Manager) assertDetached(ctx context.Context, dir string) error {
	detached, err := m.vcs.IsDetached(ctx, dir)
	if err != nil {
		return fmt.Errorf("check detached HEAD for %s: %w", dir, err)
	}
	if !detached {
		return fmt.Errorf("sandbox %s has a named branch checked out; detached HEAD invariant violated", dir)
	}
	return nil
}

func (m *Manager) writeFiles(dir, prompt string, manifest Manifest, env map[string]string) error {
	if err := filestore.AtomicWrite(filepath.Join(dir, "PROMPT.md"), []byte(prompt), 0o644); err != nil {
		return err
	}
	if err := filestore.WriteJSON(filepath.Join(dir, "task.json"), manifest, 0o644); err != nil {
		return err
	}
	envFile := renderEnvFile(env)
	return filestore.AtomicWrite(filepath.Join(dir, ".env"), []byte(envFile), 0o600)
}

func renderEnvFile(env map[string]string) string {
	out := ""
	for k, v := range env {
		out += fmt.Sprintf("%s=%q\n", k, v)
	}
	return out
}

// WriteHelperScripts writes the per-blueprint helper scripts into dir,
// executable. scripts maps file name to rendered content (the spawn
// strategy templates in the interpreter path).
func (m *Manager) WriteHelperScripts(dir string, scripts map[string]string) error {
	for name, content := range scripts {
		if err := filestore.AtomicWrite(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DestroySandbox removes taskID's working tree: if pushCommits
// and the working tree has commits ahead of base, name a branch from the
// detached HEAD and push it before removal. Idempotent — a missing sandbox
// is not an error.
func (m *Manager) DestroySandbox(ctx context.Context, taskID, base, pushBranch string, pushCommits bool) error {
	dir := m.Path(taskID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	if pushCommits {
		ahead, err := m.vcs.HasCommitsAhead(ctx, dir, base)
		if err != nil {
			return fmt.Errorf("check commits ahead for task %s: %w", taskID, err)
		}
		if ahead {
			if err := m.vcs.CreateBranchFromHead(ctx, dir, pushBranch); err != nil {
				return fmt.Errorf("name branch for task %s: %w", taskID, err)
			}
			if err := m.vcs.Push(ctx, dir, pushBranch); err != nil {
				return fmt.Errorf("push branch for task %s: %w", taskID, err)
			}
		}
	}

	if err := m.vcs.WorktreeRemove(ctx, m.repoDir, dir); err != nil {
		return fmt.Errorf("remove sandbox for task %s: %w", taskID, err)
	}
	return nil
}

// Exists reports whether a sandbox directory exists for taskID.
func (m *Manager) Exists(taskID string) bool {
	_, err := os.Stat(m.Path(taskID))
	return err == nil
}
