package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/maxthelion/octopoid/internal/logging"
)

// ExecVCS shells out to the git binary, the way ffmpeg.LocalExecutor shells
// out to ffmpeg: a single binary field, a DryRun switch, and structured
// logging of every invoked command.
type ExecVCS struct {
	Binary string
	DryRun bool
	Logger logging.Logger
}

// NewExecVCS builds an ExecVCS using "git" on $PATH unless binary is set.
func NewExecVCS(binary string, logger logging.Logger) *ExecVCS {
	if binary == "" {
		binary = "git"
	}
	return &ExecVCS{Binary: binary, Logger: logging.OrNop(logger)}
}

func (e *ExecVCS) run(ctx context.Context, dir string, args ...string) (string, error) {
	e.Logger.Debug("git command: dir=%s args=%s", dir, strings.Join(args, " "))
	if e.DryRun {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (e *ExecVCS) WorktreeAdd(ctx context.Context, repoDir, dir, base string) error {
	_, err := e.run(ctx, repoDir, "worktree", "add", "--detach", dir, base)
	return err
}

func (e *ExecVCS) WorktreeRemove(ctx context.Context, repoDir, dir string) error {
	_, err := e.run(ctx, repoDir, "worktree", "remove", "--force", dir)
	return err
}

func (e *ExecVCS) IsDetached(ctx context.Context, dir string) (bool, error) {
	out, err := e.run(ctx, dir, "symbolic-ref", "-q", "HEAD")
	if err != nil {
		// With -q, symbolic-ref exits 1 when HEAD is detached; any other
		// failure (not a repository, git missing) is returned as an error.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return true, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func (e *ExecVCS) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	_, err := e.run(ctx, repoDir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil, nil
}

func (e *ExecVCS) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := e.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (e *ExecVCS) HasCommitsAhead(ctx context.Context, dir, base string) (bool, error) {
	out, err := e.run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "0", nil
}

// CreateBranchFromHead names a branch at the current commit without
// checking it out, so the working tree stays detached.
func (e *ExecVCS) CreateBranchFromHead(ctx context.Context, dir, branch string) error {
	_, err := e.run(ctx, dir, "branch", "--force", branch)
	return err
}

// Push pushes the current HEAD to the named remote branch. Pushing
// HEAD:refs/heads/<branch> works from a detached worktree whether or not a
// local branch of that name exists.
func (e *ExecVCS) Push(ctx context.Context, dir, branch string) error {
	_, err := e.run(ctx, dir, "push", "origin", "HEAD:refs/heads/"+branch)
	return err
}

// Rebase replays dir's detached HEAD onto commit-ish onto. The working tree
// stays detached afterwards.
func (e *ExecVCS) Rebase(ctx context.Context, dir, onto string) error {
	_, err := e.run(ctx, dir, "rebase", onto)
	return err
}
