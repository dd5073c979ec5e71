// Package sandbox creates and destroys per-task isolated working
// directories on the version-control store, enforcing the detached-HEAD
// invariant that lets unbounded parallel workers share one repository.
package sandbox

import "context"

// VCS is the narrow port the sandbox manager drives. The real
// implementation shells out to git; tests substitute a fake.
type VCS interface {
	// WorktreeAdd creates a new working tree at dir, detached at commit-ish
	// base (e.g. "origin/main"). The resulting HEAD must be detached.
	WorktreeAdd(ctx context.Context, repoDir, dir, base string) error

	// WorktreeRemove removes the working tree at dir.
	WorktreeRemove(ctx context.Context, repoDir, dir string) error

	// IsDetached reports whether dir's working tree has a detached HEAD.
	IsDetached(ctx context.Context, dir string) (bool, error)

	// IsAncestor reports whether commit-ish ancestor is an ancestor of
	// commit-ish descendant in repoDir.
	IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error)

	// HeadCommit returns the current commit hash of dir's working tree.
	HeadCommit(ctx context.Context, dir string) (string, error)

	// HasCommitsAhead reports whether dir's working tree has commits not
	// present on base.
	HasCommitsAhead(ctx context.Context, dir, base string) (bool, error)

	// CreateBranchFromHead creates branch at dir's current (detached) HEAD.
	CreateBranchFromHead(ctx context.Context, dir, branch string) error

	// Push pushes branch from dir to its configured remote.
	Push(ctx context.Context, dir, branch string) error
}
