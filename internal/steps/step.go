// Package steps implements the named, side-effectful functions a flow
// transition runs before changing a task's state: pushing a branch, opening
// a pull request, posting a review comment, and the rest of the registry
// named in the flow definition.
package steps

import (
	"context"
	"fmt"

	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// Result is the worker's decoded result document, passed to every step so
// e.g. post_review_comment can read its comment field.
type Result struct {
	Outcome  string `json:"outcome"`
	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Func is a single named step. It mutates the task in place (branch, PR
// fields) and returns an error if the side effect failed; a returned error
// stops execution of the remaining steps in the list.
type Func func(ctx context.Context, t *task.Task, result Result, sandboxPath string) error

// Registry holds named steps, looked up at flow-load time (existence check)
// and at transition-execution time (dispatch).
type Registry struct {
	steps map[string]Func
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: map[string]Func{}}
}

// Register adds a step under name, overwriting any existing registration.
func (r *Registry) Register(name string, fn Func) {
	r.steps[name] = fn
}

// Has reports whether name is registered. Satisfies flow.StepRegistry.
func (r *Registry) Has(name string) bool {
	_, ok := r.steps[name]
	return ok
}

// Execute runs names in order against t, result, and sandboxPath. It stops
// at the first error and returns it wrapped with the failing step's name —
// the caller (the result handler) is responsible for moving the task to
// failed and capturing this in execution_notes.
func (r *Registry) Execute(ctx context.Context, names []string, t *task.Task, result Result, sandboxPath string) error {
	for _, name := range names {
		fn, ok := r.steps[name]
		if !ok {
			return fmt.Errorf("step %q is not registered", name)
		}
		if err := fn(ctx, t, result, sandboxPath); err != nil {
			return fmt.Errorf("step %q: %w", name, err)
		}
	}
	return nil
}

// PRClient is the narrow port steps need to talk to the forge (GitHub-shaped,
// but never named as such — the scheduler treats it as an opaque PR host).
type PRClient interface {
	EnsurePR(ctx context.Context, t *task.Task) (number int, url string, err error)
	PostComment(ctx context.Context, prNumber int, body string) error
	Mergeable(ctx context.Context, prNumber int) (bool, error)
	Merge(ctx context.Context, prNumber int) error
}

// VCS is the narrow port steps need to push a branch and rebase a sandbox.
// Mirrors sandbox.VCS's Push but kept separate so this package doesn't
// import sandbox for two methods.
type VCS interface {
	Push(ctx context.Context, dir, branch string) error
	Rebase(ctx context.Context, dir, onto string) error
}

// Deps bundles the collaborators steps need beyond the task/result/sandbox
// arguments every step receives.
type Deps struct {
	Store  store.Store
	PR     PRClient
	VCS    VCS
	Logger logging.Logger
}
