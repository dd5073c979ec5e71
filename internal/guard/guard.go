// Package guard implements the ordered precondition chain evaluated once
// per blueprint per tick: composable, independently-testable checks that
// stop at the first rejection, with the one state-mutating check (claim)
// placed after every cheaper read-only check has passed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/clock"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// Pool reports live-instance counts for the pool-capacity guard. The real
// implementation scans PID files; tests substitute a fake.
type Pool interface {
	LiveCount(blueprintName string) (int, error)
}

// PreCheck runs an optional user-supplied script before the claim attempt.
type PreCheck func(ctx context.Context, b blueprint.Blueprint) (bool, error)

// Evaluation carries everything a guard needs to read, plus the mutable
// slots the claim and PR-mergeable guards populate as the chain runs.
type Evaluation struct {
	Blueprint      blueprint.Blueprint
	OrchestratorID string
	Poll           store.PollSummary
	Pool           Pool
	Store          store.Store
	Clock          clock.Clock

	// LastSpawn is keyed by blueprint name; the interval guard reads and the
	// caller updates it after a successful spawn.
	LastSpawn map[string]time.Time

	MaxClaimed     int
	MaxProvisional int

	LeaseFor time.Duration
	PreCheck PreCheck

	// PR is the forge read the PR-mergeable guard falls back to when the
	// cache has no answer for the claimed task's PR. Nil means "treat
	// unknown as mergeable".
	PR MergeableChecker

	// Task is populated by the claim guard on success; guards 7 and 8 read
	// and may mutate it (e.g. moving it to failed).
	Task *task.Task
}

// MergeableChecker reports whether a PR is currently free of merge
// conflicts. Satisfied by the forge client.
type MergeableChecker interface {
	Mergeable(ctx context.Context, prNumber int) (bool, error)
}

// Result is one guard's verdict.
type Result struct {
	Name    string
	Proceed bool
	Reason  string
}

// Guard is a single precondition: pure except for the claim guard, which is
// the chain's single point of state-mutating coordination.
type Guard func(ctx context.Context, e *Evaluation) (proceed bool, reason string, err error)

// Chain is the ordered list of required guards, built by NewChain
// cheapest-first so the expensive, state-mutating claim runs last.
type Chain struct {
	guards []namedGuard
}

type namedGuard struct {
	name string
	fn   Guard
}

// NewChain builds the eight required guards in order.
func NewChain() *Chain {
	c := &Chain{}
	c.add("enabled", Enabled)
	c.add("pool_capacity", PoolCapacity)
	c.add("interval", Interval)
	c.add("backpressure", Backpressure)
	c.add("pre_check", PreCheckGuard)
	c.add("claim_task", ClaimTask)
	c.add("task_description_non_empty", TaskDescriptionNonEmpty)
	c.add("pr_mergeable", PRMergeable)
	return c
}

func (c *Chain) add(name string, fn Guard) {
	c.guards = append(c.guards, namedGuard{name: name, fn: fn})
}

// Names returns the registered guard names in order, letting a test assert
// the composition of the chain without duplicating the list.
func (c *Chain) Names() []string {
	out := make([]string, len(c.guards))
	for i, g := range c.guards {
		out[i] = g.name
	}
	return out
}

// Evaluate runs the chain in order, stopping at the first proceed=false or
// error. It returns every Result produced, in order, so a caller can log or
// assert on exactly how far evaluation got.
func (c *Chain) Evaluate(ctx context.Context, e *Evaluation) ([]Result, error) {
	var results []Result
	for _, g := range c.guards {
		proceed, reason, err := g.fn(ctx, e)
		if err != nil {
			return results, fmt.Errorf("guard %q: %w", g.name, err)
		}
		results = append(results, Result{Name: g.name, Proceed: proceed, Reason: reason})
		if !proceed {
			return results, nil
		}
	}
	return results, nil
}

// Enabled is guard 1: a paused blueprint is never evaluated further.
func Enabled(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.Blueprint.Paused {
		return false, "blueprint is paused", nil
	}
	return true, "", nil
}

// PoolCapacity is guard 2: live instances for this blueprint must be below
// max_instances.
func PoolCapacity(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.Pool == nil {
		return true, "", nil
	}
	live, err := e.Pool.LiveCount(e.Blueprint.Name)
	if err != nil {
		return false, "", err
	}
	if live >= e.Blueprint.MaxInstances {
		return false, fmt.Sprintf("pool at capacity: %d/%d live", live, e.Blueprint.MaxInstances), nil
	}
	return true, "", nil
}

// Interval is guard 3: at least interval_seconds must have elapsed since
// this blueprint's last spawn.
func Interval(ctx context.Context, e *Evaluation) (bool, string, error) {
	last, ok := e.LastSpawn[e.Blueprint.Name]
	if !ok {
		return true, "", nil
	}
	cl := e.Clock
	if cl == nil {
		cl = clock.Default
	}
	elapsed := cl.Now().Sub(last)
	if elapsed < e.Blueprint.Interval {
		return false, fmt.Sprintf("interval not elapsed: %s remaining", e.Blueprint.Interval-elapsed), nil
	}
	return true, "", nil
}

// Backpressure is guard 4: cached queue counts must permit claiming more.
func Backpressure(ctx context.Context, e *Evaluation) (bool, string, error) {
	counts := e.Poll.QueueCounts
	if e.MaxClaimed > 0 && counts.Claimed >= e.MaxClaimed {
		return false, fmt.Sprintf("claimed queue at capacity: %d/%d", counts.Claimed, e.MaxClaimed), nil
	}
	if e.MaxProvisional > 0 && counts.Provisional >= e.MaxProvisional {
		return false, fmt.Sprintf("provisional queue at capacity: %d/%d", counts.Provisional, e.MaxProvisional), nil
	}
	return true, "", nil
}

// PreCheckGuard is guard 5: an optional user-supplied script must pass.
func PreCheckGuard(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.PreCheck == nil {
		return true, "", nil
	}
	ok, err := e.PreCheck(ctx, e.Blueprint)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "pre-check script rejected", nil
	}
	return true, "", nil
}

// ClaimTask is guard 6: the single state-mutating guard. On success the
// claimed task is attached to e.Task for downstream guards and the spawn
// strategy; any other outcome short-circuits the chain.
func ClaimTask(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.Store == nil {
		return false, "no store configured", nil
	}
	filter := store.ClaimFilter{
		Blueprint:  e.Blueprint.Name,
		RoleFilter: e.Blueprint.Role,
		FromState:  e.Blueprint.ClaimState(),
		TypeFilter: strings.Join(e.Blueprint.AllowedTaskTypes, ","),
	}
	claimed, err := e.Store.Claim(ctx, e.OrchestratorID, filter, e.LeaseFor)
	if err != nil {
		if errors.Is(err, store.ErrNotAvailable) {
			return false, "no matching task available", nil
		}
		if errors.Is(err, store.ErrConflict) {
			// Another orchestrator won the race for the same task; that is
			// an expected outcome, not a chain error.
			return false, "claim race lost", nil
		}
		return false, "", err
	}
	e.Task = claimed
	return true, "", nil
}

// TaskDescriptionNonEmpty is guard 7: a claimed task with an empty prompt is
// moved straight to failed rather than spawned.
func TaskDescriptionNonEmpty(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.Task == nil {
		return true, "", nil
	}
	if e.Task.PromptNonEmpty() {
		return true, "", nil
	}
	e.Task.FailureReason = "empty description"
	if e.Store != nil {
		updated, err := e.Store.Update(ctx, e.Task.ID, e.Task.Version, map[string]any{
			"state":          string(task.StateFailed),
			"failure_reason": e.Task.FailureReason,
		})
		if err != nil {
			return false, "", err
		}
		e.Task = updated
	}
	return false, "empty description", nil
}

// PRMergeable is guard 8: for a claimed task already carrying a pr_number
// (i.e. a review-style claim from provisional), a conflicting PR releases
// the claim back to incoming with rebase guidance instead of spawning a
// worker to review something it cannot merge.
func PRMergeable(ctx context.Context, e *Evaluation) (bool, string, error) {
	if e.Task == nil || e.Task.PRNumber == 0 {
		return true, "", nil
	}
	mergeable, known := e.mergeableFromCache()
	if !known {
		if e.PR == nil {
			return true, "", nil
		}
		m, err := e.PR.Mergeable(ctx, e.Task.PRNumber)
		if err != nil {
			return false, "", err
		}
		mergeable = m
		e.cacheMergeable(m)
	}
	if mergeable {
		return true, "", nil
	}
	if e.Store != nil {
		updated, err := e.Store.Update(ctx, e.Task.ID, e.Task.Version, map[string]any{
			"state":            string(task.StateIncoming),
			"claimed_by":       "",
			"lease_expires_at": nil,
			"execution_notes":  "PR has conflicts; rebase required before review",
		})
		if err != nil {
			return false, "", err
		}
		e.Task = updated
	}
	return false, "PR not mergeable; claim released for rebase", nil
}

// mergeableFromCache is a seam for the cached-lookup client (store.HTTPStore
// exposes CachedMergeable); a cache miss sends PRMergeable to the live
// forge check, whose answer cacheMergeable writes back for later
// evaluations in the same process.
func (e *Evaluation) mergeableFromCache() (mergeable bool, known bool) {
	type cachedMergeableChecker interface {
		CachedMergeable(prKey string) (bool, bool)
	}
	checker, ok := e.Store.(cachedMergeableChecker)
	if !ok {
		return false, false
	}
	return checker.CachedMergeable(fmt.Sprintf("%d", e.Task.PRNumber))
}

func (e *Evaluation) cacheMergeable(mergeable bool) {
	type cachedMergeableSetter interface {
		SetCachedMergeable(prKey string, mergeable bool)
	}
	if setter, ok := e.Store.(cachedMergeableSetter); ok {
		setter.SetCachedMergeable(fmt.Sprintf("%d", e.Task.PRNumber), mergeable)
	}
}
