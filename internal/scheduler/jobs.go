package scheduler

import (
	"context"
	"fmt"

	"github.com/maxthelion/octopoid/internal/jobs"
	"github.com/maxthelion/octopoid/internal/pool"
	"github.com/maxthelion/octopoid/internal/steps"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// BuildJobRegistry wires the six required housekeeping jobs against s and
// assigns the result to s.Jobs. Call once after every other field on s is
// set.
func (s *Scheduler) BuildJobRegistry() *jobs.Registry {
	r := jobs.NewRegistry()
	jobs.RegisterRequired(r, jobs.RequiredDeps{
		RegisterOrchestrator:    s.timed("register_orchestrator", s.registerOrchestrator),
		RequeueExpiredLeases:    s.timed("requeue_expired_leases", s.requeueExpiredLeases),
		CheckFinishedAgents:     s.timed("check_finished_agents", s.checkFinishedAgents),
		ProcessProvisionalTasks: s.timed("process_provisional_tasks", s.processProvisionalTasks),
		CheckProjectCompletion:  s.timed("check_project_completion", s.checkProjectCompletion),
		SweepStaleWorktrees:     s.timed("sweep_stale_worktrees", s.sweepStaleWorktrees),
		NoAgentsRunning:         s.noAgentsRunning,
	})
	s.Jobs = r
	return r
}

// timed wraps fn so its wall-clock duration is recorded against name —
// jobs.RunOutcome carries no duration field, so this is the only place that
// duration can be captured.
func (s *Scheduler) timed(name string, fn jobs.Func) jobs.Func {
	return func(ctx context.Context) error {
		start := s.now()
		err := fn(ctx)
		if s.Metrics != nil {
			s.Metrics.ObserveJobDuration(name, s.now().Sub(start))
		}
		return err
	}
}

// registerOrchestrator sends the identity beacon, skipped when the current
// tick's poll already confirms registration.
func (s *Scheduler) registerOrchestrator(ctx context.Context) error {
	if s.currentPoll.Registered {
		return nil
	}
	return s.Store.Register(ctx, s.Config.OrchestratorID, s.Config.Cluster, s.Config.MachineID, s.Capabilities)
}

// requeueExpiredLeases is belt-and-braces: the store's own lease monitor
// already requeues expired claims server-side. store.Store exposes no way
// to list claimed tasks directly (Poll's counts are aggregate only), so
// this job instead walks the pool files this orchestrator itself recorded
// for task-bound spawns — the only local record of which tasks this
// process believes it has claimed — and releases any whose lease the store
// confirms has lapsed without the task having moved on already.
func (s *Scheduler) requeueExpiredLeases(ctx context.Context) error {
	entries, err := s.Pool.Entries()
	if err != nil {
		return fmt.Errorf("list pool entries: %w", err)
	}
	now := s.now()
	for _, e := range entries {
		if e.TaskID == "" {
			continue
		}
		t, err := s.Store.Get(ctx, e.TaskID)
		if err != nil {
			s.logger().Warn("requeue_expired_leases: get task %s: %v", e.TaskID, err)
			continue
		}
		if t.State != task.StateClaimed || t.ClaimedBy != s.Config.OrchestratorID {
			continue
		}
		if t.IsLeased(now) {
			continue
		}
		if _, err := s.Store.Update(ctx, t.ID, t.Version, map[string]any{
			"state":            string(task.StateIncoming),
			"claimed_by":       "",
			"lease_expires_at": nil,
		}); err != nil {
			s.logger().Warn("requeue_expired_leases: release task %s: %v", e.TaskID, err)
		}
	}
	return nil
}

// checkFinishedAgents scans the pool for instances whose process has
// exited, dispatches each through the result handler, and removes its pool
// file once handled.
func (s *Scheduler) checkFinishedAgents(ctx context.Context) error {
	finished, err := s.Pool.FinishedInstances()
	if err != nil {
		return fmt.Errorf("list finished instances: %w", err)
	}
	for _, e := range finished {
		if e.TaskID == "" {
			// Taskless/lightweight workers produce no result document to
			// dispatch; just reap the pool file.
			if err := s.Pool.Remove(e.Blueprint, e.PID); err != nil {
				s.logger().Warn("remove pool entry %s-%d: %v", e.Blueprint, e.PID, err)
			}
			continue
		}
		dir := s.Sandbox.Path(e.TaskID)
		if _, err := s.Results.Handle(ctx, e.TaskID, dir, s.Config.BaseBranch); err != nil {
			s.logger().Error("handle finished agent for task %s: %v", e.TaskID, err)
			continue
		}
		if err := s.Pool.Remove(e.Blueprint, e.PID); err != nil {
			s.logger().Warn("remove pool entry %s-%d: %v", e.Blueprint, e.PID, err)
		}
	}
	return nil
}

// processProvisionalTasks drives provisional tasks that no configured
// blueprint claims for review. A blueprint whose claim_from is
// "provisional" is a human/agent review gate; tasks in its domain are left
// for that blueprint's guard chain. Everything else in the cached poll's
// provisional list is a non-agent condition this job evaluates directly:
// if the task carries a PR and it reports mergeable, the flow's
// provisional -> done steps run inline and the task is accepted.
func (s *Scheduler) processProvisionalTasks(ctx context.Context) error {
	if s.hasProvisionalGatekeeper() {
		return nil
	}
	for _, pt := range s.currentPoll.ProvisionalTasks {
		if err := s.advanceProvisionalTask(ctx, pt); err != nil {
			s.logger().Error("process_provisional_tasks: task %s: %v", pt.TaskID, err)
		}
	}
	return nil
}

func (s *Scheduler) hasProvisionalGatekeeper() bool {
	for _, b := range s.Blueprints {
		if b.ClaimState() == string(task.StateProvisional) {
			return true
		}
	}
	return false
}

func (s *Scheduler) advanceProvisionalTask(ctx context.Context, pt store.ProvisionalTask) error {
	t, err := s.Store.Get(ctx, pt.TaskID)
	if err != nil {
		return fmt.Errorf("fetch task: %w", err)
	}
	if t.State != task.StateProvisional {
		return nil
	}
	f, ok := s.Flows[t.Flow]
	if !ok {
		return fmt.Errorf("unknown flow %q", t.Flow)
	}
	transition, ok := f.Find(string(task.StateProvisional), string(task.StateDone))
	if !ok {
		return nil
	}

	if t.PRNumber != 0 && s.PR != nil {
		mergeable, err := s.PR.Mergeable(ctx, t.PRNumber)
		if err != nil {
			return fmt.Errorf("check mergeable: %w", err)
		}
		if !mergeable {
			return nil
		}
	}

	if s.Steps != nil {
		result := steps.Result{Outcome: "done", Decision: "approve"}
		if err := s.Steps.Execute(ctx, transition.Runs, t, result, ""); err != nil {
			if _, updateErr := s.Store.Update(ctx, t.ID, t.Version, map[string]any{
				"state":           string(task.StateFailed),
				"failure_reason":  err.Error(),
				"execution_notes": err.Error(),
			}); updateErr != nil {
				s.logger().Warn("process_provisional_tasks: mark task %s failed: %v", t.ID, updateErr)
			}
			return nil
		}
	}

	_, err = s.Store.Accept(ctx, t.ID, t.Version)
	return err
}

// checkProjectCompletion consumes orchestrator-addressed messages the
// store posts when every child task of a project has reached done; the
// store interface has no "list children of project" read, so this is the
// only way the orchestrator learns of completion without a dedicated
// endpoint, making this job a mailbox consumer rather than a poller.
func (s *Scheduler) checkProjectCompletion(ctx context.Context) error {
	const messageType = "project_children_complete"
	messages, err := s.Store.ListMessages(ctx, s.Config.OrchestratorID, messageType, "pending")
	if err != nil {
		return fmt.Errorf("list project completion messages: %w", err)
	}
	for _, msg := range messages {
		if err := s.completeProject(ctx, msg.TaskID); err != nil {
			s.logger().Error("check_project_completion: project %s: %v", msg.TaskID, err)
			continue
		}
		if err := s.Store.UpdateMessageStatus(ctx, msg.ID, "processed"); err != nil {
			s.logger().Warn("check_project_completion: mark message %s processed: %v", msg.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) completeProject(ctx context.Context, projectTaskID string) error {
	t, err := s.Store.Get(ctx, projectTaskID)
	if err != nil {
		return fmt.Errorf("fetch project task: %w", err)
	}
	f, ok := s.Flows[t.Flow]
	if !ok {
		return fmt.Errorf("unknown flow %q", t.Flow)
	}
	transition, ok := f.Find("children_complete", string(task.StateProvisional))
	if !ok {
		return fmt.Errorf("flow %s has no children_complete -> provisional transition", f.Name)
	}
	if s.Steps != nil {
		result := steps.Result{Outcome: "done", Decision: "approve"}
		if err := s.Steps.Execute(ctx, transition.Runs, t, result, ""); err != nil {
			return fmt.Errorf("run children_complete steps: %w", err)
		}
	}
	_, err = s.Store.Update(ctx, t.ID, t.Version, map[string]any{"state": string(task.StateProvisional)})
	return err
}

// sweepStaleWorktrees garbage-collects sandboxes still tracked by a pool
// entry whose task has reached a terminal state despite check_finished_agents
// not yet having reaped it (a pool entry stuck because the task was settled
// by some other path, e.g. a manual store edit). It is gated on
// noAgentsRunning so it never races a live worker's working tree.
func (s *Scheduler) sweepStaleWorktrees(ctx context.Context) error {
	entries, err := s.Pool.Entries()
	if err != nil {
		return fmt.Errorf("list pool entries: %w", err)
	}
	known := map[string]bool{}
	for _, e := range entries {
		if e.TaskID != "" {
			known[e.TaskID] = true
		}
	}
	for taskID := range known {
		t, err := s.Store.Get(ctx, taskID)
		if err != nil {
			s.logger().Warn("sweep_stale_worktrees: get task %s: %v", taskID, err)
			continue
		}
		if !t.IsTerminal() {
			continue
		}
		if err := s.Sandbox.DestroySandbox(ctx, taskID, s.Config.BaseBranch, t.Branch, false); err != nil {
			s.logger().Warn("sweep_stale_worktrees: destroy sandbox for %s: %v", taskID, err)
			continue
		}
		for _, e := range entries {
			if e.TaskID == taskID {
				_ = s.Pool.Remove(e.Blueprint, e.PID)
			}
		}
	}
	return nil
}

// noAgentsRunning gates sweep_stale_worktrees: a sweep must never run while
// any worker might still be using a sandbox.
func (s *Scheduler) noAgentsRunning(ctx context.Context) (bool, error) {
	entries, err := s.Pool.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if pool.ProcessAlive(e.PID) {
			return false, nil
		}
	}
	return true, nil
}
