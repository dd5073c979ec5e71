// Package jobs implements the periodic, orchestrator-side housekeeping
// registry: named jobs with an interval expressed as a cron schedule, an
// optional precondition, and per-job fault isolation so one failing job
// never poisons the tick.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maxthelion/octopoid/internal/logging"
)

// Group distinguishes jobs that need the remote poll summary from ones that
// operate purely on local state.
type Group string

const (
	GroupLocal  Group = "local"
	GroupRemote Group = "remote"
)

// Condition is an optional predicate a job must satisfy before it runs,
// e.g. no_agents_running for sweep_stale_worktrees.
type Condition func(ctx context.Context) (bool, error)

// Func is the work a job performs when due and its conditions pass.
type Func func(ctx context.Context) error

// Job is one registered periodic unit of work.
type Job struct {
	Name      string
	Schedule  cron.Schedule
	Group     Group
	Condition Condition
	Run       Func
}

// EverySeconds builds a cron.Schedule that fires every n seconds, the
// common case for this registry's intervals.
func EverySeconds(n int) cron.Schedule {
	return cron.ConstantDelaySchedule{Delay: time.Duration(n) * time.Second}
}

// Registry holds every registered job in registration order, which is also
// the order jobs run in within a tick.
type Registry struct {
	jobs []Job
}

// NewRegistry builds an empty job registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds j to the registry.
func (r *Registry) Register(j Job) {
	r.jobs = append(r.jobs, j)
}

// Jobs returns every registered job, in registration order.
func (r *Registry) Jobs() []Job {
	return r.jobs
}

// State is the persisted last-run time per job, read from and written back
// to the scheduler-state file by the caller.
type State map[string]time.Time

// RunOutcome records what happened to one job during a tick.
type RunOutcome struct {
	Name    string
	Ran     bool
	Skipped string
	Err     error
}

// Runner executes due jobs each tick, isolating panics and errors per job.
type Runner struct {
	Registry *Registry
	Logger   logging.Logger
}

// RunDue evaluates every registered job's is_due and conditions, running
// those that pass, and returns the per-job outcome. A job's error is
// captured in its RunOutcome rather than propagated — a single failing job
// must not poison the tick.
func (r *Runner) RunDue(ctx context.Context, now time.Time, state State) []RunOutcome {
	var outcomes []RunOutcome
	for _, j := range r.Registry.Jobs() {
		outcomes = append(outcomes, r.runOne(ctx, j, now, state))
	}
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, j Job, now time.Time, state State) (outcome RunOutcome) {
	outcome.Name = j.Name
	defer func() {
		if rec := recover(); rec != nil {
			outcome.Err = fmt.Errorf("job %s panicked: %v", j.Name, rec)
			r.logger().Error("%v", outcome.Err)
		}
	}()

	if !r.isDue(j, now, state) {
		outcome.Skipped = "not due"
		return outcome
	}

	if j.Condition != nil {
		ok, err := j.Condition(ctx)
		if err != nil {
			outcome.Err = fmt.Errorf("job %s condition: %w", j.Name, err)
			return outcome
		}
		if !ok {
			outcome.Skipped = "condition not satisfied"
			return outcome
		}
	}

	if err := j.Run(ctx); err != nil {
		outcome.Err = fmt.Errorf("job %s: %w", j.Name, err)
		r.logger().Error("%v", outcome.Err)
		return outcome
	}

	state[j.Name] = now
	outcome.Ran = true
	return outcome
}

// isDue compares the job's schedule's next fire time (computed from the
// last run) against now, rather than hand-rolling interval math.
func (r *Runner) isDue(j Job, now time.Time, state State) bool {
	last, ok := state[j.Name]
	if !ok {
		return true
	}
	return !j.Schedule.Next(last).After(now)
}

func (r *Runner) logger() logging.Logger {
	return logging.OrNop(r.Logger)
}
