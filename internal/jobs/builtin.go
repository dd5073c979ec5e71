package jobs

import (
	"time"

	"github.com/robfig/cron/v3"
)

// RequiredDeps bundles the collaborators the six required jobs need.
type RequiredDeps struct {
	RegisterOrchestrator    Func
	RequeueExpiredLeases    Func
	CheckFinishedAgents     Func
	ProcessProvisionalTasks Func
	CheckProjectCompletion  Func
	SweepStaleWorktrees     Func
	NoAgentsRunning         Condition
}

// RegisterRequired wires the six built-in housekeeping jobs onto r, in the
// order they run within a tick.
func RegisterRequired(r *Registry, deps RequiredDeps) {
	r.Register(Job{
		Name:     "register_orchestrator",
		Schedule: EverySeconds(300),
		Group:    GroupRemote,
		Run:      deps.RegisterOrchestrator,
	})
	r.Register(Job{
		Name:     "requeue_expired_leases",
		Schedule: EverySeconds(60),
		Group:    GroupRemote,
		Run:      deps.RequeueExpiredLeases,
	})
	r.Register(Job{
		Name:     "check_finished_agents",
		Schedule: everyTick{},
		Group:    GroupLocal,
		Run:      deps.CheckFinishedAgents,
	})
	r.Register(Job{
		Name:     "process_provisional_tasks",
		Schedule: EverySeconds(60),
		Group:    GroupRemote,
		Run:      deps.ProcessProvisionalTasks,
	})
	r.Register(Job{
		Name:     "check_project_completion",
		Schedule: EverySeconds(60),
		Group:    GroupRemote,
		Run:      deps.CheckProjectCompletion,
	})
	r.Register(Job{
		Name:      "sweep_stale_worktrees",
		Schedule:  EverySeconds(3600),
		Group:     GroupLocal,
		Condition: deps.NoAgentsRunning,
		Run:       deps.SweepStaleWorktrees,
	})
}

// everyTick is a cron.Schedule that is always due regardless of last-run
// time: check_finished_agents is a local PID scan, cheap enough to run on
// every tick rather than on any calendar cadence.
type everyTick struct{}

// Next implements cron.Schedule by returning a time already in the past
// relative to any "now" the runner will compare it against.
func (everyTick) Next(t time.Time) time.Time {
	return time.Time{}
}

var _ cron.Schedule = everyTick{}
