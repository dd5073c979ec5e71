package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunDueSkipsJobNotYetDue(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register(Job{
		Name:     "slow",
		Schedule: EverySeconds(60),
		Run:      func(ctx context.Context) error { ran = true; return nil },
	})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := State{"slow": now.Add(-10 * time.Second)}

	runner := &Runner{Registry: r}
	outcomes := runner.RunDue(context.Background(), now, state)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Ran)
	require.Equal(t, "not due", outcomes[0].Skipped)
	require.False(t, ran)
}

func TestRunDueRunsJobPastInterval(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register(Job{
		Name:     "slow",
		Schedule: EverySeconds(60),
		Run:      func(ctx context.Context) error { ran = true; return nil },
	})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := State{"slow": now.Add(-90 * time.Second)}

	runner := &Runner{Registry: r}
	outcomes := runner.RunDue(context.Background(), now, state)
	require.True(t, outcomes[0].Ran)
	require.True(t, ran)
	require.Equal(t, now, state["slow"])
}

func TestRunDueRunsFirstTimeWithNoPriorState(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register(Job{Name: "first", Schedule: EverySeconds(300), Run: func(ctx context.Context) error { ran = true; return nil }})

	runner := &Runner{Registry: r}
	now := time.Now()
	outcomes := runner.RunDue(context.Background(), now, State{})
	require.True(t, outcomes[0].Ran)
	require.True(t, ran)
}

func TestRunDueSkipsWhenConditionFails(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register(Job{
		Name:      "gated",
		Schedule:  EverySeconds(60),
		Condition: func(ctx context.Context) (bool, error) { return false, nil },
		Run:       func(ctx context.Context) error { ran = true; return nil },
	})

	runner := &Runner{Registry: r}
	outcomes := runner.RunDue(context.Background(), time.Now(), State{})
	require.False(t, outcomes[0].Ran)
	require.Equal(t, "condition not satisfied", outcomes[0].Skipped)
	require.False(t, ran)
}

func TestRunDueCapturesJobError(t *testing.T) {
	r := NewRegistry()
	r.Register(Job{
		Name:     "failing",
		Schedule: EverySeconds(60),
		Run:      func(ctx context.Context) error { return errors.New("boom") },
	})

	runner := &Runner{Registry: r}
	state := State{}
	outcomes := runner.RunDue(context.Background(), time.Now(), state)
	require.Error(t, outcomes[0].Err)
	require.NotContains(t, state, "failing", "a failed job must not record last_run")
}

func TestRunDueIsolatesPanicPerJob(t *testing.T) {
	r := NewRegistry()
	r.Register(Job{Name: "panics", Schedule: EverySeconds(60), Run: func(ctx context.Context) error { panic("boom") }})
	ranSecond := false
	r.Register(Job{Name: "second", Schedule: EverySeconds(60), Run: func(ctx context.Context) error { ranSecond = true; return nil }})

	runner := &Runner{Registry: r}
	outcomes := runner.RunDue(context.Background(), time.Now(), State{})
	require.Error(t, outcomes[0].Err)
	require.True(t, outcomes[1].Ran)
	require.True(t, ranSecond, "a panicking job must not stop subsequent jobs from running")
}

func TestRegisterRequiredWiresAllSixJobs(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context) error { return nil }
	RegisterRequired(r, RequiredDeps{
		RegisterOrchestrator:    noop,
		RequeueExpiredLeases:    noop,
		CheckFinishedAgents:     noop,
		ProcessProvisionalTasks: noop,
		CheckProjectCompletion:  noop,
		SweepStaleWorktrees:     noop,
		NoAgentsRunning:         func(ctx context.Context) (bool, error) { return true, nil },
	})

	names := make([]string, len(r.Jobs()))
	for i, j := range r.Jobs() {
		names[i] = j.Name
	}
	require.Equal(t, []string{
		"register_orchestrator", "requeue_expired_leases", "check_finished_agents",
		"process_provisional_tasks", "check_project_completion", "sweep_stale_worktrees",
	}, names)
}

func TestCheckFinishedAgentsRunsEveryTick(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register(Job{Name: "check_finished_agents", Schedule: everyTick{}, Run: func(ctx context.Context) error { calls++; return nil }})

	runner := &Runner{Registry: r}
	state := State{}
	runner.RunDue(context.Background(), time.Now(), state)
	runner.RunDue(context.Background(), time.Now().Add(time.Second), state)
	require.Equal(t, 2, calls)
}
