package condition

import (
	"context"
	"errors"
	"testing"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/stretchr/testify/require"
)

func TestEvaluatePassesAllConditions(t *testing.T) {
	e := &Evaluator{
		RunScript: func(ctx context.Context, script string, t *task.Task) (bool, error) { return true, nil },
	}
	conditions := []flow.Condition{{Name: "lint", Kind: flow.ConditionScript, Script: "lint.sh"}}

	out, err := e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Pass, out.Status)
}

func TestEvaluateStopsAtFirstFailureAndRoutesToOnFail(t *testing.T) {
	calls := 0
	e := &Evaluator{
		RunScript: func(ctx context.Context, script string, t *task.Task) (bool, error) {
			calls++
			return script == "lint.sh", nil
		},
	}
	conditions := []flow.Condition{
		{Name: "lint", Kind: flow.ConditionScript, Script: "lint.sh"},
		{Name: "tests", Kind: flow.ConditionScript, Script: "tests.sh", OnFail: "incoming"},
		{Name: "typecheck", Kind: flow.ConditionScript, Script: "typecheck.sh"},
	}

	out, err := e.Evaluate(context.Background(), conditions, "fallback", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Fail, out.Status)
	require.Equal(t, "tests", out.Evaluated)
	require.Equal(t, "incoming", out.RouteTo)
	require.Equal(t, 2, calls, "typecheck should never run after tests fails")
}

func TestEvaluateUsesFallbackWhenOnFailEmpty(t *testing.T) {
	e := &Evaluator{
		RunScript: func(ctx context.Context, script string, t *task.Task) (bool, error) { return false, nil },
	}
	conditions := []flow.Condition{{Name: "gate", Kind: flow.ConditionScript, Script: "gate.sh"}}

	out, err := e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, "incoming", out.RouteTo)
}

func TestEvaluateAgentConditionPendingUntilDecided(t *testing.T) {
	e := &Evaluator{
		AgentLookup: func(ctx context.Context, t *task.Task, name string) (bool, bool, error) {
			return false, false, nil
		},
	}
	conditions := []flow.Condition{{Name: "review", Kind: flow.ConditionAgent, Agent: "gatekeeper"}}

	out, err := e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Pending, out.Status)
}

func TestEvaluateAgentConditionFailsOnReject(t *testing.T) {
	e := &Evaluator{
		AgentLookup: func(ctx context.Context, t *task.Task, name string) (bool, bool, error) {
			return true, false, nil
		},
	}
	conditions := []flow.Condition{{Name: "review", Kind: flow.ConditionAgent, Agent: "gatekeeper", OnFail: "incoming"}}

	out, err := e.Evaluate(context.Background(), conditions, "fallback", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Fail, out.Status)
	require.Equal(t, "incoming", out.RouteTo)
}

func TestEvaluateManualConditionPendingThenPasses(t *testing.T) {
	set := false
	e := &Evaluator{
		ManualLookup: func(ctx context.Context, t *task.Task, name string) (bool, bool, error) {
			return set, true, nil
		},
	}
	conditions := []flow.Condition{{Name: "approval", Kind: flow.ConditionManual}}

	out, err := e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Pending, out.Status)

	set = true
	out, err = e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.NoError(t, err)
	require.Equal(t, Pass, out.Status)
}

func TestEvaluatePropagatesScriptError(t *testing.T) {
	e := &Evaluator{
		RunScript: func(ctx context.Context, script string, t *task.Task) (bool, error) {
			return false, errors.New("script not found")
		},
	}
	conditions := []flow.Condition{{Name: "lint", Kind: flow.ConditionScript, Script: "missing.sh"}}

	_, err := e.Evaluate(context.Background(), conditions, "incoming", &task.Task{})
	require.Error(t, err)
}
