// Package condition evaluates a transition's ordered conditions, stopping
// at the first failure and routing to that condition's on_fail target (or a
// configured fallback).
package condition

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/task"
)

// Status is the outcome of evaluating one condition.
type Status int

const (
	// Pass means the condition is satisfied; evaluation continues to the
	// next condition in the transition.
	Pass Status = iota
	// Fail means the condition rejected; evaluation stops and routes to
	// the condition's on_fail (or the flow's fallback state).
	Fail
	// Pending means an agent condition is awaiting its worker's decision;
	// the transition neither proceeds nor fails this tick.
	Pending
)

// Outcome is the result of evaluating a transition's full condition list.
type Outcome struct {
	Status   Status
	RouteTo  string // populated when Status == Fail
	Reason   string
	Evaluated string // name of the condition that determined the outcome
}

// ScriptRunner executes an external script and reports pass/fail by exit
// code.
type ScriptRunner func(ctx context.Context, script string, t *task.Task) (bool, error)

// AgentDecisionLookup looks up a pending or completed decision for an agent
// condition against a task, as recorded by a prior worker run (via the
// result handler) or still outstanding.
type AgentDecisionLookup func(ctx context.Context, t *task.Task, conditionName string) (decided bool, approved bool, err error)

// ManualFlagLookup reports whether an external action (e.g. a dashboard
// approval) has set the named manual flag on the task.
type ManualFlagLookup func(ctx context.Context, t *task.Task, conditionName string) (set bool, approved bool, err error)

// Evaluator evaluates a transition's conditions in declared order.
type Evaluator struct {
	RunScript    ScriptRunner
	AgentLookup  AgentDecisionLookup
	ManualLookup ManualFlagLookup
}

// NewExecScriptRunner returns a ScriptRunner that shells out to script,
// passing the task id as an argument and treating exit code 0 as pass.
func NewExecScriptRunner() ScriptRunner {
	return func(ctx context.Context, script string, t *task.Task) (bool, error) {
		cmd := exec.CommandContext(ctx, script, t.ID)
		err := cmd.Run()
		if err == nil {
			return true, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
}

// Evaluate walks t's conditions in declared order, stopping at the first
// non-pass result. Cheap deterministic script conditions should be ordered
// first by whoever authors the flow file; the evaluator itself imposes no
// reordering — it only stops early.
func (e *Evaluator) Evaluate(ctx context.Context, conditions []flow.Condition, fallback string, t *task.Task) (Outcome, error) {
	for _, c := range conditions {
		status, reason, err := e.evaluateOne(ctx, c, t)
		if err != nil {
			return Outcome{}, fmt.Errorf("condition %q: %w", c.Name, err)
		}
		switch status {
		case Pass:
			continue
		case Pending:
			return Outcome{Status: Pending, Evaluated: c.Name, Reason: reason}, nil
		case Fail:
			route := c.OnFail
			if route == "" {
				route = fallback
			}
			return Outcome{Status: Fail, RouteTo: route, Evaluated: c.Name, Reason: reason}, nil
		}
	}
	return Outcome{Status: Pass}, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, c flow.Condition, t *task.Task) (Status, string, error) {
	switch c.Kind {
	case flow.ConditionScript:
		if e.RunScript == nil {
			return Fail, "no script runner configured", nil
		}
		ok, err := e.RunScript(ctx, c.Script, t)
		if err != nil {
			return Fail, "", err
		}
		if !ok {
			return Fail, fmt.Sprintf("script %s exited nonzero", c.Script), nil
		}
		return Pass, "", nil

	case flow.ConditionAgent:
		if e.AgentLookup == nil {
			return Pending, "no agent lookup configured", nil
		}
		decided, approved, err := e.AgentLookup(ctx, t, c.Name)
		if err != nil {
			return Fail, "", err
		}
		if !decided {
			return Pending, "awaiting agent decision", nil
		}
		if !approved {
			return Fail, "agent rejected", nil
		}
		return Pass, "", nil

	case flow.ConditionManual:
		if e.ManualLookup == nil {
			return Pending, "no manual lookup configured", nil
		}
		set, approved, err := e.ManualLookup(ctx, t, c.Name)
		if err != nil {
			return Fail, "", err
		}
		if !set {
			return Pending, "awaiting manual action", nil
		}
		if !approved {
			return Fail, "manually rejected", nil
		}
		return Pass, "", nil

	default:
		return Fail, fmt.Sprintf("unknown condition kind %q", c.Kind), nil
	}
}
