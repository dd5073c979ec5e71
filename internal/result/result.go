// Package result implements the dispatcher that reads a finished worker's
// result document and advances its task through the flow: locating the
// right transition for (current_state, outcome), running its steps, and
// persisting the transition — or moving the task to failed when a step
// raises.
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxthelion/octopoid/internal/clock"
	"github.com/maxthelion/octopoid/internal/condition"
	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/sandbox"
	"github.com/maxthelion/octopoid/internal/steps"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// ResultFileName is the well-known path, relative to the sandbox root, a
// worker writes its result document to before exiting.
const ResultFileName = "result.json"

// Document is the worker's one-shot JSON result file. Any shape that
// doesn't decode into this (or is missing required fields) is a protocol
// violation and routes the task to failed.
type Document struct {
	Outcome  string `json:"outcome"`
	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const (
	OutcomeDone             = "done"
	OutcomeFailed           = "failed"
	OutcomeNeedsContinuation = "needs_continuation"

	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// CommitsChecker reports whether a sandbox has commits beyond the base
// branch, used to infer an outcome when the worker wrote no result file.
type CommitsChecker interface {
	HasCommitsAhead(ctx context.Context, dir, base string) (bool, error)
}

// Handler dispatches finished agent instances through their task's flow.
type Handler struct {
	Store      store.Store
	Flows      map[string]*flow.Flow
	Steps      *steps.Registry
	Sandbox    *sandbox.Manager
	Commits    CommitsChecker
	Conditions *condition.Evaluator
	Logger     logging.Logger

	// Clock and LeaseExtension control how a needs_continuation outcome is
	// held when the flow declares no dedicated holding state: the task stays
	// claimed with its lease pushed out so the worker's re-entry isn't raced
	// by the lease monitor. A zero LeaseExtension leaves the lease alone.
	Clock          clock.Clock
	LeaseExtension time.Duration
}

// Outcome summarizes what Handle did, for logging/metrics.
type Outcome struct {
	TaskID     string
	FromState  string
	ToState    string
	NoOp       bool
	NoOpReason string
}

// Handle processes one finished instance bound to taskID, running in
// sandboxDir, against baseBranch. It is idempotent: if the task has already
// moved past the state this result would produce, or has been reclaimed by
// the store's lease monitor back to incoming, Handle is a no-op.
func (h *Handler) Handle(ctx context.Context, taskID, sandboxDir, baseBranch string) (Outcome, error) {
	doc, err := h.readResult(ctx, sandboxDir, baseBranch)
	if err != nil {
		return Outcome{}, fmt.Errorf("read result for task %s: %w", taskID, err)
	}

	t, err := h.Store.Get(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch task %s: %w", taskID, err)
	}

	if t.State == task.StateIncoming {
		// The lease monitor requeued this task between worker termination
		// and our handling it. Skip rather than clobber.
		return Outcome{TaskID: taskID, NoOp: true, NoOpReason: "task reclaimed to incoming"}, nil
	}

	f, ok := h.Flows[t.Flow]
	if !ok {
		return Outcome{}, fmt.Errorf("task %s references unknown flow %q", taskID, t.Flow)
	}

	outcome, err := h.dispatch(ctx, f, t, doc, sandboxDir)
	if err != nil {
		return outcome, err
	}

	if t.IsTerminal() || f.IsTerminal(string(t.State)) {
		if err := h.Sandbox.DestroySandbox(ctx, taskID, baseBranch, t.Branch, true); err != nil {
			h.logger().Warn("destroy sandbox for task %s: %v", taskID, err)
		}
		_ = os.Remove(filepath.Join(sandboxDir, ResultFileName))
	}

	return outcome, nil
}

func (h *Handler) dispatch(ctx context.Context, f *flow.Flow, t *task.Task, doc Document, sandboxDir string) (Outcome, error) {
	switch {
	case t.State == task.StateClaimed && doc.Outcome == OutcomeDone:
		return h.runClaimedDone(ctx, f, t, doc, sandboxDir)

	case t.State == task.StateProvisional && doc.Outcome == OutcomeDone && doc.Decision == DecisionApprove:
		return h.runApprove(ctx, f, t, doc, sandboxDir)

	case t.State == task.StateProvisional && doc.Decision == DecisionReject:
		return h.runReject(ctx, f, t, doc, sandboxDir)

	case t.State == task.StateClaimed && doc.Outcome == OutcomeFailed:
		return h.fail(ctx, t, doc.Reason)

	case t.State == task.StateClaimed && doc.Outcome == OutcomeNeedsContinuation:
		return h.holdForContinuation(ctx, f, t)

	default:
		h.logger().Warn("task %s: no dispatch rule for state=%s outcome=%s decision=%s; leaving untouched",
			t.ID, t.State, doc.Outcome, doc.Decision)
		return Outcome{TaskID: t.ID, NoOp: true, NoOpReason: "unrecognized (state, outcome) pair"}, nil
	}
}

func (h *Handler) runClaimedDone(ctx context.Context, f *flow.Flow, t *task.Task, doc Document, sandboxDir string) (Outcome, error) {
	transition, ok := f.Find(string(task.StateClaimed), string(task.StateProvisional))
	if !ok {
		return h.fail(ctx, t, fmt.Sprintf("flow %s has no claimed -> provisional transition", f.Name))
	}
	proceed, outcome, err := h.gate(ctx, f, transition, t)
	if !proceed {
		return outcome, err
	}
	if err := h.Steps.Execute(ctx, transition.Runs, t, toStepResult(doc), sandboxDir); err != nil {
		return h.fail(ctx, t, err.Error())
	}
	return Outcome{TaskID: t.ID, FromState: string(task.StateClaimed), ToState: string(task.StateProvisional)}, nil
}

func (h *Handler) runApprove(ctx context.Context, f *flow.Flow, t *task.Task, doc Document, sandboxDir string) (Outcome, error) {
	transition, ok := f.Find(string(task.StateProvisional), string(task.StateDone))
	if !ok {
		return h.fail(ctx, t, fmt.Sprintf("flow %s has no provisional -> done transition", f.Name))
	}
	proceed, outcome, err := h.gate(ctx, f, transition, t)
	if !proceed {
		return outcome, err
	}
	if err := h.Steps.Execute(ctx, transition.Runs, t, toStepResult(doc), sandboxDir); err != nil {
		return h.fail(ctx, t, err.Error())
	}
	updated, err := h.Store.Accept(ctx, t.ID, t.Version)
	if err != nil {
		return Outcome{}, err
	}
	*t = *updated
	return Outcome{TaskID: t.ID, FromState: string(task.StateProvisional), ToState: string(task.StateDone)}, nil
}

// gate evaluates transition's conditions, if any, before its runs execute.
// It reports proceed=false when the caller should return immediately: either
// because the conditions failed and the task was routed elsewhere, or
// because an agent/manual condition is still pending a decision.
func (h *Handler) gate(ctx context.Context, f *flow.Flow, transition flow.Transition, t *task.Task) (bool, Outcome, error) {
	if h.Conditions == nil || len(transition.Conditions) == 0 {
		return true, Outcome{}, nil
	}
	fallback := f.FallbackState
	if fallback == "" {
		fallback = string(task.StateIncoming)
	}
	result, err := h.Conditions.Evaluate(ctx, transition.Conditions, fallback, t)
	if err != nil {
		outcome, ferr := h.fail(ctx, t, err.Error())
		return false, outcome, ferr
	}
	switch result.Status {
	case condition.Pass:
		return true, Outcome{}, nil
	case condition.Pending:
		return false, Outcome{TaskID: t.ID, NoOp: true, NoOpReason: fmt.Sprintf("condition %s pending: %s", result.Evaluated, result.Reason)}, nil
	default: // condition.Fail
		updated, err := h.Store.Update(ctx, t.ID, t.Version, map[string]any{"state": result.RouteTo})
		if err != nil {
			return false, Outcome{}, err
		}
		*t = *updated
		return false, Outcome{TaskID: t.ID, FromState: transition.From, ToState: result.RouteTo, NoOpReason: result.Reason}, nil
	}
}

func (h *Handler) runReject(ctx context.Context, f *flow.Flow, t *task.Task, doc Document, sandboxDir string) (Outcome, error) {
	transition, ok := f.Find(string(task.StateProvisional), string(task.StateIncoming))
	onFail := string(task.StateIncoming)
	if ok && len(transition.Conditions) > 0 && transition.Conditions[0].OnFail != "" {
		onFail = transition.Conditions[0].OnFail
	}

	if f.MaxRejections > 0 && t.RejectionCount >= f.MaxRejections {
		return h.fail(ctx, t, fmt.Sprintf("rejection limit (%d) exceeded", f.MaxRejections))
	}

	runs := transition.Runs
	if len(runs) == 0 {
		runs = []string{"reject_with_feedback"}
	}
	if err := h.Steps.Execute(ctx, runs, t, toStepResult(doc), sandboxDir); err != nil {
		return h.fail(ctx, t, err.Error())
	}

	updated, err := h.Store.Reject(ctx, t.ID, t.Version, doc.Comment)
	if err != nil {
		return Outcome{}, err
	}
	*t = *updated
	return Outcome{TaskID: t.ID, FromState: string(task.StateProvisional), ToState: onFail}, nil
}

func (h *Handler) fail(ctx context.Context, t *task.Task, reason string) (Outcome, error) {
	fields := map[string]any{
		"state":           string(task.StateFailed),
		"failure_reason":  reason,
		"execution_notes": reason,
	}
	updated, err := h.Store.Update(ctx, t.ID, t.Version, fields)
	if err != nil {
		h.logger().Error("task %s: failed to transition to failed: %v", t.ID, err)
		return Outcome{}, err
	}
	*t = *updated
	return Outcome{TaskID: t.ID, ToState: string(task.StateFailed)}, nil
}

func (h *Handler) holdForContinuation(ctx context.Context, f *flow.Flow, t *task.Task) (Outcome, error) {
	if transition, ok := f.Find(string(task.StateClaimed), "needs_continuation"); ok {
		updated, err := h.Store.Update(ctx, t.ID, t.Version, map[string]any{"state": transition.To})
		if err != nil {
			return Outcome{}, err
		}
		*t = *updated
		return Outcome{TaskID: t.ID, FromState: string(task.StateClaimed), ToState: transition.To}, nil
	}
	// No dedicated holding state declared; extend the lease and leave the
	// task claimed for the worker's continuation re-entry.
	if h.LeaseExtension > 0 {
		cl := h.Clock
		if cl == nil {
			cl = clock.Default
		}
		expires := cl.Now().Add(h.LeaseExtension)
		updated, err := h.Store.Update(ctx, t.ID, t.Version, map[string]any{"lease_expires_at": expires})
		if err != nil {
			return Outcome{}, err
		}
		*t = *updated
	}
	return Outcome{TaskID: t.ID, NoOp: true, NoOpReason: "held in claimed for continuation"}, nil
}

// readResult reads and decodes the result document, inferring an outcome
// when the worker exited without writing one.
func (h *Handler) readResult(ctx context.Context, sandboxDir, baseBranch string) (Document, error) {
	data, err := os.ReadFile(filepath.Join(sandboxDir, ResultFileName))
	if os.IsNotExist(err) {
		return h.inferOutcome(ctx, sandboxDir, baseBranch), nil
	}
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil || doc.Outcome == "" {
		return Document{Outcome: OutcomeFailed, Reason: "malformed result document"}, nil
	}
	return doc, nil
}

func (h *Handler) inferOutcome(ctx context.Context, sandboxDir, baseBranch string) Document {
	if h.Commits != nil {
		if ahead, err := h.Commits.HasCommitsAhead(ctx, sandboxDir, baseBranch); err == nil && ahead {
			return Document{Outcome: OutcomeNeedsContinuation, Reason: "worker exited with no result but left commits"}
		}
	}
	return Document{Outcome: OutcomeFailed, Reason: "worker exited with no result and no commits"}
}

func (h *Handler) logger() logging.Logger {
	return logging.OrNop(h.Logger)
}

func toStepResult(doc Document) steps.Result {
	return steps.Result{Outcome: doc.Outcome, Decision: doc.Decision, Comment: doc.Comment, Reason: doc.Reason}
}
