package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
)

// Register wires the built-in step names against deps. Flow validation
// fails loudly if a flow references a name not registered by this function.
func Register(r *Registry, deps Deps) {
	r.Register("push_branch", deps.pushBranch)
	r.Register("run_tests", deps.runTests)
	r.Register("create_pr", deps.createPR)
	r.Register("submit_to_server", deps.submitToServer)
	r.Register("post_review_comment", deps.postReviewComment)
	r.Register("merge_pr", deps.mergePR)
	r.Register("reject_with_feedback", deps.rejectWithFeedback)
	r.Register("create_project_pr", deps.createPR)
	r.Register("merge_project_pr", deps.mergePR)
	r.Register("rebase_on_project_branch", deps.rebaseOnProjectBranch)
}

func (d Deps) pushBranch(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.Branch == "" {
		t.Branch = fmt.Sprintf("octopoid/%s", t.ID)
	}
	return d.VCS.Push(ctx, sandboxPath, t.Branch)
}

// runTests is a no-op placeholder for flows that declare it: the worker
// subprocess already ran its own tests inside the sandbox before writing
// the result document. This step exists so flows can name it explicitly in
// `runs` without the loader rejecting an unregistered step.
func (d Deps) runTests(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	return nil
}

func (d Deps) createPR(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.PRNumber != 0 {
		return nil
	}
	if d.PR == nil {
		return fmt.Errorf("create_pr: no forge client configured")
	}
	number, url, err := d.PR.EnsurePR(ctx, t)
	if err != nil {
		return err
	}
	t.PRNumber = number
	t.PRURL = url
	return nil
}

func (d Deps) submitToServer(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	info := store.SubmitInfo{Branch: t.Branch, PRNumber: t.PRNumber, PRURL: t.PRURL}
	updated, err := d.Store.Submit(ctx, t.ID, t.Version, info)
	if err != nil {
		return err
	}
	*t = *updated
	return nil
}

func (d Deps) postReviewComment(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.PRNumber == 0 || result.Comment == "" {
		return nil
	}
	if d.PR == nil {
		return fmt.Errorf("post_review_comment: no forge client configured")
	}
	return d.PR.PostComment(ctx, t.PRNumber, result.Comment)
}

func (d Deps) mergePR(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.PRNumber == 0 {
		return fmt.Errorf("task %s has no pr_number to merge", t.ID)
	}
	if d.PR == nil {
		return fmt.Errorf("merge_pr: no forge client configured")
	}
	// merge_pr must not swallow failures: silent merge failure was a
	// recurring class of bug, so any error from the underlying merge call
	// propagates unmodified.
	return d.PR.Merge(ctx, t.PRNumber)
}

func (d Deps) rejectWithFeedback(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.PRNumber != 0 && result.Comment != "" && d.PR != nil {
		if err := d.PR.PostComment(ctx, t.PRNumber, result.Comment); err != nil {
			return err
		}
	}
	t.RejectionCount++
	t.Prompt = rewritePromptForRejection(t.Prompt, result.Comment)
	updated, err := d.Store.Update(ctx, t.ID, t.Version, map[string]any{
		"prompt":          t.Prompt,
		"rejection_count": t.RejectionCount,
	})
	if err != nil {
		return err
	}
	*t = *updated
	// Feedback also goes through the task's mailbox so re-claimed workers
	// see the full rejection history, not just the latest rewrite. The
	// prompt rewrite above is the fallback channel; a mailbox miss must not
	// fail the whole rejection.
	if result.Comment != "" {
		msg := task.Message{TaskID: t.ID, To: t.Role, Type: "rejection", Status: "pending", Body: result.Comment}
		if err := d.Store.CreateMessage(ctx, msg); err != nil {
			logging.OrNop(d.Logger).Warn("reject_with_feedback: post rejection message for task %s: %v", t.ID, err)
		}
	}
	return nil
}

// rebaseOnProjectBranch replays a child task's sandbox commits onto its
// project's integration branch, so a child PR targets the project branch's
// current tip rather than wherever the sandbox was created from.
func (d Deps) rebaseOnProjectBranch(ctx context.Context, t *task.Task, result Result, sandboxPath string) error {
	if t.ProjectID == "" || sandboxPath == "" {
		return nil
	}
	return d.VCS.Rebase(ctx, sandboxPath, fmt.Sprintf("octopoid/%s", t.ProjectID))
}

// rewritePromptForRejection replaces the prompt body rather than prepending
// a rejection notice — workers have been shown to read only the original
// prompt and ignore a prepended note.
func rewritePromptForRejection(original, comment string) string {
	var b strings.Builder
	b.WriteString("Outstanding work after review feedback:\n\n")
	if comment != "" {
		b.WriteString(comment)
		b.WriteString("\n\n")
	}
	b.WriteString("Original task:\n")
	b.WriteString(original)
	return b.String()
}
