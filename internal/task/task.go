// Package task defines the unit-of-work model the scheduler advances
// through a flow. The store port that persists it lives in internal/store.
//
// The store is the sole owner of a Task's state and transitions; this
// package only models the shape of a task as the scheduler core sees it.
package task

import (
	"strings"
	"time"
)

// State is a task's position in its flow. The five built-in states below
// are always legal; a flow may declare additional project-specific states
// (e.g. "needs_continuation", "children_complete") that are only valid for
// tasks bound to that flow. State is intentionally not a closed Go enum —
// validity is checked against the task's loaded Flow, not the type system.
type State string

const (
	StateIncoming    State = "incoming"
	StateClaimed     State = "claimed"
	StateProvisional State = "provisional"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// BlockedPaused is the sentinel BlockedBy value meaning the task is
// administratively paused rather than blocked by another task.
const BlockedPaused = "paused"

// Message is one entry in a task's mailbox. reject_with_feedback posts its
// rejection feedback here in addition to rewriting the prompt body.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work tracked by the remote store and advanced by the
// scheduler core.
type Task struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	Title  string `json:"title"`
	Prompt string `json:"prompt"`

	Role     string `json:"role"`
	Priority int    `json:"priority"`

	ProjectID string `json:"project_id,omitempty"`
	Flow      string `json:"flow"`

	Branch string `json:"branch,omitempty"`

	// Version is the optimistic-lock token. Every store update must supply
	// the version it read; a stale version fails with a conflict error.
	Version int `json:"version"`

	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	// BlockedBy names a blocking task id, or BlockedPaused.
	BlockedBy string `json:"blocked_by,omitempty"`

	// RejectionCount bounds the provisional -> incoming -> claimed ->
	// provisional cycle; a flow's MaxRejections caps it.
	RejectionCount int `json:"rejection_count"`

	FailureReason  string `json:"failure_reason,omitempty"`
	ExecutionNotes string `json:"execution_notes,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the task's built-in state is Done or Failed.
// Project-defined terminal states are a Flow property, not a Task one; use
// Flow.Terminal for those.
func (t *Task) IsTerminal() bool {
	return t.State == StateDone || t.State == StateFailed
}

// IsLeased reports whether the task currently holds an unexpired lease.
func (t *Task) IsLeased(now time.Time) bool {
	return t.ClaimedBy != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// PromptNonEmpty reports whether the task has a usable prompt body. Guard 7
// in the evaluation chain fails a task with an empty one.
func (t *Task) PromptNonEmpty() bool {
	return strings.TrimSpace(t.Prompt) != ""
}
