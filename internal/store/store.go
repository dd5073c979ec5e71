// Package store defines the narrow, typed client surface over the remote
// state store: atomic claim, optimistic-locked update, the batched poll
// read, presence registration, and the mailbox primitives.
//
// The store owns task records and their state transitions; this package
// only models the client side of that contract.
package store

import (
	"context"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// ClaimFilter narrows which task a claim call may return.
type ClaimFilter struct {
	Blueprint  string
	RoleFilter string
	FromState  string
	TypeFilter string
}

// ProvisionalTask is a task summary surfaced by poll for orchestrator-side
// hooks that don't need the full task record.
type ProvisionalTask struct {
	TaskID   string `json:"task_id"`
	PRNumber int    `json:"pr_number,omitempty"`
}

// QueueCounts are the per-state counts used by the backpressure guard.
type QueueCounts struct {
	Claimed     int `json:"claimed"`
	Provisional int `json:"provisional"`
	Incoming    int `json:"incoming"`
}

// PollSummary is the single batched read a tick performs at most once.
// Every consumer that would otherwise issue an independent read is handed
// this cached value instead.
type PollSummary struct {
	QueueCounts      QueueCounts       `json:"queue_counts"`
	ProvisionalTasks []ProvisionalTask `json:"provisional_tasks"`
	Registered       bool              `json:"registered"`
	FetchedAt        time.Time         `json:"-"`
}

// SubmitInfo accompanies a submit() call with the PR produced by the
// preceding transition's runs.
type SubmitInfo struct {
	Branch   string
	PRNumber int
	PRURL    string
}

// Store is the scheduler's view of the remote REST API.
type Store interface {
	// Register sends an idempotent presence beacon. Callers should skip
	// this when the prior poll already confirmed registration.
	Register(ctx context.Context, orchestratorID, cluster, machineID string, capabilities []string) error

	// Poll performs the single batched read a tick needs.
	Poll(ctx context.Context, orchestratorID string) (PollSummary, error)

	// Claim atomically claims one task matching filter, assigning a lease.
	// Returns (nil, ErrNotAvailable) when no task matches.
	Claim(ctx context.Context, orchestratorID string, filter ClaimFilter, leaseFor time.Duration) (*task.Task, error)

	// Update performs an optimistic-locked field-level update.
	Update(ctx context.Context, taskID string, expectedVersion int, fields map[string]any) (*task.Task, error)

	// Submit, Accept, Reject encode the legal task transitions. Prefer these
	// over raw Update to exercise server-side guards.
	Submit(ctx context.Context, taskID string, expectedVersion int, info SubmitInfo) (*task.Task, error)
	Accept(ctx context.Context, taskID string, expectedVersion int) (*task.Task, error)
	Reject(ctx context.Context, taskID string, expectedVersion int, reason string) (*task.Task, error)

	// Get fetches a single task's current record.
	Get(ctx context.Context, taskID string) (*task.Task, error)

	// Messages are the mailbox primitives used by orchestrator-side jobs.
	ListMessages(ctx context.Context, to, msgType, status string) ([]task.Message, error)
	CreateMessage(ctx context.Context, msg task.Message) error
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
}
