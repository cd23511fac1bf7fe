// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backend provides storage backends for the controller.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal
// implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns
//   - RunQueue (optional): ClaimRun, FinishRun, Heartbeat
//   - CheckpointStore (optional): SaveCheckpoint, LatestCheckpoint, ListCheckpoints
//   - TriggerStore (optional): trigger CRUD plus ProcessDueTriggers
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured
// implementations. Components accept the narrowest interface they need.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/wirl-lang/wirld/pkg/engine"
)

// Run statuses (wire values).
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusNeedsInput = "needs_input"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// TerminalStatus reports whether a status admits no further transitions
// other than an explicit retry.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Run represents a workflow run in storage. The workflow_runs row is the
// serialization point for a run: only its current claimant mutates it
// while running.
type Run struct {
	ID              string         `json:"id"`
	TemplateName    string         `json:"template_name"`
	WorkflowHash    string         `json:"workflow_hash,omitempty"`
	Status          string         `json:"status"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	RetryCount      int            `json:"retry_count"`
	CancelRequested bool           `json:"cancel_requested"`
	ResumePayload   map[string]any `json:"resume_payload,omitempty"`
	SuspendedNode   string         `json:"suspended_node,omitempty"`
	TriggerID       string         `json:"trigger_id,omitempty"`
	ClaimedBy       string         `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	HeartbeatAt     *time.Time     `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status   string
	Template string
	Limit    int
	Offset   int
}

// Trigger is a cron-scheduled rule that enqueues runs of a template.
type Trigger struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	TemplateName   string         `json:"template_name"`
	InputsTemplate map[string]any `json:"inputs_template,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Timezone       string         `json:"timezone"`
	IsActive       bool           `json:"is_active"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RunStore is the core interface for run storage operations.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *Run) error
}

// RunLister is an optional interface for listing runs. The int return is
// the total row count before limit/offset, for pagination.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error)
}

// RunQueue is the worker-facing claim interface over the workflow_runs
// table.
type RunQueue interface {
	// ClaimRun atomically claims the oldest queued run (or one whose
	// claim went stale) for workerID. Returns nil, nil when the queue
	// is empty.
	ClaimRun(ctx context.Context, workerID string, staleTimeout time.Duration) (*Run, error)

	// FinishRun writes a claimed run's new state and releases the
	// claim. Fails with *ClaimLostError when workerID no longer owns
	// the row.
	FinishRun(ctx context.Context, run *Run, workerID string) error

	// Heartbeat refreshes the claim's liveness timestamp. Fails with
	// *ClaimLostError when workerID no longer owns the row.
	Heartbeat(ctx context.Context, runID, workerID string) error
}

// CheckpointStore persists engine snapshots keyed by (run_id, superstep).
// Checkpoints form an append-only sequence per run.
type CheckpointStore interface {
	// SaveCheckpoint saves a snapshot for a run.
	SaveCheckpoint(ctx context.Context, runID string, snap *engine.Snapshot) error

	// LatestCheckpoint retrieves the highest-superstep snapshot for a
	// run, or nil, nil when the run has none.
	LatestCheckpoint(ctx context.Context, runID string) (*engine.Snapshot, error)

	// ListCheckpoints retrieves all snapshots for a run in superstep
	// order.
	ListCheckpoints(ctx context.Context, runID string) ([]*engine.Snapshot, error)
}

// TriggerFiring is the scheduler's verdict on one due trigger. When Err
// is set the trigger is deactivated with last_error; otherwise Run is
// enqueued and next_run_at advances to NextRunAt.
type TriggerFiring struct {
	Run       *Run
	NextRunAt time.Time
	Err       error
}

// TriggerStore manages workflow_triggers. ProcessDueTriggers keeps the
// lock-and-enqueue transaction inside the backend so cron evaluation
// (the fire callback) stays storage-agnostic.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, trigger *Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context) ([]*Trigger, error)

	// ProcessDueTriggers locks every active trigger with
	// next_run_at <= now, invokes fire for each, and applies the
	// verdicts in the same transaction. Row locking guarantees a
	// firing is enqueued exactly once under concurrent schedulers.
	ProcessDueTriggers(ctx context.Context, now time.Time, fire func(*Trigger) TriggerFiring) error
}

// Backend defines the full interface for controller storage.
type Backend interface {
	RunStore
	RunLister
	RunQueue
	CheckpointStore
	TriggerStore
	io.Closer
}
