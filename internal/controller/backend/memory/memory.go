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

// Package memory provides an in-memory backend implementation, used by
// tests and by the single-run CLI when no state database is configured.
// Runs and checkpoints are stored by value-copy so callers cannot
// mutate stored state through retained pointers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/pkg/engine"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.RunQueue        = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.TriggerStore    = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu          sync.RWMutex
	runs        map[string]*backend.Run
	checkpoints map[string][]*engine.Snapshot
	triggers    map[string]*backend.Trigger
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*backend.Run),
		checkpoints: make(map[string][]*engine.Snapshot),
		triggers:    make(map[string]*backend.Trigger),
	}
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createRunLocked(run)
}

func (b *Backend) createRunLocked(run *backend.Run) error {
	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	stored := *run
	b.runs[run.ID] = &stored
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &backend.NotFoundError{Entity: "run", ID: id}
	}
	out := *run
	return &out, nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; !exists {
		return &backend.NotFoundError{Entity: "run", ID: run.ID}
	}
	run.UpdatedAt = time.Now().UTC()
	stored := *run
	b.runs[run.ID] = &stored
	return nil
}

// ClaimRun claims the oldest eligible run for workerID.
func (b *Backend) ClaimRun(ctx context.Context, workerID string, staleTimeout time.Duration) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	staleBefore := now.Add(-staleTimeout)

	var oldest *backend.Run
	for _, run := range b.runs {
		eligible := false
		switch run.Status {
		case backend.StatusQueued:
			eligible = run.ClaimedBy == "" || (run.ClaimedAt != nil && run.ClaimedAt.Before(staleBefore))
		case backend.StatusRunning:
			eligible = run.HeartbeatAt != nil && run.HeartbeatAt.Before(staleBefore)
		}
		if !eligible {
			continue
		}
		if oldest == nil || run.CreatedAt.Before(oldest.CreatedAt) {
			oldest = run
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = backend.StatusRunning
	oldest.ClaimedBy = workerID
	claimed := now
	oldest.ClaimedAt = &claimed
	heartbeat := now
	oldest.HeartbeatAt = &heartbeat
	oldest.UpdatedAt = now

	out := *oldest
	return &out, nil
}

// FinishRun writes a claimed run's new state and releases the claim.
func (b *Backend) FinishRun(ctx context.Context, run *backend.Run, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.runs[run.ID]
	if !exists || current.ClaimedBy != workerID {
		return &backend.ClaimLostError{RunID: run.ID, WorkerID: workerID}
	}

	run.UpdatedAt = time.Now().UTC()
	stored := *run
	stored.ClaimedBy = ""
	stored.ClaimedAt = nil
	b.runs[run.ID] = &stored
	return nil
}

// Heartbeat refreshes the claim's liveness timestamp.
func (b *Backend) Heartbeat(ctx context.Context, runID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[runID]
	if !exists || run.ClaimedBy != workerID || run.Status != backend.StatusRunning {
		return &backend.ClaimLostError{RunID: runID, WorkerID: workerID}
	}
	now := time.Now().UTC()
	run.HeartbeatAt = &now
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*backend.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Template != "" && run.TemplateName != filter.Template {
			continue
		}
		out := *run
		matched = append(matched, &out)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// SaveCheckpoint saves a snapshot keyed by (run_id, superstep).
func (b *Backend) SaveCheckpoint(ctx context.Context, runID string, snap *engine.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := snap.Clone()
	snaps := b.checkpoints[runID]
	for i, existing := range snaps {
		if existing.Superstep == snap.Superstep {
			snaps[i] = stored
			return nil
		}
	}
	b.checkpoints[runID] = append(snaps, stored)
	return nil
}

// LatestCheckpoint retrieves the highest-superstep snapshot for a run.
func (b *Backend) LatestCheckpoint(ctx context.Context, runID string) (*engine.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snaps := b.checkpoints[runID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Superstep > latest.Superstep {
			latest = snap
		}
	}
	return latest.Clone(), nil
}

// ListCheckpoints retrieves all snapshots for a run in superstep order.
func (b *Backend) ListCheckpoints(ctx context.Context, runID string) ([]*engine.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snaps := b.checkpoints[runID]
	out := make([]*engine.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Superstep < out[j].Superstep })
	return out, nil
}

// CreateTrigger creates a new trigger.
func (b *Backend) CreateTrigger(ctx context.Context, trigger *backend.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.triggers[trigger.ID]; exists {
		return fmt.Errorf("trigger already exists: %s", trigger.ID)
	}
	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	stored := *trigger
	b.triggers[trigger.ID] = &stored
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (b *Backend) GetTrigger(ctx context.Context, id string) (*backend.Trigger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	trigger, exists := b.triggers[id]
	if !exists {
		return nil, &backend.NotFoundError{Entity: "trigger", ID: id}
	}
	out := *trigger
	return &out, nil
}

// UpdateTrigger updates an existing trigger.
func (b *Backend) UpdateTrigger(ctx context.Context, trigger *backend.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.triggers[trigger.ID]; !exists {
		return &backend.NotFoundError{Entity: "trigger", ID: trigger.ID}
	}
	trigger.UpdatedAt = time.Now().UTC()
	stored := *trigger
	b.triggers[trigger.ID] = &stored
	return nil
}

// DeleteTrigger deletes a trigger by ID.
func (b *Backend) DeleteTrigger(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.triggers[id]; !exists {
		return &backend.NotFoundError{Entity: "trigger", ID: id}
	}
	delete(b.triggers, id)
	return nil
}

// ListTriggers lists all triggers ordered by creation time.
func (b *Backend) ListTriggers(ctx context.Context) ([]*backend.Trigger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*backend.Trigger, 0, len(b.triggers))
	for _, trigger := range b.triggers {
		copied := *trigger
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ProcessDueTriggers applies the fire verdicts for all due triggers
// under the backend lock.
func (b *Backend) ProcessDueTriggers(ctx context.Context, now time.Time, fire func(*backend.Trigger) backend.TriggerFiring) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*backend.Trigger
	for _, trigger := range b.triggers {
		if trigger.IsActive && trigger.NextRunAt != nil && !trigger.NextRunAt.After(now) {
			due = append(due, trigger)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })

	for _, trigger := range due {
		copied := *trigger
		firing := fire(&copied)
		if firing.Err != nil {
			trigger.IsActive = false
			trigger.LastError = firing.Err.Error()
			trigger.UpdatedAt = now
			continue
		}
		if err := b.createRunLocked(firing.Run); err != nil {
			return fmt.Errorf("failed to enqueue run for trigger %s: %w", trigger.ID, err)
		}
		fired := now
		trigger.LastRunAt = &fired
		next := firing.NextRunAt
		trigger.NextRunAt = &next
		trigger.LastError = ""
		trigger.UpdatedAt = now
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}
