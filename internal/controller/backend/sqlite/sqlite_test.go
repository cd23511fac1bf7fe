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

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/pkg/engine"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCreateAndGetRun(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	run := &backend.Run{
		ID:           "run-1",
		TemplateName: "research",
		WorkflowHash: "abc123",
		Status:       backend.StatusQueued,
		Inputs:       map[string]any{"topic": "go"},
	}
	require.NoError(t, b.CreateRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "research", got.TemplateName)
	assert.Equal(t, "abc123", got.WorkflowHash)
	assert.Equal(t, backend.StatusQueued, got.Status)
	assert.Equal(t, "go", got.Inputs["topic"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetRunNotFound(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.GetRun(context.Background(), "missing")
	var nf *backend.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "run", nf.Entity)
}

func TestUpdateRun(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", TemplateName: "t", Status: backend.StatusQueued}
	require.NoError(t, b.CreateRun(ctx, run))

	run.Status = backend.StatusSucceeded
	run.Result = map[string]any{"report": "done"}
	require.NoError(t, b.UpdateRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSucceeded, got.Status)
	assert.Equal(t, "done", got.Result["report"])
}

func TestClaimRunOrderAndEmptyQueue(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		run := &backend.Run{
			ID:           fmt.Sprintf("run-%d", i),
			TemplateName: "t",
			Status:       backend.StatusQueued,
			CreatedAt:    time.Date(2026, 1, i, 0, 0, 0, 0, time.UTC),
		}
		require.NoError(t, b.CreateRun(ctx, run))
	}

	first, err := b.ClaimRun(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "run-1", first.ID)
	assert.Equal(t, backend.StatusRunning, first.Status)
	assert.Equal(t, "w1", first.ClaimedBy)
	require.NotNil(t, first.ClaimedAt)

	second, err := b.ClaimRun(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "run-2", second.ID)

	none, err := b.ClaimRun(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimRunReclaimsStaleHeartbeat(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", TemplateName: "t", Status: backend.StatusQueued}
	require.NoError(t, b.CreateRun(ctx, run))

	claimed, err := b.ClaimRun(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Fresh heartbeat: not reclaimable.
	none, err := b.ClaimRun(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Zero stale timeout makes the just-written heartbeat stale.
	time.Sleep(1100 * time.Millisecond)
	reclaimed, err := b.ClaimRun(ctx, "w2", 0)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "run-1", reclaimed.ID)
	assert.Equal(t, "w2", reclaimed.ClaimedBy)

	// The original worker has lost the row.
	err = b.Heartbeat(ctx, "run-1", "w1")
	var lost *backend.ClaimLostError
	require.ErrorAs(t, err, &lost)
}

func TestFinishRunReleasesClaim(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateRun(ctx, &backend.Run{ID: "run-1", TemplateName: "t", Status: backend.StatusQueued}))
	claimed, err := b.ClaimRun(ctx, "w1", time.Minute)
	require.NoError(t, err)

	claimed.Status = backend.StatusSucceeded
	claimed.Result = map[string]any{"ok": true}
	require.NoError(t, b.FinishRun(ctx, claimed, "w1"))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSucceeded, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
}

func TestFinishRunFailsForWrongWorker(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateRun(ctx, &backend.Run{ID: "run-1", TemplateName: "t", Status: backend.StatusQueued}))
	claimed, err := b.ClaimRun(ctx, "w1", time.Minute)
	require.NoError(t, err)

	claimed.Status = backend.StatusFailed
	err = b.FinishRun(ctx, claimed, "w2")
	var lost *backend.ClaimLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "w2", lost.WorkerID)
}

func TestListRunsFilterAndTotal(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := backend.StatusQueued
		if i%2 == 0 {
			status = backend.StatusSucceeded
		}
		run := &backend.Run{
			ID:           fmt.Sprintf("run-%d", i),
			TemplateName: "t",
			Status:       status,
			CreatedAt:    time.Date(2026, 1, i+1, 0, 0, 0, 0, time.UTC),
		}
		require.NoError(t, b.CreateRun(ctx, run))
	}

	runs, total, err := b.ListRuns(ctx, backend.RunFilter{Status: backend.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, runs, 3)

	// Newest first, total counts beyond the page.
	page, total, err := b.ListRuns(ctx, backend.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "run-4", page[0].ID)
}

func TestCheckpointRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateRun(ctx, &backend.Run{ID: "run-1", TemplateName: "t", Status: backend.StatusRunning}))

	for step := 0; step < 3; step++ {
		snap := &engine.Snapshot{
			Superstep: step,
			Channels:  map[string]any{"x": float64(step)},
			Done:      []string{"A"},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, b.SaveCheckpoint(ctx, "run-1", snap))
	}

	latest, err := b.LatestCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Superstep)
	assert.Equal(t, float64(2), latest.Channels["x"])

	all, err := b.ListCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, snap := range all {
		assert.Equal(t, i, snap.Superstep)
	}

	none, err := b.LatestCheckpoint(ctx, "run-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTriggerCRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	trigger := &backend.Trigger{
		ID:             "trig-1",
		Name:           "daily-report",
		TemplateName:   "research",
		InputsTemplate: map[string]any{"topic": "news"},
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		IsActive:       true,
		NextRunAt:      &next,
	}
	require.NoError(t, b.CreateTrigger(ctx, trigger))

	got, err := b.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.Equal(t, "daily-report", got.Name)
	assert.Equal(t, "0 9 * * *", got.CronExpression)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	got.IsActive = false
	require.NoError(t, b.UpdateTrigger(ctx, got))
	got, err = b.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	list, err := b.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.DeleteTrigger(ctx, "trig-1"))
	_, err = b.GetTrigger(ctx, "trig-1")
	var nf *backend.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestProcessDueTriggers(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, b.CreateTrigger(ctx, &backend.Trigger{
		ID: "due", Name: "due", TemplateName: "t",
		CronExpression: "* * * * *", Timezone: "UTC",
		IsActive: true, NextRunAt: &past,
	}))
	require.NoError(t, b.CreateTrigger(ctx, &backend.Trigger{
		ID: "later", Name: "later", TemplateName: "t",
		CronExpression: "* * * * *", Timezone: "UTC",
		IsActive: true, NextRunAt: &future,
	}))

	var fired []string
	err := b.ProcessDueTriggers(ctx, now, func(tr *backend.Trigger) backend.TriggerFiring {
		fired = append(fired, tr.ID)
		return backend.TriggerFiring{
			Run: &backend.Run{
				ID:           "run-from-" + tr.ID,
				TemplateName: tr.TemplateName,
				Status:       backend.StatusQueued,
				TriggerID:    tr.ID,
			},
			NextRunAt: now.Add(time.Minute),
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, fired)

	run, err := b.GetRun(ctx, "run-from-due")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusQueued, run.Status)
	assert.Equal(t, "due", run.TriggerID)

	got, err := b.GetTrigger(ctx, "due")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now.Add(30*time.Second)))
	require.NotNil(t, got.LastRunAt)
}

func TestProcessDueTriggersDeactivatesOnError(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, b.CreateTrigger(ctx, &backend.Trigger{
		ID: "bad", Name: "bad", TemplateName: "missing",
		CronExpression: "* * * * *", Timezone: "UTC",
		IsActive: true, NextRunAt: &past,
	}))

	err := b.ProcessDueTriggers(ctx, time.Now().UTC(), func(tr *backend.Trigger) backend.TriggerFiring {
		return backend.TriggerFiring{Err: fmt.Errorf("template missing not found")}
	})
	require.NoError(t, err)

	got, err := b.GetTrigger(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Contains(t, got.LastError, "not found")
}
