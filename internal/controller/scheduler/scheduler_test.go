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

package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/backend/memory"
)

func TestTickFiresDueTrigger(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	past := time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC)
	require.NoError(t, be.CreateTrigger(ctx, &backend.Trigger{
		ID:             "trig-1",
		Name:           "hourly",
		TemplateName:   "research",
		InputsTemplate: map[string]any{"topic": "go"},
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		IsActive:       true,
		NextRunAt:      &past,
	}))

	s := New(be, Config{
		Lookup: func(name string) (string, error) { return "hash-" + name, nil },
	})

	now := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	require.NoError(t, s.Tick(ctx, now))

	runs, total, err := be.ListRuns(ctx, backend.RunFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	run := runs[0]
	assert.Equal(t, "research", run.TemplateName)
	assert.Equal(t, "hash-research", run.WorkflowHash)
	assert.Equal(t, backend.StatusQueued, run.Status)
	assert.Equal(t, "trig-1", run.TriggerID)
	assert.Equal(t, "go", run.Inputs["topic"])

	trigger, err := be.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	require.NotNil(t, trigger.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), trigger.NextRunAt.UTC())
	require.NotNil(t, trigger.LastRunAt)
}

func TestTickCollapsesMissedFires(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	// next_run_at is three hours behind: a single tick fires once and
	// advances past now.
	stale := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	require.NoError(t, be.CreateTrigger(ctx, &backend.Trigger{
		ID: "trig-1", Name: "hourly", TemplateName: "t",
		CronExpression: "0 * * * *", Timezone: "UTC",
		IsActive: true, NextRunAt: &stale,
	}))

	s := New(be, Config{})
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.Tick(ctx, now))

	_, total, err := be.ListRuns(ctx, backend.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	trigger, err := be.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), trigger.NextRunAt.UTC())

	// A second tick at the same instant fires nothing.
	require.NoError(t, s.Tick(ctx, now))
	_, total, err = be.ListRuns(ctx, backend.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestTickDeactivatesOnMissingTemplate(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	past := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, be.CreateTrigger(ctx, &backend.Trigger{
		ID: "trig-1", Name: "orphan", TemplateName: "gone",
		CronExpression: "0 * * * *", Timezone: "UTC",
		IsActive: true, NextRunAt: &past,
	}))

	s := New(be, Config{
		Lookup: func(name string) (string, error) { return "", fmt.Errorf("not found") },
	})
	require.NoError(t, s.Tick(ctx, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	trigger, err := be.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.False(t, trigger.IsActive)
	assert.Contains(t, trigger.LastError, "not found")

	_, total, err := be.ListRuns(ctx, backend.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestValidateTrigger(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	trigger := &backend.Trigger{CronExpression: "0 * * * *", Timezone: "UTC"}
	require.NoError(t, ValidateTrigger(trigger, now))
	require.NotNil(t, trigger.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), trigger.NextRunAt.UTC())

	assert.Error(t, ValidateTrigger(&backend.Trigger{CronExpression: "bogus"}, now))
	assert.Error(t, ValidateTrigger(&backend.Trigger{
		CronExpression: "0 * * * *", Timezone: "Mars/Olympus",
	}, now))
}
