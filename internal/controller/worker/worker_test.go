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

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/backend/memory"
	"github.com/wirl-lang/wirld/internal/controller/templates"
	"github.com/wirl-lang/wirld/pkg/functions"
)

const sumSource = `workflow sum {
    inputs {
        int x;
    }
    node Inc {
        call math.inc;
        inputs {
            x = x;
        }
        outputs {
            y;
        }
    }
    outputs {
        y = Inc.y;
    }
}
`

const askSource = `workflow ask {
    inputs {
        string question;
    }
    node Ask {
        call human.ask;
        inputs {
            question = question;
        }
        outputs {
            verdict;
        }
        hitl {
            prompt: "please answer",
        }
    }
    outputs {
        verdict = Ask.verdict;
    }
}
`

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

func testRegistry(t *testing.T, sources map[string]string) *templates.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, src := range sources {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	r, err := templates.New(dir, nil)
	require.NoError(t, err)
	return r
}

func testResolver() functions.Resolver {
	reg := functions.NewRegistry()
	reg.Register("math.inc", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"y": asInt(inputs["x"]) + 1}, nil
	})
	reg.Register("math.boom", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})
	reg.Register("human.ask", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		answer, _ := inputs["answer"].(string)
		return map[string]any{"verdict": answer}, nil
	})
	return reg
}

func newTestPool(t *testing.T, store Store, registry *templates.Registry) *Pool {
	t.Helper()
	return New(store, registry, "test-worker", Config{
		Count:             1,
		Resolver:          testResolver(),
		HeartbeatInterval: time.Nanosecond,
	})
}

func claim(t *testing.T, store Store, workerID string) *backend.Run {
	t.Helper()
	run, err := store.ClaimRun(context.Background(), workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestExecuteQueuedRun(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})
	pool := newTestPool(t, be, registry)
	ctx := context.Background()

	hash, err := registry.LookupHash("sum")
	require.NoError(t, err)
	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "sum", WorkflowHash: hash,
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 3},
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSucceeded, got.Status)
	assert.Equal(t, 4, asInt(got.Result["y"]))
	assert.Empty(t, got.ClaimedBy)

	// Checkpoints were written through the backend.
	snaps, err := be.ListCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}

func TestExecuteSuspendsAndResumes(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"ask.wirl": askSource})
	pool := newTestPool(t, be, registry)
	ctx := context.Background()

	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "ask",
		Status: backend.StatusQueued, Inputs: map[string]any{"question": "proceed?"},
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusNeedsInput, got.Status)
	assert.Equal(t, "Ask", got.SuspendedNode)

	// The operator answers and the run requeues.
	got.Status = backend.StatusQueued
	got.ResumePayload = map[string]any{"answer": "yes"}
	require.NoError(t, be.UpdateRun(ctx, got))

	run = claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err = be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSucceeded, got.Status)
	assert.Equal(t, "yes", got.Result["verdict"])
	assert.Empty(t, got.SuspendedNode)
	assert.Nil(t, got.ResumePayload)
}

func TestExecuteFailsOnNodeError(t *testing.T) {
	src := `workflow broken {
    inputs {
        int x;
    }
    node Boom {
        call math.boom;
        inputs {
            x = x;
        }
        outputs {
            y;
        }
    }
    outputs {
        y = Boom.y;
    }
}
`
	be := memory.New()
	registry := testRegistry(t, map[string]string{"broken.wirl": src})
	pool := newTestPool(t, be, registry)
	ctx := context.Background()

	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "broken",
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 1},
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")
}

func TestExecuteFailsOnMissingTemplate(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})
	pool := newTestPool(t, be, registry)
	ctx := context.Background()

	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "ghost", Status: backend.StatusQueued,
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "not found")
}

func TestExecuteHonorsCancelRequest(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})
	pool := newTestPool(t, be, registry)
	ctx := context.Background()

	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "sum",
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 3},
	}))

	run := claim(t, be, "test-worker-0")

	// Cancel lands after the claim but before execution starts; the
	// engine sees the flag on its first poll.
	stored, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	stored.CancelRequested = true
	require.NoError(t, be.UpdateRun(ctx, stored))

	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCanceled, got.Status)
	assert.False(t, got.CancelRequested)
}

func TestExecuteRequeuesOnShutdown(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})

	// pool context dies while the node runs, as on daemon shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := functions.NewRegistry()
	reg.Register("math.inc", func(_ context.Context, inputs, _ map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"y": asInt(inputs["x"]) + 1}, nil
	})
	pool := New(be, registry, "test-worker", Config{
		Count:             1,
		Resolver:          reg,
		HeartbeatInterval: time.Nanosecond,
	})

	require.NoError(t, be.CreateRun(context.Background(), &backend.Run{
		ID: "run-1", TemplateName: "sum",
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 3},
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	// no user asked for a cancel, so the run goes back to the queue with
	// the claim released and its checkpoints intact
	got, err := be.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusQueued, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Empty(t, got.Error)

	snaps, err := be.ListCheckpoints(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)

	// a later claim finishes the run from where it left off
	run = claim(t, be, "test-worker-0")
	pool.execute(context.Background(), "test-worker-0", run)
	got, err = be.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSucceeded, got.Status)
	assert.Equal(t, 4, asInt(got.Result["y"]))
}

func TestExecuteRefusesBeyondRetryLimit(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})
	pool := New(be, registry, "test-worker", Config{
		Count:             1,
		Resolver:          testResolver(),
		HeartbeatInterval: time.Nanosecond,
		MaxRetries:        2,
	})
	ctx := context.Background()

	hash, err := registry.LookupHash("sum")
	require.NoError(t, err)
	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "sum", WorkflowHash: hash,
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 3},
		RetryCount: 3,
	}))

	run := claim(t, be, "test-worker-0")
	pool.execute(ctx, "test-worker-0", run)

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "retry limit exceeded")
}

func TestPoolStartStop(t *testing.T) {
	be := memory.New()
	registry := testRegistry(t, map[string]string{"sum.wirl": sumSource})
	hash, err := registry.LookupHash("sum")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, &backend.Run{
		ID: "run-1", TemplateName: "sum", WorkflowHash: hash,
		Status: backend.StatusQueued, Inputs: map[string]any{"x": 1},
	}))

	pool := New(be, registry, "pool", Config{
		Count:             2,
		Resolver:          testResolver(),
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Nanosecond,
		ClaimRate:         1000,
	})
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := be.GetRun(ctx, "run-1")
		return err == nil && got.Status == backend.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	pool.Stop()
}
