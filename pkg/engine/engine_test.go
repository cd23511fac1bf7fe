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

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-lang/wirld/pkg/functions"
	"github.com/wirl-lang/wirld/pkg/workflow"
)

type memSaver struct {
	snaps []*Snapshot
}

func (m *memSaver) SaveCheckpoint(_ context.Context, _ string, snap *Snapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memSaver) latest() *Snapshot {
	if len(m.snaps) == 0 {
		return nil
	}
	return m.snaps[len(m.snaps)-1]
}

func compile(t *testing.T, src string) *workflow.Graph {
	t.Helper()
	g, err := workflow.CompileSource([]byte(src))
	require.NoError(t, err)
	return g
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	panic(fmt.Sprintf("not a number: %T", v))
}

const linearSource = `workflow Sum {
    inputs { int x; }
    outputs { int y = B.out; }
    node A {
        call add_one;
        inputs { int v = x; }
        outputs { int out; }
    }
    node B {
        call double;
        inputs { int v = A.out; }
        outputs { int out; }
    }
}`

func linearRegistry() *functions.Registry {
	r := functions.NewRegistry()
	r.Register("add_one", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"out": asInt(in["v"]) + 1}, nil
	})
	r.Register("double", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"out": asInt(in["v"]) * 2}, nil
	})
	return r
}

func TestLinearSum(t *testing.T) {
	saver := &memSaver{}
	e, err := New(Config{
		Graph:       compile(t, linearSource),
		Resolver:    linearRegistry(),
		Checkpoints: saver,
		RunID:       "run-1",
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), map[string]any{"x": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int64(8), out.Result["y"])

	// initial state plus one checkpoint per superstep
	require.GreaterOrEqual(t, len(saver.snaps), 3)
	assert.Equal(t, 0, saver.snaps[0].Superstep)
	assert.Empty(t, saver.snaps[0].Done)
}

func TestConfigCarriesConstAndThreadID(t *testing.T) {
	src := `workflow W {
        inputs { int x; }
        outputs { y = A.out; }
        node A {
            call f;
            const { limit: 3, }
            inputs { v = x; }
            outputs { out; }
        }
    }`
	r := functions.NewRegistry()
	var gotConfig map[string]any
	r.Register("f", func(_ context.Context, in, cfg map[string]any) (map[string]any, error) {
		gotConfig = cfg
		return map[string]any{"out": in["v"]}, nil
	})
	e, err := New(Config{Graph: compile(t, src), Resolver: r, RunID: "run-cfg"})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), map[string]any{"x": int64(1)})
	require.NoError(t, err)

	assert.Equal(t, int64(3), gotConfig["limit"])
	sub, ok := gotConfig["configurable"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-cfg", sub["thread_id"])
}

func TestBranchSkipped(t *testing.T) {
	src := `workflow Branch {
        inputs { int x; }
        outputs { y = B.out; }
        node A {
            call probe;
            inputs { v = x; }
            outputs { out; bool flag; }
        }
        node B {
            call double;
            when A.flag;
            inputs { int v = A.out; }
            outputs { int out; }
        }
    }`
	r := functions.NewRegistry()
	r.Register("probe", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["v"], "flag": false}, nil
	})
	r.Register("double", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"out": asInt(in["v"]) * 2}, nil
	})

	saver := &memSaver{}
	e, err := New(Config{Graph: compile(t, src), Resolver: r, Checkpoints: saver, RunID: "run-2"})
	require.NoError(t, err)
	out, err := e.Run(context.Background(), map[string]any{"x": int64(1)})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Nil(t, out.Result["y"])

	var branch *Write
	for _, s := range saver.snaps {
		for i := range s.Writes {
			if s.Writes[i].Kind == WriteBranch {
				branch = &s.Writes[i]
			}
		}
	}
	require.NotNil(t, branch)
	assert.Equal(t, "B", branch.Node)
}

const cycleSource = `workflow Collect {
    inputs { int x; }
    outputs { list items = C.items; }
    cycle C {
        inputs { int seed = x; }
        nodes {
            node Pick {
                call pick;
                inputs { seed = C.seed; }
                outputs { value; bool done; }
            }
            node Accumulate {
                call collect;
                inputs { v = Pick.value; }
                outputs { list items; }
            }
        }
        guard !Pick.done;
        max_iterations 10;
        outputs { list items = Accumulate.items (append); }
    }
}`

func cycleRegistry(stopAfter int) (*functions.Registry, *int) {
	calls := 0
	r := functions.NewRegistry()
	r.Register("pick", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"value": int64(calls), "done": calls >= stopAfter}, nil
	})
	r.Register("collect", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"items": []any{in["v"]}}, nil
	})
	return r, &calls
}

func TestCycleWithAppend(t *testing.T) {
	r, _ := cycleRegistry(3)
	e, err := New(Config{Graph: compile(t, cycleSource), Resolver: r, RunID: "run-3"})
	require.NoError(t, err)
	out, err := e.Run(context.Background(), map[string]any{"x": int64(0)})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out.Result["items"])
}

func TestCycleMaxIterationsIsHardBound(t *testing.T) {
	// guard never falsifies; the cap must stop the loop
	r, calls := cycleRegistry(1000)
	e, err := New(Config{Graph: compile(t, cycleSource), Resolver: r, RunID: "run-4"})
	require.NoError(t, err)
	out, err := e.Run(context.Background(), map[string]any{"x": int64(0)})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 10, *calls)
	assert.Len(t, out.Result["items"], 10)
}

const hitlSource = `workflow Approve {
    inputs { string topic; }
    outputs { verdict = Act.result; }
    node Ask {
        call ask;
        inputs { topic = topic; }
        outputs { answer_out; }
        hitl { prompt: "Approve?", }
    }
    node Act {
        call act;
        inputs { v = Ask.answer_out; }
        outputs { result; }
    }
}`

func hitlRegistry() *functions.Registry {
	r := functions.NewRegistry()
	r.Register("ask", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"answer_out": in["answer"]}, nil
	})
	r.Register("act", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"result": in["v"]}, nil
	})
	return r
}

func TestHITLRoundTrip(t *testing.T) {
	saver := &memSaver{}
	e, err := New(Config{Graph: compile(t, hitlSource), Resolver: hitlRegistry(), Checkpoints: saver, RunID: "run-5"})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), map[string]any{"topic": "launch"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)
	require.NotNil(t, out.Suspend)
	assert.Equal(t, "Ask", out.Suspend.Node)
	assert.Equal(t, "Approve?", out.Suspend.Fields["prompt"])

	snap := saver.latest()
	require.NotNil(t, snap)
	assert.Equal(t, "Ask", snap.Suspended)

	out, err = e.Resume(context.Background(), snap, map[string]any{"answer": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "ok", out.Result["verdict"])
}

const gatedHITLSource = `workflow Gate {
    inputs { int x; }
    outputs { verdict = Ask.answer_out; }
    node Check {
        call check;
        inputs { v = x; }
        outputs { bool flag; }
    }
    node Ask {
        call ask;
        when Check.flag;
        inputs { topic = x; }
        outputs { answer_out; }
        hitl { prompt: "Approve?", }
    }
}`

func gatedHITLRegistry(flag bool, asked *bool) *functions.Registry {
	r := functions.NewRegistry()
	r.Register("check", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return map[string]any{"flag": flag}, nil
	})
	r.Register("ask", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		*asked = true
		return map[string]any{"answer_out": in["answer"]}, nil
	})
	return r
}

func TestHITLSkippedByFalseWhenGuard(t *testing.T) {
	asked := false
	saver := &memSaver{}
	e, err := New(Config{
		Graph:       compile(t, gatedHITLSource),
		Resolver:    gatedHITLRegistry(false, &asked),
		Checkpoints: saver,
		RunID:       "run-gate",
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), map[string]any{"x": int64(1)})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.False(t, asked)
	assert.Nil(t, out.Result["verdict"])

	var branch *Write
	for _, s := range saver.snaps {
		for i := range s.Writes {
			if s.Writes[i].Kind == WriteBranch && s.Writes[i].Node == "Ask" {
				branch = &s.Writes[i]
			}
		}
	}
	require.NotNil(t, branch)
}

func TestHITLSuspendsWhenGuardPasses(t *testing.T) {
	asked := false
	saver := &memSaver{}
	e, err := New(Config{
		Graph:       compile(t, gatedHITLSource),
		Resolver:    gatedHITLRegistry(true, &asked),
		Checkpoints: saver,
		RunID:       "run-gate-2",
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), map[string]any{"x": int64(1)})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, "Ask", out.Suspend.Node)

	out, err = e.Resume(context.Background(), saver.latest(), map[string]any{"answer": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.True(t, asked)
	assert.Equal(t, "ok", out.Result["verdict"])
}

func TestContextCancelInterruptsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := linearRegistry()
	r.Register("add_one", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		cancel() // shutdown lands while the node runs
		return map[string]any{"out": asInt(in["v"]) + 1}, nil
	})
	saver := &memSaver{}
	e, err := New(Config{Graph: compile(t, linearSource), Resolver: r, Checkpoints: saver, RunID: "run-int"})
	require.NoError(t, err)

	out, err := e.Run(ctx, map[string]any{"x": int64(3)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)

	// progress through A was checkpointed despite the dead context
	snap := saver.latest()
	require.NotNil(t, snap)
	assert.Equal(t, int64(4), snap.Channels["A.out"])

	// a fresh claim resumes to the same result an uninterrupted run gives
	e2, err := New(Config{Graph: compile(t, linearSource), Resolver: linearRegistry(), RunID: "run-int-2"})
	require.NoError(t, err)
	resumed, err := e2.Resume(context.Background(), snap, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, int64(8), resumed.Result["y"])
}

func TestCycleTraceRecordsInnerWrites(t *testing.T) {
	r, _ := cycleRegistry(3)
	saver := &memSaver{}
	e, err := New(Config{Graph: compile(t, cycleSource), Resolver: r, Checkpoints: saver, RunID: "run-trace"})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), map[string]any{"x": int64(0)})
	require.NoError(t, err)

	iterations := make(map[int]bool)
	for _, s := range saver.snaps {
		for _, w := range s.Writes {
			if w.Kind == WriteState && w.Node == "Pick" && w.Channel == "Pick.value" {
				iterations[w.Iteration] = true
			}
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, iterations)
}

func TestCancelBetweenCycleIterations(t *testing.T) {
	canceled := false
	r, calls := cycleRegistry(1000)
	saver := &memSaver{}

	// flip the flag from inside the cycle: after the second pick call
	// the next iteration check observes it
	r.Register("pick", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		*calls++
		if *calls == 2 {
			canceled = true
		}
		return map[string]any{"value": int64(*calls), "done": false}, nil
	})

	e, err := New(Config{
		Graph:       compile(t, cycleSource),
		Resolver:    r,
		Checkpoints: saver,
		RunID:       "run-6",
		CancelRequested: func() bool {
			return canceled
		},
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), map[string]any{"x": int64(0)})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, out.Status)
	assert.Equal(t, 2, *calls)
	assert.NotEmpty(t, saver.snaps) // checkpoints retained
}

func TestNodeErrorCheckpointed(t *testing.T) {
	r := linearRegistry()
	r.Register("double", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	saver := &memSaver{}
	e, err := New(Config{Graph: compile(t, linearSource), Resolver: r, Checkpoints: saver, RunID: "run-7"})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), map[string]any{"x": int64(3)})
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "B", nerr.Node)
	assert.Equal(t, NodeErrCall, nerr.Kind)

	snap := saver.latest()
	require.NotNil(t, snap)
	assert.Contains(t, snap.Error, "boom")
}

func TestUndeclaredOutputRejected(t *testing.T) {
	r := linearRegistry()
	r.Register("add_one", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return map[string]any{"surprise": 1}, nil
	})
	e, err := New(Config{Graph: compile(t, linearSource), Resolver: r, RunID: "run-8"})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), map[string]any{"x": int64(3)})
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, NodeErrOutput, nerr.Kind)
}

func TestMissingCallable(t *testing.T) {
	r := functions.NewRegistry()
	r.Register("add_one", func(_ context.Context, in, _ map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["v"]}, nil
	})
	_, err := New(Config{Graph: compile(t, linearSource), Resolver: r, RunID: "run-9"})
	var missing *functions.MissingCallableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "double", missing.Target)
}

func TestResumeEquivalence(t *testing.T) {
	// uninterrupted baseline
	e, err := New(Config{Graph: compile(t, linearSource), Resolver: linearRegistry(), RunID: "base"})
	require.NoError(t, err)
	baseline, err := e.Run(context.Background(), map[string]any{"x": int64(3)})
	require.NoError(t, err)

	// crash after each checkpoint and resume from it
	saver := &memSaver{}
	e, err = New(Config{Graph: compile(t, linearSource), Resolver: linearRegistry(), Checkpoints: saver, RunID: "crashy"})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), map[string]any{"x": int64(3)})
	require.NoError(t, err)

	for _, snap := range saver.snaps {
		e2, err := New(Config{Graph: compile(t, linearSource), Resolver: linearRegistry(), RunID: "resumed"})
		require.NoError(t, err)
		out, err := e2.Resume(context.Background(), snap, nil)
		require.NoError(t, err)
		assert.Equal(t, baseline.Result, out.Result, "resume from superstep %d", snap.Superstep)
	}
}

func TestCheckpointSequenceDeterminism(t *testing.T) {
	run := func(id string) []*Snapshot {
		saver := &memSaver{}
		e, err := New(Config{Graph: compile(t, linearSource), Resolver: linearRegistry(), Checkpoints: saver, RunID: id})
		require.NoError(t, err)
		_, err = e.Run(context.Background(), map[string]any{"x": int64(3)})
		require.NoError(t, err)
		return saver.snaps
	}

	a, b := run("d1"), run("d2")
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Superstep, b[i].Superstep)
		assert.Equal(t, a[i].Channels, b[i].Channels)
		assert.Equal(t, a[i].Done, b[i].Done)
		assert.Equal(t, a[i].Writes, b[i].Writes)
	}
}
