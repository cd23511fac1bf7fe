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

// Package engine drives a compiled workflow graph to completion with
// Pregel-style supersteps: frontier evaluation, channel reducers,
// checkpointing, guarded cycles, HITL suspension, and cooperative
// cancellation. Execution is single-threaded per run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wirl-lang/wirld/pkg/functions"
	"github.com/wirl-lang/wirld/pkg/wirl"
	"github.com/wirl-lang/wirld/pkg/workflow"
	"github.com/wirl-lang/wirld/pkg/workflow/expression"
)

// Status is the engine-level outcome of a Run or Resume call. Failure is
// reported through the error return, not a status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

// Suspension is the token returned when a HITL node pauses the run.
// Fields carries the node's hitl block for correlation (prompt, channel).
type Suspension struct {
	Node   string         `json:"node"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Outcome is the result of driving the engine until it yields.
type Outcome struct {
	Status    Status
	Result    map[string]any // declared workflow outputs, completed runs only
	Channels  map[string]any
	Suspend   *Suspension
	Superstep int
}

// Config assembles an engine for one run.
type Config struct {
	Graph       *workflow.Graph
	Resolver    functions.Resolver
	Checkpoints CheckpointSaver
	RunID       string
	Logger      *slog.Logger
	// CancelRequested is polled between nodes and before cycle
	// iterations. Nil means the run is never canceled externally.
	CancelRequested func() bool
}

// Engine executes one run of one compiled graph. Not safe for
// concurrent use; the orchestrator creates one engine per claimed run.
type Engine struct {
	graph       *workflow.Graph
	callables   map[string]functions.Callable
	checkpoints CheckpointSaver
	runID       string
	logger      *slog.Logger
	cancel      func() bool
	eval        *expression.Evaluator
	tracer      trace.Tracer
	producer    map[string]string // channel -> producing unit
}

// New resolves every call target in the graph up front and returns a
// ready engine. A missing target surfaces as
// *functions.MissingCallableError before any node runs.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		graph:       cfg.Graph,
		callables:   make(map[string]functions.Callable),
		checkpoints: cfg.Checkpoints,
		runID:       cfg.RunID,
		logger:      cfg.Logger,
		cancel:      cfg.CancelRequested,
		eval:        expression.New(),
		tracer:      otel.Tracer("github.com/wirl-lang/wirld/pkg/engine"),
		producer:    make(map[string]string),
	}
	if e.checkpoints == nil {
		e.checkpoints = DiscardCheckpoints{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	resolve := func(n *workflow.Node) error {
		if _, ok := e.callables[n.Call]; ok {
			return nil
		}
		fn, err := cfg.Resolver.Resolve(n.Call)
		if err != nil {
			return err
		}
		e.callables[n.Call] = fn
		return nil
	}
	for _, u := range e.graph.Units {
		for _, ch := range u.OutputChannels() {
			e.producer[ch] = u.Name()
		}
		if u.Node != nil {
			if err := resolve(u.Node); err != nil {
				return nil, err
			}
			continue
		}
		for _, n := range u.Cycle.Nodes {
			if err := resolve(n); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

type runState struct {
	channels      map[string]any
	done          map[string]bool
	superstep     int
	cycleIters    map[string]int
	writes        []Write
	resumeNode    string
	resumePayload map[string]any
}

// Run starts a fresh run from the given workflow inputs. Only declared
// input names are loaded into the channel map.
func (e *Engine) Run(ctx context.Context, inputs map[string]any) (*Outcome, error) {
	st := &runState{
		channels:   make(map[string]any),
		done:       make(map[string]bool),
		cycleIters: make(map[string]int),
	}
	for _, in := range e.graph.Inputs {
		if v, ok := inputs[in.Name]; ok {
			st.channels[in.Name] = v
		}
	}

	// superstep 0 records the initial state
	if err := e.save(ctx, st, "", ""); err != nil {
		return nil, err
	}
	return e.loop(ctx, st)
}

// Resume re-enters a run from its latest checkpoint. payload is the HITL
// continue body, merged into the suspended node's inputs; it is ignored
// when the checkpoint is not suspended (retry of a failed run).
func (e *Engine) Resume(ctx context.Context, snap *Snapshot, payload map[string]any) (*Outcome, error) {
	snap = snap.Clone()
	st := &runState{
		channels:   snap.Channels,
		done:       make(map[string]bool, len(snap.Done)),
		superstep:  snap.Superstep + 1,
		cycleIters: snap.CycleIters,
	}
	if st.cycleIters == nil {
		st.cycleIters = make(map[string]int)
	}
	for _, name := range snap.Done {
		st.done[name] = true
	}
	if snap.Suspended != "" {
		st.resumeNode = snap.Suspended
		st.resumePayload = payload
	}
	return e.loop(ctx, st)
}

func (e *Engine) loop(ctx context.Context, st *runState) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", e.runID),
			attribute.String("workflow.name", e.graph.Name),
		))
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return nil, e.interrupted(ctx, st, err)
		}
		if e.cancelRequested() {
			return e.yieldCanceled(ctx, st)
		}

		frontier := e.frontier(st)
		if len(frontier) == 0 {
			return e.complete(st)
		}

		for _, u := range e.graph.Units {
			if !frontier[u.Name()] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, e.interrupted(ctx, st, err)
			}
			if e.cancelRequested() {
				return e.yieldCanceled(ctx, st)
			}

			if u.Node != nil && u.Node.HITL != nil && st.resumeNode != u.Node.Name {
				// the guard decides before the run pauses: a false when
				// skips the node like any other
				pass, err := e.whenPasses(st, u.Node, st.channels)
				if err != nil {
					if saveErr := e.save(ctx, st, "", err.Error()); saveErr != nil {
						e.logger.Error("failed to checkpoint run error",
							"run_id", e.runID, "error", saveErr)
					}
					return nil, err
				}
				if pass {
					// checkpoint first so continue re-enters here
					if err := e.save(ctx, st, u.Node.Name, ""); err != nil {
						return nil, err
					}
					e.logger.Info("run suspended for input",
						"run_id", e.runID, "node", u.Node.Name, "superstep", st.superstep)
					return &Outcome{
						Status:    StatusSuspended,
						Channels:  st.channels,
						Suspend:   &Suspension{Node: u.Node.Name, Fields: u.Node.HITL},
						Superstep: st.superstep,
					}, nil
				}
				st.done[u.Name()] = true
				continue
			}

			var err error
			if u.Node != nil {
				var extra map[string]any
				if st.resumeNode == u.Node.Name {
					extra = st.resumePayload
					st.resumeNode = ""
					st.resumePayload = nil
				}
				err = e.execNode(ctx, st, u.Node, st.channels, nil, extra)
			} else {
				err = e.runCycle(ctx, st, u.Cycle)
			}
			if err != nil {
				if errors.Is(err, ErrCancelRequested) {
					return e.yieldCanceled(ctx, st)
				}
				if ctx.Err() != nil {
					return nil, e.interrupted(ctx, st, err)
				}
				if saveErr := e.save(ctx, st, "", err.Error()); saveErr != nil {
					e.logger.Error("failed to checkpoint run error",
						"run_id", e.runID, "error", saveErr)
				}
				return nil, err
			}
			st.done[u.Name()] = true
		}

		if err := e.save(ctx, st, "", ""); err != nil {
			return nil, err
		}
	}
}

// frontier returns the units whose dependencies are all satisfied: every
// dep channel is a workflow input or comes from a completed unit.
func (e *Engine) frontier(st *runState) map[string]bool {
	ready := make(map[string]bool)
	for _, u := range e.graph.Units {
		if st.done[u.Name()] {
			continue
		}
		ok := true
		for _, dep := range u.Deps() {
			p, produced := e.producer[dep]
			if produced && !st.done[p] {
				ok = false
				break
			}
		}
		if ok {
			ready[u.Name()] = true
		}
	}
	return ready
}

// execNode runs one node against the given channel namespace. reducers
// maps channels to cross-iteration reducers (nil outside cycles). extra
// is the HITL resume payload, merged over the resolved inputs.
func (e *Engine) execNode(ctx context.Context, st *runState, n *workflow.Node, channels map[string]any, reducers map[string]wirl.Reducer, extra map[string]any) error {
	pass, err := e.whenPasses(st, n, channels)
	if err != nil {
		return err
	}
	if !pass {
		return nil
	}

	inputs := make(map[string]any, len(n.Inputs)+len(extra))
	for _, b := range n.Inputs {
		inputs[b.Name] = resolveSource(b.Source, channels)
	}
	for k, v := range extra {
		inputs[k] = v
	}

	config := make(map[string]any, len(n.Const)+1)
	for k, v := range n.Const {
		config[k] = v
	}
	config["configurable"] = map[string]any{"thread_id": e.runID}

	ctx, span := e.tracer.Start(ctx, "engine.node",
		trace.WithAttributes(
			attribute.String("node.name", n.Name),
			attribute.String("node.call", n.Call),
		))
	started := time.Now()
	out, err := e.callables[n.Call](ctx, inputs, config)
	span.End()
	if err != nil {
		e.logger.Warn("node call failed",
			"run_id", e.runID, "node", n.Name, "call", n.Call, "error", err)
		return &NodeError{Node: n.Name, Kind: NodeErrCall, Err: err}
	}
	e.logger.Debug("node executed",
		"run_id", e.runID, "node", n.Name, "call", n.Call, "duration", time.Since(started))

	declared := make(map[string]bool, len(n.Outputs))
	for _, name := range n.Outputs {
		declared[name] = true
	}
	for key := range out {
		if !declared[key] {
			return &NodeError{Node: n.Name, Kind: NodeErrOutput,
				Err: fmt.Errorf("returned undeclared output %q", key)}
		}
	}

	// writes follow declaration order for determinism
	for _, name := range n.Outputs {
		value, ok := out[name]
		if !ok {
			continue
		}
		ch := n.OutputChannel(name)
		red := wirl.ReducerReplace
		if reducers != nil {
			if r, ok := reducers[ch]; ok {
				red = r
			}
		}
		combined, err := workflow.ApplyReducer(red, ch, channels[ch], value)
		if err != nil {
			return &NodeError{Node: n.Name, Kind: NodeErrReducer, Err: err}
		}
		channels[ch] = combined
		st.writes = append(st.writes, Write{Kind: WriteState, Node: n.Name, Channel: ch, Value: combined})
	}
	return nil
}

// runCycle drives a cycle super-node: iterate the internal graph to
// quiescence, evaluate the guard, repeat until it falsifies or the
// iteration cap is reached, then publish declared outputs.
func (e *Engine) runCycle(ctx context.Context, st *runState, cy *workflow.Cycle) error {
	local := make(map[string]any)
	for _, b := range cy.Inputs {
		local[cy.InputChannel(b.Name)] = resolveSource(b.Source, st.channels)
	}

	iters := 0
	for {
		if err := ctx.Err(); err != nil {
			st.cycleIters[cy.Name] = iters
			return err
		}
		if e.cancelRequested() {
			st.cycleIters[cy.Name] = iters
			return ErrCancelRequested
		}
		iters++

		// channel writes inside the cycle stay in the local namespace;
		// only published outputs reach the outer channel map. The write
		// log itself surfaces, tagged with the iteration, so traces show
		// the per-node steps of every pass.
		inner := &runState{channels: local, cycleIters: st.cycleIters}
		var nodeErr error
		for _, n := range cy.Nodes {
			if nodeErr = e.execNode(ctx, inner, n, local, cy.Reducers, nil); nodeErr != nil {
				break
			}
		}
		for _, w := range inner.writes {
			w.Iteration = iters
			st.writes = append(st.writes, w)
		}
		if nodeErr != nil {
			st.cycleIters[cy.Name] = iters
			return nodeErr
		}

		keepGoing, err := e.eval.EvalBool(cy.Guard, local)
		if err != nil {
			st.cycleIters[cy.Name] = iters
			return &NodeError{Node: cy.Name, Kind: NodeErrExpression, Err: err}
		}
		e.logger.Debug("cycle iteration complete",
			"run_id", e.runID, "cycle", cy.Name, "iteration", iters, "guard", keepGoing)
		if !keepGoing || iters >= cy.MaxIterations {
			break
		}
	}

	st.cycleIters[cy.Name] = iters
	st.writes = append(st.writes, Write{
		Kind: WriteSystem, Node: cy.Name,
		Channel: cy.Name + ".iterations", Value: iters,
	})
	for _, b := range cy.Outputs {
		ch := cy.OutputChannel(b.Name)
		st.channels[ch] = resolveSource(b.Source, local)
		st.writes = append(st.writes, Write{Kind: WriteState, Node: cy.Name, Channel: ch, Value: st.channels[ch]})
	}
	return nil
}

func (e *Engine) complete(st *runState) (*Outcome, error) {
	result := make(map[string]any, len(e.graph.Outputs))
	for _, out := range e.graph.Outputs {
		result[out.Name] = resolveSource(out.Source, st.channels)
	}
	e.logger.Info("run completed", "run_id", e.runID, "supersteps", st.superstep)
	return &Outcome{
		Status:    StatusCompleted,
		Result:    result,
		Channels:  st.channels,
		Superstep: st.superstep,
	}, nil
}

func (e *Engine) yieldCanceled(ctx context.Context, st *runState) (*Outcome, error) {
	if err := e.save(ctx, st, "", ""); err != nil {
		e.logger.Error("failed to checkpoint canceled run", "run_id", e.runID, "error", err)
	}
	e.logger.Info("run canceled", "run_id", e.runID, "superstep", st.superstep)
	return &Outcome{Status: StatusCanceled, Channels: st.channels, Superstep: st.superstep}, nil
}

func (e *Engine) cancelRequested() bool {
	return e.cancel != nil && e.cancel()
}

// interrupted handles the surrounding context dying mid-run, which is
// worker shutdown rather than a user cancel. Progress is checkpointed on
// a detached context so the write outlives the shutdown signal; the run
// stays resumable and the cause propagates to the caller.
func (e *Engine) interrupted(ctx context.Context, st *runState, cause error) error {
	if err := e.save(context.WithoutCancel(ctx), st, "", ""); err != nil {
		e.logger.Error("failed to checkpoint interrupted run", "run_id", e.runID, "error", err)
	}
	e.logger.Info("run interrupted", "run_id", e.runID, "superstep", st.superstep)
	return cause
}

// whenPasses evaluates a node's when guard. A false guard records a
// branch write; the caller skips the node with its outputs unwritten.
func (e *Engine) whenPasses(st *runState, n *workflow.Node, channels map[string]any) (bool, error) {
	if n.When == "" {
		return true, nil
	}
	pass, err := e.eval.EvalBool(n.When, channels)
	if err != nil {
		return false, &NodeError{Node: n.Name, Kind: NodeErrExpression, Err: err}
	}
	if !pass {
		st.writes = append(st.writes, Write{Kind: WriteBranch, Node: n.Name, Channel: n.Name, Value: false})
		e.logger.Debug("node skipped by when guard", "run_id", e.runID, "node", n.Name)
	}
	return pass, nil
}

// save persists the current state as the next checkpoint and advances
// the superstep counter. The superstep's write log is flushed.
func (e *Engine) save(ctx context.Context, st *runState, suspended, errMsg string) error {
	done := make([]string, 0, len(st.done))
	for _, u := range e.graph.Units {
		if st.done[u.Name()] {
			done = append(done, u.Name())
		}
	}
	snap := &Snapshot{
		Superstep:  st.superstep,
		Channels:   st.channels,
		Done:       done,
		CycleIters: st.cycleIters,
		Writes:     st.writes,
		Suspended:  suspended,
		Error:      errMsg,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, e.runID, snap.Clone()); err != nil {
		return fmt.Errorf("save checkpoint %d for run %s: %w", st.superstep, e.runID, err)
	}
	st.superstep++
	st.writes = nil
	return nil
}

func resolveSource(src workflow.Source, channels map[string]any) any {
	if src.Kind == workflow.SourceLiteral {
		return src.Literal
	}
	return channels[src.Channel]
}
