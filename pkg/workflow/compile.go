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

package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/wirl-lang/wirld/pkg/wirl"
	"github.com/wirl-lang/wirld/pkg/workflow/expression"
)

// SourceHash returns the hex sha256 of WIRL source bytes, the identity
// under which compiled graphs are cached and runs are pinned.
func SourceHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// CompileSource parses and compiles WIRL source, stamping the graph with
// SourceHash of the source bytes. Returns *wirl.ParseError or
// CompileErrors.
func CompileSource(src []byte) (*Graph, error) {
	wf, err := wirl.Parse(src)
	if err != nil {
		return nil, err
	}
	g, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	g.Hash = SourceHash(src)
	return g, nil
}

// Compile lowers an AST into an executable graph, enforcing every
// structural invariant. All violations found in one pass are batched
// into the returned CompileErrors.
func Compile(wf *wirl.Workflow) (*Graph, error) {
	c := &compiler{eval: expression.New()}
	g := c.compile(wf)
	if len(c.errs) > 0 {
		return nil, c.errs
	}
	return g, nil
}

type compiler struct {
	errs CompileErrors
	eval *expression.Evaluator
}

func (c *compiler) errf(kind ErrorKind, scope string, pos wirl.Pos, format string, args ...any) {
	c.errs = append(c.errs, &CompileError{
		Kind:    kind,
		Scope:   scope,
		Pos:     pos,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *compiler) compile(wf *wirl.Workflow) *Graph {
	g := &Graph{Name: wf.Name, Metadata: constMap(wf.Metadata)}

	if len(wf.Inputs) == 0 {
		c.errf(ErrNoInputs, "workflow", wf.Pos, "workflow %s declares no inputs", wf.Name)
	}
	if len(wf.Outputs) == 0 {
		c.errf(ErrNoOutputs, "workflow", wf.Pos, "workflow %s declares no outputs", wf.Name)
	}

	// Workflow inputs. Plain names are channel keys, so they share a
	// namespace with node and cycle names.
	inputs := make(map[string]bool)
	for _, in := range wf.Inputs {
		if inputs[in.Name] {
			c.errf(ErrDuplicateName, "workflow", in.Pos, "duplicate input %s", in.Name)
			continue
		}
		inputs[in.Name] = true
		g.Inputs = append(g.Inputs, Input{Name: in.Name, Type: in.Type})
	}

	// Unit names and the outer channel set.
	unitNames := make(map[string]bool)
	channels := make(map[string]bool)
	for name := range inputs {
		channels[name] = true
	}
	declareUnit := func(name string, pos wirl.Pos) bool {
		if unitNames[name] || inputs[name] {
			c.errf(ErrDuplicateName, "workflow", pos, "name %s already declared in workflow scope", name)
			return false
		}
		unitNames[name] = true
		return true
	}
	for _, n := range wf.Nodes {
		if !declareUnit(n.Name, n.Pos) {
			continue
		}
		seen := make(map[string]bool)
		for _, out := range n.Outputs {
			if seen[out.Name] {
				c.errf(ErrDuplicateName, "node "+n.Name, out.Pos, "duplicate output %s", out.Name)
				continue
			}
			seen[out.Name] = true
			channels[n.Name+"."+out.Name] = true
		}
	}
	for _, cy := range wf.Cycles {
		if !declareUnit(cy.Name, cy.Pos) {
			continue
		}
		seen := make(map[string]bool)
		for _, out := range cy.Outputs {
			if seen[out.Name] {
				c.errf(ErrDuplicateName, "cycle "+cy.Name, out.Pos, "duplicate output %s", out.Name)
				continue
			}
			seen[out.Name] = true
			channels[cy.Name+"."+out.Name] = true
		}
	}

	// Lower units.
	var units []Unit
	for _, n := range wf.Nodes {
		units = append(units, Unit{Node: c.compileNode(n, inputs, channels)})
	}
	for _, cy := range wf.Cycles {
		units = append(units, Unit{Cycle: c.compileCycle(cy, inputs, channels)})
	}

	// Workflow outputs must resolve to a declared channel.
	for _, out := range wf.Outputs {
		scope := "workflow"
		src, ok := c.resolveOuter(out.Source, scope, inputs, channels)
		if !ok {
			continue
		}
		if src.Kind == SourceLiteral {
			c.errf(ErrUnresolvedRef, scope, out.Pos, "output %s must reference a declared channel", out.Name)
			continue
		}
		if out.Source.Kind == wirl.ValueRef && out.Source.Reducer != wirl.ReducerReplace {
			c.errf(ErrIllegalReducer, scope, out.Pos, "reducer tags are not allowed on workflow outputs")
			continue
		}
		g.Outputs = append(g.Outputs, Binding{Name: out.Name, Source: src})
	}

	// Dead-start: some unit must read a workflow input.
	if len(units) > 0 {
		started := false
		for _, u := range units {
			for _, dep := range u.Deps() {
				if inputs[dep] {
					started = true
				}
			}
		}
		if !started {
			c.errf(ErrDeadStart, "workflow", wf.Pos, "no node depends on a workflow input")
		}
	}

	g.Units = c.order(units, inputs, "workflow")
	return g
}

// compileNode lowers a top-level node. Reducer tags are illegal here;
// they only have meaning across cycle iterations.
func (c *compiler) compileNode(n *wirl.Node, inputs map[string]bool, channels map[string]bool) *Node {
	scope := "node " + n.Name
	node := &Node{
		Name:  n.Name,
		Call:  n.Call,
		Const: constMap(n.Const),
		When:  n.When,
	}
	if n.HITL != nil {
		node.HITL = constMap(n.HITL.Fields)
	}

	deps := make(map[string]bool)
	seen := make(map[string]bool)
	for _, in := range n.Inputs {
		if seen[in.Name] {
			c.errf(ErrDuplicateName, scope, in.Pos, "duplicate input %s", in.Name)
			continue
		}
		seen[in.Name] = true
		src, ok := c.resolveOuter(in.Value, scope, inputs, channels)
		if !ok {
			continue
		}
		if in.Value.Kind == wirl.ValueRef && in.Value.Reducer != wirl.ReducerReplace {
			c.errf(ErrIllegalReducer, scope, in.Pos, "reducer tags are only allowed inside cycles")
			continue
		}
		if src.Kind == SourceChannel {
			deps[src.Channel] = true
		}
		node.Inputs = append(node.Inputs, Binding{Name: in.Name, Source: src})
	}
	for _, out := range n.Outputs {
		node.Outputs = append(node.Outputs, out.Name)
	}

	c.checkExpression(n.When, scope, n.WhenPos, channels, deps)
	node.Deps = sortedKeys(deps)
	return node
}

// compileCycle lowers a cycle. Its input bindings resolve in the outer
// scope; everything else resolves against the cycle-internal namespace,
// where dotted references are mandatory.
func (c *compiler) compileCycle(cy *wirl.Cycle, inputs map[string]bool, outerChannels map[string]bool) *Cycle {
	scope := "cycle " + cy.Name
	cycle := &Cycle{
		Name:          cy.Name,
		Guard:         cy.Guard,
		MaxIterations: cy.MaxIterations,
		Reducers:      make(map[string]wirl.Reducer),
	}

	// Input bindings, outer scope.
	outerDeps := make(map[string]bool)
	seen := make(map[string]bool)
	for _, in := range cy.Inputs {
		if seen[in.Name] {
			c.errf(ErrDuplicateName, scope, in.Pos, "duplicate input %s", in.Name)
			continue
		}
		seen[in.Name] = true
		src, ok := c.resolveOuter(in.Value, scope, inputs, outerChannels)
		if !ok {
			continue
		}
		if in.Value.Kind == wirl.ValueRef && in.Value.Reducer != wirl.ReducerReplace {
			c.errf(ErrIllegalReducer, scope, in.Pos, "reducer tags are not allowed on cycle inputs")
			continue
		}
		if src.Kind == SourceChannel {
			outerDeps[src.Channel] = true
		}
		cycle.Inputs = append(cycle.Inputs, Binding{Name: in.Name, Source: src})
	}
	cycle.Deps = sortedKeys(outerDeps)

	// Internal namespace: cycle inputs plus sibling node outputs.
	internal := make(map[string]bool)
	for _, in := range cy.Inputs {
		internal[cycle.InputChannel(in.Name)] = true
	}
	nodeNames := make(map[string]bool)
	for _, n := range cy.Nodes {
		if nodeNames[n.Name] || n.Name == cy.Name {
			c.errf(ErrDuplicateName, scope, n.Pos, "name %s already declared in cycle scope", n.Name)
			continue
		}
		nodeNames[n.Name] = true
		for _, out := range n.Outputs {
			internal[n.Name+"."+out.Name] = true
		}
	}

	for _, n := range cy.Nodes {
		if !nodeNames[n.Name] {
			continue
		}
		cycle.Nodes = append(cycle.Nodes, c.compileCycleNode(cy, n, nodeNames, internal, cycle.Reducers))
	}

	// Guard reads internal channels only; it never adds outer
	// dependencies, so its references are validated and discarded.
	c.checkExpression(cy.Guard, scope, cy.GuardPos, internal, nil)

	// Outputs read internal channels; a reducer tag declares how the
	// referenced channel accumulates across iterations.
	seenOut := make(map[string]bool)
	for _, out := range cy.Outputs {
		if seenOut[out.Name] {
			continue // already reported while declaring channels
		}
		seenOut[out.Name] = true
		src, ok := c.resolveInternal(cy, out.Source, scope, nodeNames, internal, cycle.Reducers)
		if !ok {
			continue
		}
		cycle.Outputs = append(cycle.Outputs, Binding{Name: out.Name, Source: src})
	}

	cycle.Nodes = c.orderCycleNodes(cycle, scope)
	return cycle
}

func (c *compiler) compileCycleNode(cy *wirl.Cycle, n *wirl.Node, nodeNames, internal map[string]bool, reducers map[string]wirl.Reducer) *Node {
	scope := fmt.Sprintf("cycle %s node %s", cy.Name, n.Name)
	node := &Node{
		Name:  n.Name,
		Call:  n.Call,
		Const: constMap(n.Const),
		When:  n.When,
	}
	if n.HITL != nil {
		c.errf(ErrHITLInCycle, scope, n.HITL.Pos, "hitl nodes are not allowed inside cycles")
	}

	deps := make(map[string]bool)
	seen := make(map[string]bool)
	for _, in := range n.Inputs {
		if seen[in.Name] {
			c.errf(ErrDuplicateName, scope, in.Pos, "duplicate input %s", in.Name)
			continue
		}
		seen[in.Name] = true
		src, ok := c.resolveInternal(cy, in.Value, scope, nodeNames, internal, reducers)
		if !ok {
			continue
		}
		if src.Kind == SourceChannel {
			deps[src.Channel] = true
		}
		node.Inputs = append(node.Inputs, Binding{Name: in.Name, Source: src})
	}
	for _, out := range n.Outputs {
		node.Outputs = append(node.Outputs, out.Name)
	}

	c.checkExpression(n.When, scope, n.WhenPos, internal, deps)
	node.Deps = sortedKeys(deps)
	return node
}

// resolveOuter resolves a value expression in workflow scope: plain
// identifiers bind to workflow inputs, dotted references to unit output
// channels.
func (c *compiler) resolveOuter(v wirl.ValueExpr, scope string, inputs, channels map[string]bool) (Source, bool) {
	switch v.Kind {
	case wirl.ValueLiteral:
		return Source{Kind: SourceLiteral, Literal: v.Lit.Value()}, true
	case wirl.ValueIdent:
		if !inputs[v.Ident] {
			c.errf(ErrUnresolvedRef, scope, v.Pos, "%s is not a workflow input", v.Ident)
			return Source{}, false
		}
		return Source{Kind: SourceChannel, Channel: v.Ident, Reducer: wirl.ReducerReplace}, true
	case wirl.ValueRef:
		key := v.Target + "." + v.Output
		if !channels[key] {
			c.errf(ErrUnresolvedRef, scope, v.Pos, "%s does not name a declared channel", key)
			return Source{}, false
		}
		return Source{Kind: SourceChannel, Channel: key, Reducer: v.Reducer}, true
	}
	return Source{}, false
}

// resolveInternal resolves a value expression inside a cycle. Dotted
// notation is mandatory; references resolve to the cycle's own inputs or
// sibling node outputs. Reducer tags on sibling channels register the
// channel's cross-iteration reducer.
func (c *compiler) resolveInternal(cy *wirl.Cycle, v wirl.ValueExpr, scope string, nodeNames, internal map[string]bool, reducers map[string]wirl.Reducer) (Source, bool) {
	switch v.Kind {
	case wirl.ValueLiteral:
		return Source{Kind: SourceLiteral, Literal: v.Lit.Value()}, true
	case wirl.ValueIdent:
		c.errf(ErrUndottedInCycle, scope, v.Pos, "references inside cycles must be dotted; write %s.%s for a cycle input", cy.Name, v.Ident)
		return Source{}, false
	case wirl.ValueRef:
		key := v.Target + "." + v.Output
		if !internal[key] {
			if v.Target != cy.Name && !nodeNames[v.Target] {
				c.errf(ErrCrossCycleRef, scope, v.Pos, "%s is outside cycle %s; cycles may only read their inputs and sibling nodes", key, cy.Name)
			} else {
				c.errf(ErrUnresolvedRef, scope, v.Pos, "%s does not name a channel in cycle %s", key, cy.Name)
			}
			return Source{}, false
		}
		if v.Reducer != wirl.ReducerReplace {
			if v.Target == cy.Name {
				c.errf(ErrIllegalReducer, scope, v.Pos, "cycle inputs are fixed at entry and cannot carry reducer tags")
				return Source{}, false
			}
			if prev, ok := reducers[key]; ok && prev != v.Reducer {
				c.errf(ErrReducerConflict, scope, v.Pos, "channel %s tagged both (%s) and (%s)", key, prev, v.Reducer)
				return Source{}, false
			}
			reducers[key] = v.Reducer
		}
		return Source{Kind: SourceChannel, Channel: key, Reducer: v.Reducer}, true
	}
	return Source{}, false
}

// checkExpression validates a when/guard expression and, when deps is
// non-nil, folds the channels it reads into deps. A reference that names
// no channel in scope is an error; a node cannot branch on state that
// can never exist.
func (c *compiler) checkExpression(expr, scope string, pos wirl.Pos, channels map[string]bool, deps map[string]bool) {
	if expr == "" {
		return
	}
	if err := c.eval.Validate(expr); err != nil {
		c.errf(ErrBadExpression, scope, pos, "%v", err)
		return
	}
	refs, err := expression.References(expr)
	if err != nil {
		c.errf(ErrBadExpression, scope, pos, "%v", err)
		return
	}
	for _, ref := range refs {
		if !channels[ref] {
			c.errf(ErrUnresolvedRef, scope, pos, "expression reads %s, which does not name a declared channel", ref)
			continue
		}
		if deps != nil {
			deps[ref] = true
		}
	}
}

// order topologically sorts workflow-level units, breaking ties by name.
// Dependencies on workflow inputs are satisfied at start.
func (c *compiler) order(units []Unit, inputs map[string]bool, scope string) []Unit {
	byName := make(map[string]Unit, len(units))
	producer := make(map[string]string) // channel -> unit name
	for _, u := range units {
		byName[u.Name()] = u
		for _, ch := range u.OutputChannels() {
			producer[ch] = u.Name()
		}
	}

	waiting := make(map[string]map[string]bool, len(units)) // unit -> unmet producer units
	dependents := make(map[string][]string)
	for _, u := range units {
		unmet := make(map[string]bool)
		for _, dep := range u.Deps() {
			if inputs[dep] {
				continue
			}
			p, ok := producer[dep]
			if !ok || p == u.Name() {
				continue
			}
			if !unmet[p] {
				unmet[p] = true
				dependents[p] = append(dependents[p], u.Name())
			}
		}
		waiting[u.Name()] = unmet
	}

	var ready []string
	for name, unmet := range waiting {
		if len(unmet) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]Unit, 0, len(units))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		var freed []string
		for _, dep := range dependents[name] {
			delete(waiting[dep], name)
			if len(waiting[dep]) == 0 {
				freed = append(freed, dep)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			sort.Strings(ready)
		}
	}

	if len(ordered) < len(units) {
		var stuck []string
		for name, unmet := range waiting {
			if len(unmet) > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		c.errf(ErrCyclicDependency, scope, wirl.Pos{}, "dependency cycle among %v", stuck)
		return units
	}
	return ordered
}

// orderCycleNodes topologically sorts a cycle's internal nodes. Cycle
// inputs are satisfied at iteration start, so only sibling channels
// create edges.
func (c *compiler) orderCycleNodes(cycle *Cycle, scope string) []*Node {
	inputs := make(map[string]bool)
	for _, in := range cycle.Inputs {
		inputs[cycle.InputChannel(in.Name)] = true
	}
	units := make([]Unit, len(cycle.Nodes))
	for i, n := range cycle.Nodes {
		units[i] = Unit{Node: n}
	}
	before := len(c.errs)
	ordered := c.order(units, inputs, scope)
	if len(c.errs) > before {
		return cycle.Nodes
	}
	nodes := make([]*Node, len(ordered))
	for i, u := range ordered {
		nodes[i] = u.Node
	}
	return nodes
}

func constMap(entries []wirl.ConstEntry) map[string]any {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value.Value()
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
