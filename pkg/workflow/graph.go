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

// Package workflow lowers a parsed WIRL AST into an executable graph:
// resolved channel references, per-channel reducers, topological execution
// order, and batched compile-time validation.
//
// Channel keys are flat strings: workflow inputs by plain name ("x"),
// node and cycle outputs dotted ("A.out", "Loop.items"). Inside a cycle
// the namespace is local: sibling outputs ("Search.hits") plus the
// cycle's own inputs ("Loop.queries").
package workflow

import (
	"sort"

	"github.com/wirl-lang/wirld/pkg/wirl"
)

// SourceKind tags the alternatives of a resolved input source.
type SourceKind int

const (
	// SourceChannel reads a channel from the enclosing scope.
	SourceChannel SourceKind = iota
	// SourceLiteral is an inline constant.
	SourceLiteral
)

// Source is a resolved value expression: either a channel read or a
// literal. Reducer is meaningful only on channel reads inside cycles.
type Source struct {
	Kind    SourceKind
	Channel string
	Reducer wirl.Reducer
	Literal any
}

// Binding pairs a declared name with its resolved source.
type Binding struct {
	Name   string
	Source Source
}

// Node is a compiled computation node.
type Node struct {
	Name    string
	Call    string
	Inputs  []Binding
	Outputs []string // output names; channel key is Name+"."+output
	Const   map[string]any
	When    string         // empty when unguarded
	HITL    map[string]any // nil unless the node is a suspension point
	Deps    []string       // sorted channel keys this node reads
}

// OutputChannel returns the channel key for one of the node's outputs.
func (n *Node) OutputChannel(output string) string {
	return n.Name + "." + output
}

// Cycle is a compiled iterative sub-graph. Nodes are in internal
// topological order. Reducers maps internal channel keys to the reducer
// accumulating them across iterations; channels absent from the map
// replace.
type Cycle struct {
	Name          string
	Inputs        []Binding // sources resolved in the outer scope
	Nodes         []*Node
	Guard         string
	MaxIterations int
	Outputs       []Binding // sources are internal channels
	Reducers      map[string]wirl.Reducer
	Deps          []string // sorted outer channel keys the inputs read
}

// InputChannel returns the internal channel key for a cycle input.
func (c *Cycle) InputChannel(input string) string {
	return c.Name + "." + input
}

// OutputChannel returns the outer channel key for a cycle output.
func (c *Cycle) OutputChannel(output string) string {
	return c.Name + "." + output
}

// Unit is one entry of the workflow-level execution order: a node or a
// cycle super-node. Exactly one field is non-nil.
type Unit struct {
	Node  *Node
	Cycle *Cycle
}

// Name returns the unit's name in its enclosing scope.
func (u Unit) Name() string {
	if u.Node != nil {
		return u.Node.Name
	}
	return u.Cycle.Name
}

// Deps returns the outer channel keys the unit reads.
func (u Unit) Deps() []string {
	if u.Node != nil {
		return u.Node.Deps
	}
	return u.Cycle.Deps
}

// OutputChannels returns the outer channel keys the unit produces.
func (u Unit) OutputChannels() []string {
	if u.Node != nil {
		keys := make([]string, len(u.Node.Outputs))
		for i, out := range u.Node.Outputs {
			keys[i] = u.Node.OutputChannel(out)
		}
		return keys
	}
	keys := make([]string, len(u.Cycle.Outputs))
	for i, out := range u.Cycle.Outputs {
		keys[i] = u.Cycle.OutputChannel(out.Name)
	}
	return keys
}

// Input is a declared workflow input. Type is documentary.
type Input struct {
	Name string
	Type string
}

// Graph is a compiled workflow, immutable after Compile. Units are in
// topological execution order with lexicographic tie-break.
type Graph struct {
	Name     string
	Hash     string // hex sha256 of the source, set by CompileSource
	Metadata map[string]any
	Inputs   []Input
	Outputs  []Binding // workflow outputs; sources are outer channels
	Units    []Unit
}

// Channels returns every channel key the graph can populate: workflow
// inputs plus all unit output channels, sorted.
func (g *Graph) Channels() []string {
	var keys []string
	for _, in := range g.Inputs {
		keys = append(keys, in.Name)
	}
	for _, u := range g.Units {
		keys = append(keys, u.OutputChannels()...)
	}
	sort.Strings(keys)
	return keys
}

// Unit looks up a unit by name.
func (g *Graph) Unit(name string) (Unit, bool) {
	for _, u := range g.Units {
		if u.Name() == name {
			return u, true
		}
	}
	return Unit{}, false
}
