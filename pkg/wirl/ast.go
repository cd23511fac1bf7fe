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

// Package wirl parses WIRL workflow definitions into an AST.
//
// WIRL is a small declarative language describing a directed graph of
// computation nodes with typed channels, guarded cycles and
// human-in-the-loop checkpoints:
//
//	workflow Sum {
//	    inputs { int x; }
//	    outputs { int y = B.out; }
//	    node A {
//	        call add_one;
//	        inputs { int v = x; }
//	        outputs { int out; }
//	    }
//	    node B {
//	        call double;
//	        inputs { int v = A.out; }
//	        outputs { int out; }
//	    }
//	}
//
// The AST carries only names; resolution of references to channels is the
// compiler's job (package workflow).
package wirl

import "fmt"

// Pos identifies a source location for error reporting.
type Pos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Reducer names how successive writes to a channel combine.
type Reducer string

const (
	// ReducerReplace overwrites the prior value. The default.
	ReducerReplace Reducer = "replace"
	// ReducerAppend concatenates list values across writes.
	ReducerAppend Reducer = "append"
	// ReducerMerge shallow-merges object values, last writer wins per key.
	ReducerMerge Reducer = "merge"
)

// LiteralKind tags the dynamic type of a Literal.
type LiteralKind int

const (
	LiteralNull LiteralKind = iota
	LiteralBool
	LiteralInt
	LiteralFloat
	LiteralString
	LiteralList
	LiteralObject
)

// Literal is a constant value appearing in const blocks, metadata, hitl
// blocks or value expressions.
type Literal struct {
	Kind   LiteralKind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	List   []Literal
	Object []ObjectEntry
	Pos    Pos
}

// ObjectEntry is one key/value pair of an object literal. Entries keep
// source order so the pretty-printer round-trips deterministically.
type ObjectEntry struct {
	Key   string
	Value Literal
}

// Value converts the literal to its Go representation (JSON shapes only).
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralNull:
		return nil
	case LiteralBool:
		return l.Bool
	case LiteralInt:
		return l.Int
	case LiteralFloat:
		return l.Float
	case LiteralString:
		return l.Str
	case LiteralList:
		out := make([]any, len(l.List))
		for i, e := range l.List {
			out[i] = e.Value()
		}
		return out
	case LiteralObject:
		out := make(map[string]any, len(l.Object))
		for _, e := range l.Object {
			out[e.Key] = e.Value.Value()
		}
		return out
	}
	return nil
}

// ValueExprKind tags the alternatives of a value expression.
type ValueExprKind int

const (
	// ValueIdent is a plain identifier bound to a workflow input.
	ValueIdent ValueExprKind = iota
	// ValueRef is a dotted reference Node.output, optionally reducer-tagged.
	ValueRef
	// ValueLiteral is an inline constant.
	ValueLiteral
)

// ValueExpr is the right-hand side of an input binding or output source.
type ValueExpr struct {
	Kind    ValueExprKind
	Ident   string  // ValueIdent
	Target  string  // ValueRef: node or cycle name
	Output  string  // ValueRef: output channel name
	Reducer Reducer // ValueRef: reducer tag, ReducerReplace when absent
	Lit     Literal // ValueLiteral
	Pos     Pos
}

// String renders the expression in canonical source form.
func (v ValueExpr) String() string {
	switch v.Kind {
	case ValueIdent:
		return v.Ident
	case ValueRef:
		s := v.Target + "." + v.Output
		if v.Reducer != ReducerReplace {
			s += " (" + string(v.Reducer) + ")"
		}
		return s
	case ValueLiteral:
		return formatLiteral(v.Lit)
	}
	return ""
}

// Param is a declared input or output channel: optional type annotation
// plus a name. Types are documentary; the runtime never checks them.
type Param struct {
	Type string
	Name string
	Pos  Pos
}

// InputDecl binds a declared input name to a value expression.
type InputDecl struct {
	Type  string
	Name  string
	Value ValueExpr
	Pos   Pos
}

// OutputDecl exposes a source expression under a declared name. Used for
// workflow-level outputs and cycle outputs.
type OutputDecl struct {
	Type   string
	Name   string
	Source ValueExpr
	Pos    Pos
}

// ConstEntry is one key/literal pair in a const, metadata or hitl block.
type ConstEntry struct {
	Key   string
	Value Literal
	Pos   Pos
}

// HITL marks a node as a human-in-the-loop suspension point. Entries are
// correlation data surfaced in the suspend token (a prompt, a channel id).
type HITL struct {
	Fields []ConstEntry
	Pos    Pos
}

// Node is a unit of computation wrapping one user-provided callable.
type Node struct {
	Name    string
	Call    string
	Inputs  []InputDecl
	Outputs []Param
	Const   []ConstEntry
	When    string // raw boolean expression, empty when absent
	WhenPos Pos
	HITL    *HITL
	Pos     Pos
}

// Cycle is a named sub-graph executed iteratively until its guard
// evaluates false or MaxIterations is reached.
type Cycle struct {
	Name          string
	Inputs        []InputDecl
	Outputs       []OutputDecl
	Nodes         []*Node
	Guard         string
	GuardPos      Pos
	MaxIterations int
	Pos           Pos
}

// Workflow is the root of a parsed WIRL file.
type Workflow struct {
	Name     string
	Metadata []ConstEntry
	Inputs   []Param
	Outputs  []OutputDecl
	Nodes    []*Node
	Cycles   []*Cycle
	Pos      Pos
}
