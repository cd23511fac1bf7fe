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

// Package expression evaluates `when` and `guard` expressions against a
// run's channel state using the expr language.
package expression

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean expressions against a channel map.
// It caches compiled expressions for repeated evaluations; a workflow's
// guards compile once per evaluator. Safe for concurrent use.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Validate checks that an expression compiles to a boolean, caching the
// program for later evaluation. The compiler calls this for every `when`
// and `guard` clause.
func (e *Evaluator) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

// EvalBool evaluates an expression against the given channel map and
// returns the boolean result. Dotted channel keys ("A.out") are exposed
// as member access (A.out); plain keys as bare identifiers.
//
// Example:
//
//	channels := map[string]any{
//	    "depth":       int64(2),
//	    "Search.done": false,
//	}
//	ok, err := eval.EvalBool(`!Search.done && depth > 1`, channels)
func (e *Evaluator) EvalBool(expression string, channels map[string]any) (bool, error) {
	if expression == "" {
		return true, nil // empty expression defaults to true
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	result, err := expr.Run(program, Env(channels))
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must return boolean, got %T (%v)", expression, result, result)
	}
	return boolResult, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		// Channels referenced before their producer ran resolve to nil
		// rather than failing compilation.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the expression cache. Mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Env converts a flat channel map into the nested environment expr
// expects: "A.out" becomes env["A"]["out"], plain keys pass through.
func Env(channels map[string]any) map[string]any {
	env := make(map[string]any, len(channels))
	for key, value := range channels {
		dot := strings.IndexByte(key, '.')
		if dot < 0 {
			env[key] = value
			continue
		}
		scope, field := key[:dot], key[dot+1:]
		sub, ok := env[scope].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			env[scope] = sub
		}
		sub[field] = value
	}
	return env
}

// References parses an expression and returns the channel-shaped names it
// reads: bare identifiers and two-part member accesses ("x", "A.out"),
// sorted. When a dotted reference is present its bare scope name is
// omitted. The compiler uses this to turn guard reads into dependencies.
func References(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", expression, err)
	}

	v := &refVisitor{
		refs:   make(map[string]struct{}),
		scopes: make(map[string]struct{}),
	}
	ast.Walk(&tree.Node, v)

	out := make([]string, 0, len(v.refs))
	for ref := range v.refs {
		if _, scoped := v.scopes[ref]; scoped {
			continue
		}
		out = append(out, ref)
	}
	sort.Strings(out)
	return out, nil
}

type refVisitor struct {
	refs   map[string]struct{}
	scopes map[string]struct{} // identifiers seen as member targets
}

func (v *refVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.MemberNode:
		id, ok := n.Node.(*ast.IdentifierNode)
		if !ok {
			return
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return
		}
		v.refs[id.Value+"."+prop.Value] = struct{}{}
		v.scopes[id.Value] = struct{}{}
	case *ast.IdentifierNode:
		v.refs[n.Value] = struct{}{}
	}
}
