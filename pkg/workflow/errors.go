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
	"fmt"
	"strings"

	"github.com/wirl-lang/wirld/pkg/wirl"
)

// ErrorKind classifies compile-time violations. Each invariant the
// compiler enforces has its own kind so tests and tooling can assert on
// the exact failure.
type ErrorKind string

const (
	ErrNoInputs         ErrorKind = "no_inputs"
	ErrNoOutputs        ErrorKind = "no_outputs"
	ErrDeadStart        ErrorKind = "dead_start"
	ErrDuplicateName    ErrorKind = "duplicate_name"
	ErrUnresolvedRef    ErrorKind = "unresolved_reference"
	ErrCrossCycleRef    ErrorKind = "cross_cycle_reference"
	ErrUndottedInCycle  ErrorKind = "undotted_reference"
	ErrIllegalReducer   ErrorKind = "illegal_reducer"
	ErrReducerConflict  ErrorKind = "reducer_conflict"
	ErrCyclicDependency ErrorKind = "cyclic_dependency"
	ErrBadExpression    ErrorKind = "bad_expression"
	ErrHITLInCycle      ErrorKind = "hitl_in_cycle"
)

// CompileError is a single compile-time violation. Scope names the
// enclosing construct ("node Approve", "cycle Loop", "workflow").
type CompileError struct {
	Kind    ErrorKind
	Scope   string
	Pos     wirl.Pos
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s in %s: %s", e.Pos, e.Kind, e.Scope, e.Message)
}

// CompileErrors batches every violation found in one compile pass.
type CompileErrors []*CompileError

func (es CompileErrors) Error() string {
	if len(es) == 1 {
		return es[0].Error()
	}
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d compile errors:\n%s", len(es), strings.Join(parts, "\n"))
}

// Has reports whether any batched error carries the given kind.
func (es CompileErrors) Has(kind ErrorKind) bool {
	for _, e := range es {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// ReducerError reports a type mismatch while combining channel writes,
// e.g. append applied to a non-list value. Run-level fatal.
type ReducerError struct {
	Channel string
	Reducer wirl.Reducer
	Value   any
}

func (e *ReducerError) Error() string {
	return fmt.Sprintf("channel %s: reducer %s cannot combine %T value", e.Channel, e.Reducer, e.Value)
}
