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
	"errors"
	"fmt"
)

// NodeErrorKind classifies what failed while executing a node.
type NodeErrorKind string

const (
	// NodeErrCall means the user callable returned an error.
	NodeErrCall NodeErrorKind = "call"
	// NodeErrReducer means a channel write could not be combined.
	NodeErrReducer NodeErrorKind = "reducer"
	// NodeErrExpression means a when/guard expression failed to evaluate.
	NodeErrExpression NodeErrorKind = "expression"
	// NodeErrOutput means the callable returned an undeclared output key.
	NodeErrOutput NodeErrorKind = "output"
)

// NodeError is a run-level fatal failure attributed to one node. The
// engine writes it into the final checkpoint and surfaces it unchanged;
// retry policy lives in the orchestrator.
type NodeError struct {
	Node string
	Kind NodeErrorKind
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s error: %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ErrCancelRequested reports cooperative cancellation observed between
// nodes or before a cycle iteration.
var ErrCancelRequested = errors.New("cancel requested")
