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

// Package functions binds workflow call targets to user code. Two
// bindings exist: an in-process Registry and a Subprocess runner that
// spawns a command per call with JSON over stdio.
package functions

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Callable is the narrow interface every node call target satisfies.
// inputs carries the node's resolved input channels; config carries the
// node's const block plus a "configurable" submap with run context
// (thread_id = run id). The returned keys must be a subset of the node's
// declared outputs.
type Callable func(ctx context.Context, inputs, config map[string]any) (map[string]any, error)

// Resolver maps a call target ("search.run") to a Callable. Resolution
// happens once per run, before the engine starts.
type Resolver interface {
	Resolve(target string) (Callable, error)
}

// MissingCallableError reports a call target the resolver cannot supply.
type MissingCallableError struct {
	Target string
}

func (e *MissingCallableError) Error() string {
	return fmt.Sprintf("no callable registered for %s", e.Target)
}

// Registry is an in-process Resolver. Safe for concurrent use after
// registration.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Callable
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Callable)}
}

// Register binds a call target to a function, replacing any previous
// binding for the same target.
func (r *Registry) Register(target string, fn Callable) {
	r.mu.Lock()
	r.fns[target] = fn
	r.mu.Unlock()
}

func (r *Registry) Resolve(target string) (Callable, error) {
	r.mu.RLock()
	fn, ok := r.fns[target]
	r.mu.RUnlock()
	if !ok {
		return nil, &MissingCallableError{Target: target}
	}
	return fn, nil
}

// Targets returns the registered call targets, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
