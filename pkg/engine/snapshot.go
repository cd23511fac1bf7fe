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
	"time"
)

// Write is one channel mutation recorded in a superstep. Kind is "state"
// for channel writes, "branch" for when-guard skips, "system" for engine
// bookkeeping such as cycle iteration counts. Iteration is non-zero for
// writes made inside a cycle pass.
type Write struct {
	Kind      string `json:"kind"`
	Node      string `json:"node"`
	Channel   string `json:"channel"`
	Value     any    `json:"value"`
	Iteration int    `json:"iteration,omitempty"`
}

const (
	WriteState  = "state"
	WriteBranch = "branch"
	WriteSystem = "system"
)

// Snapshot is the engine state at a superstep boundary. Snapshots are
// self-contained: loading the latest one and calling Resume reproduces
// the run from that point.
type Snapshot struct {
	Superstep  int            `json:"superstep"`
	Channels   map[string]any `json:"channels"`
	Done       []string       `json:"done"`
	CycleIters map[string]int `json:"cycle_iters,omitempty"`
	Writes     []Write        `json:"writes,omitempty"`
	Suspended  string         `json:"suspended,omitempty"` // HITL node awaiting input
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone deep-copies the snapshot's mutable maps one level down. Channel
// values themselves are treated as immutable by convention: nodes return
// fresh values and reducers copy before combining.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Channels = make(map[string]any, len(s.Channels))
	for k, v := range s.Channels {
		out.Channels[k] = v
	}
	out.Done = append([]string(nil), s.Done...)
	out.CycleIters = make(map[string]int, len(s.CycleIters))
	for k, v := range s.CycleIters {
		out.CycleIters[k] = v
	}
	out.Writes = append([]Write(nil), s.Writes...)
	return &out
}

// CheckpointSaver persists snapshots keyed by (run, superstep). The
// engine saves at every superstep boundary, before HITL suspension, and
// on failure or cancellation; it never loads — resumption state is
// handed to Resume by the caller.
type CheckpointSaver interface {
	SaveCheckpoint(ctx context.Context, runID string, snap *Snapshot) error
}

// DiscardCheckpoints is a CheckpointSaver that keeps nothing. Useful for
// validation runs.
type DiscardCheckpoints struct{}

func (DiscardCheckpoints) SaveCheckpoint(context.Context, string, *Snapshot) error { return nil }
