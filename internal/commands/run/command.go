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

// Package run implements the local workflow runner command.
package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wirl-lang/wirld/internal/controller/backend/sqlite"
	"github.com/wirl-lang/wirld/internal/log"
	"github.com/wirl-lang/wirld/pkg/engine"
	"github.com/wirl-lang/wirld/pkg/functions"
	"github.com/wirl-lang/wirld/pkg/workflow"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		functionsCmd  string
		functionsArgs []string
		params        []string
		stateDB       string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.wirl>",
		Short: "Execute a workflow locally",
		Long: `Run compiles a workflow file and executes it in-process. Node call
targets are dispatched to the --functions command, which receives the
target as its final argument and {"inputs":...,"config":...} as JSON on
stdin.

When a human-in-the-loop node suspends the run, the prompt is written to
stderr and the answer read from stdin, then execution resumes.

On success the final channel map is printed as JSON. A failed run exits
with status 1.`,
		Example: `  # Run with inputs
  wirl run pipeline.wirl --functions ./functions.py --param topic=go

  # Keep checkpoints in a local database
  wirl run pipeline.wirl --functions ./functions.py --state-db runs.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), cmd, args[0], functionsCmd, functionsArgs, params, stateDB)
		},
	}

	cmd.Flags().StringVar(&functionsCmd, "functions", "", "Command executing node call targets")
	cmd.Flags().StringArrayVar(&functionsArgs, "functions-arg", nil, "Extra argument passed to the functions command (repeatable)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&stateDB, "state-db", "", "Checkpoint database path (default: in-memory only)")

	return cmd
}

func runWorkflow(ctx context.Context, cmd *cobra.Command, path, functionsCmd string, functionsArgs, params []string, stateDB string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	graph, err := workflow.CompileSource(src)
	if err != nil {
		return err
	}

	inputs, err := parseParams(params)
	if err != nil {
		return err
	}
	for _, in := range graph.Inputs {
		if _, ok := inputs[in.Name]; !ok {
			return fmt.Errorf("missing input %q (pass --param %s=...)", in.Name, in.Name)
		}
	}

	var inner engine.CheckpointSaver = engine.DiscardCheckpoints{}
	if stateDB != "" {
		store, err := sqlite.New(sqlite.Config{Path: stateDB, WAL: true})
		if err != nil {
			return err
		}
		defer store.Close()
		inner = store
	}
	checkpoints := &tailSaver{inner: inner}

	eng, err := engine.New(engine.Config{
		Graph:       graph,
		Resolver:    &functions.Subprocess{Command: functionsCmd, Args: functionsArgs},
		Checkpoints: checkpoints,
		RunID:       uuid.NewString(),
		Logger:      log.New(log.FromEnv()),
	})
	if err != nil {
		return err
	}

	outcome, err := eng.Run(ctx, inputs)
	if err != nil {
		return err
	}

	// HITL loop: each suspension prompts the operator and resumes with
	// the answer on the node's declared channel.
	stdin := bufio.NewReader(cmd.InOrStdin())
	for outcome.Status == engine.StatusSuspended {
		payload, err := promptOperator(cmd.ErrOrStderr(), stdin, outcome.Suspend)
		if err != nil {
			return err
		}
		snap := checkpoints.last
		if snap == nil {
			return fmt.Errorf("no checkpoint recorded for suspended run")
		}
		outcome, err = eng.Resume(ctx, snap, payload)
		if err != nil {
			return err
		}
	}

	if outcome.Status == engine.StatusCanceled {
		return fmt.Errorf("run canceled")
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(outcome.Channels)
}

// parseParams converts --param key=value pairs to an input map. Values
// that parse as JSON keep their type; everything else stays a string.
func parseParams(params []string) (map[string]any, error) {
	inputs := make(map[string]any, len(params))
	for _, p := range params {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		inputs[key] = val
	}
	return inputs, nil
}

func promptOperator(errOut io.Writer, stdin *bufio.Reader, suspend *engine.Suspension) (map[string]any, error) {
	prompt := suspend.Node
	if p, ok := suspend.Fields["prompt"].(string); ok && p != "" {
		prompt = p
	}
	fmt.Fprintf(errOut, "%s: ", prompt)

	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("read answer: %w", err)
	}
	line = strings.TrimSpace(line)

	// A JSON object answers multiple fields at once; anything else fills
	// the conventional answer field.
	var payload map[string]any
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), &payload); err == nil {
			return payload, nil
		}
	}
	return map[string]any{"answer": line}, nil
}

// tailSaver keeps the most recent snapshot in memory so the prompt loop
// can resume without a read path, delegating persistence to inner.
type tailSaver struct {
	inner engine.CheckpointSaver
	last  *engine.Snapshot
}

func (t *tailSaver) SaveCheckpoint(ctx context.Context, runID string, snap *engine.Snapshot) error {
	t.last = snap.Clone()
	return t.inner.SaveCheckpoint(ctx, runID, snap)
}
