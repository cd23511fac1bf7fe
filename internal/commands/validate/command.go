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

// Package validate implements the workflow validation command.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirl-lang/wirld/pkg/workflow"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	var useJSON bool

	cmd := &cobra.Command{
		Use:   "validate <workflow.wirl>",
		Short: "Check workflow syntax and structure",
		Long: `Validate parses and compiles a workflow file without executing it.
Every violation found in one pass is reported, not just the first.`,
		Example: `  # Human-readable report
  wirl validate pipeline.wirl

  # Machine-readable report
  wirl validate pipeline.wirl --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], useJSON)
		},
	}

	cmd.Flags().BoolVar(&useJSON, "json", false, "Report results as JSON")
	return cmd
}

type jsonIssue struct {
	Kind    string `json:"kind"`
	Scope   string `json:"scope"`
	Pos     string `json:"pos"`
	Message string `json:"message"`
}

type jsonReport struct {
	Valid    bool        `json:"valid"`
	Workflow string      `json:"workflow,omitempty"`
	Issues   []jsonIssue `json:"issues,omitempty"`
}

func runValidate(cmd *cobra.Command, path string, useJSON bool) error {
	out := cmd.OutOrStdout()

	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	graph, err := workflow.CompileSource(src)
	if err == nil {
		if useJSON {
			return json.NewEncoder(out).Encode(jsonReport{Valid: true, Workflow: graph.Name})
		}
		fmt.Fprintf(out, "%s: workflow %q is valid\n", path, graph.Name)
		return nil
	}

	var compileErrs workflow.CompileErrors
	if !errors.As(err, &compileErrs) {
		// Parse errors surface singly; report as-is.
		if useJSON {
			report := jsonReport{Issues: []jsonIssue{{Kind: "parse_error", Message: err.Error()}}}
			if encErr := json.NewEncoder(out).Encode(report); encErr != nil {
				return encErr
			}
			return err
		}
		fmt.Fprintf(out, "%s: %v\n", path, err)
		return err
	}

	if useJSON {
		report := jsonReport{Issues: make([]jsonIssue, 0, len(compileErrs))}
		for _, ce := range compileErrs {
			report.Issues = append(report.Issues, jsonIssue{
				Kind:    string(ce.Kind),
				Scope:   ce.Scope,
				Pos:     ce.Pos.String(),
				Message: ce.Message,
			})
		}
		if encErr := json.NewEncoder(out).Encode(report); encErr != nil {
			return encErr
		}
		return err
	}

	fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(compileErrs))
	for _, ce := range compileErrs {
		fmt.Fprintf(out, "  %v\n", ce)
	}
	return err
}
