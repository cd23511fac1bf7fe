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

package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Subprocess resolves every call target to a fresh process invocation:
// `command [args...] <target>` receives {"inputs":..., "config":...} on
// stdin and must print {"outputs": {...}} or {"error": "..."} on stdout.
// A crash in user code never takes the engine down.
type Subprocess struct {
	Command string
	Args    []string
	Env     []string // extra environment, KEY=VALUE; nil inherits only
}

type subprocessRequest struct {
	Inputs map[string]any `json:"inputs"`
	Config map[string]any `json:"config"`
}

type subprocessResponse struct {
	Outputs map[string]any `json:"outputs"`
	Error   string         `json:"error"`
}

// Resolve returns a Callable that spawns the command per call. The
// target itself is not checked until first invocation; a missing script
// surfaces as a call error, not a MissingCallableError.
func (s *Subprocess) Resolve(target string) (Callable, error) {
	if s.Command == "" {
		return nil, &MissingCallableError{Target: target}
	}
	return func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return s.invoke(ctx, target, inputs, config)
	}, nil
}

func (s *Subprocess) invoke(ctx context.Context, target string, inputs, config map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(subprocessRequest{Inputs: inputs, Config: config})
	if err != nil {
		return nil, fmt.Errorf("encode request for %s: %w", target, err)
	}

	args := append(append([]string(nil), s.Args...), target)
	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Stdin = bytes.NewReader(payload)
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("%s: %w: %s", target, err, detail)
		}
		return nil, fmt.Errorf("%s: %w", target, err)
	}

	var resp subprocessResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", target, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", target, resp.Error)
	}
	if resp.Outputs == nil {
		resp.Outputs = map[string]any{}
	}
	return resp.Outputs, nil
}
