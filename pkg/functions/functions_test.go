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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("math.add", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"sum": int64(3)}, nil
	})

	fn, err := r.Resolve("math.add")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out["sum"])

	assert.Equal(t, []string{"math.add"}, r.Targets())
}

func TestRegistryMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	var missing *MissingCallableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "nope", missing.Target)
}

func TestSubprocessInvoke(t *testing.T) {
	// The target is appended as the script's $0, so a shell one-liner
	// exercises the whole stdio round trip.
	s := &Subprocess{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"outputs":{"ok":true,"target":"%s"}}' "$0"`},
	}
	fn, err := s.Resolve("demo.fn")
	require.NoError(t, err)
	out, err := fn(context.Background(), map[string]any{"x": 1.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "demo.fn", out["target"])
}

func TestSubprocessError(t *testing.T) {
	s := &Subprocess{Command: "sh", Args: []string{"-c", `printf '{"error":"boom"}'`}}
	fn, err := s.Resolve("demo.fn")
	require.NoError(t, err)
	_, err = fn(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSubprocessNonZeroExit(t *testing.T) {
	s := &Subprocess{Command: "sh", Args: []string{"-c", `echo failed >&2; exit 3`}}
	fn, err := s.Resolve("demo.fn")
	require.NoError(t, err)
	_, err = fn(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestSubprocessUnconfigured(t *testing.T) {
	s := &Subprocess{}
	_, err := s.Resolve("x")
	var missing *MissingCallableError
	require.ErrorAs(t, err, &missing)
}
