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

package run

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoWorkflow = `workflow echo {
    inputs {
        string topic;
    }
    node Echo {
        call util.echo;
        inputs {
            value = topic;
        }
        outputs {
            value;
        }
    }
    outputs {
        result = Echo.value;
    }
}
`

// echoScript answers every call with a fixed output map.
const echoScript = `#!/bin/sh
cat >/dev/null
echo '{"outputs":{"value":"ok"}}'
`

func writeTempFile(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func TestRunCommandPrintsChannels(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}

	wf := writeTempFile(t, "echo.wirl", echoWorkflow, 0o644)
	script := writeTempFile(t, "functions.sh", echoScript, 0o755)

	cmd := NewCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{wf, "--functions", script, "--param", "topic=go"})

	require.NoError(t, cmd.Execute())

	var channels map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &channels))
	assert.Equal(t, "go", channels["topic"])
	assert.Equal(t, "ok", channels["Echo.value"])
}

func TestRunCommandMissingInput(t *testing.T) {
	wf := writeTempFile(t, "echo.wirl", echoWorkflow, 0o644)

	cmd := NewCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{wf, "--functions", "true"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing input "topic"`)
}

func TestRunCommandStateDB(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}

	wf := writeTempFile(t, "echo.wirl", echoWorkflow, 0o644)
	script := writeTempFile(t, "functions.sh", echoScript, 0o755)
	db := filepath.Join(t.TempDir(), "runs.db")

	cmd := NewCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{wf, "--functions", script, "--param", "topic=go", "--state-db", db})

	require.NoError(t, cmd.Execute())

	info, err := os.Stat(db)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRunCommandRejectsBadWorkflow(t *testing.T) {
	wf := writeTempFile(t, "broken.wirl", "workflow {", 0o644)

	cmd := NewCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{wf, "--functions", "true"})

	require.Error(t, cmd.Execute())
}

func TestParseParams(t *testing.T) {
	inputs, err := parseParams([]string{"topic=go", "count=3", "deep=false", "raw=a=b"})
	require.NoError(t, err)

	assert.Equal(t, "go", inputs["topic"])
	assert.Equal(t, float64(3), inputs["count"])
	assert.Equal(t, false, inputs["deep"])
	assert.Equal(t, "a=b", inputs["raw"])

	_, err = parseParams([]string{"novalue"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "key=value"))
}
