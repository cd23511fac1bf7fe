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

package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workflowSource(name string) string {
	return fmt.Sprintf(`workflow %s {
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
`, name)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadsRecursively(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.wirl", workflowSource("alpha"))
	writeFile(t, dir, "nested/deep/b.wirl", workflowSource("beta"))
	writeFile(t, dir, "ignored.txt", "not a workflow")

	r, err := New(dir, nil)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)
	assert.Empty(t, r.Errors())

	tmpl, ok := r.Get("beta")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("nested", "deep", "b.wirl"), tmpl.Path)
	assert.NotEmpty(t, tmpl.Hash)
	assert.Equal(t, "beta", tmpl.Graph.Name)
}

func TestRegistryRecordsCompileErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.wirl", workflowSource("good"))
	writeFile(t, dir, "bad.wirl", `workflow bad { nonsense }`)

	r, err := New(dir, nil)
	require.NoError(t, err)

	assert.Len(t, r.List(), 1)
	errs := r.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "bad.wirl", errs[0].Path)
}

func TestRegistryDuplicateNameKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.wirl", workflowSource("same"))
	writeFile(t, dir, "b.wirl", workflowSource("same"))

	r, err := New(dir, nil)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a.wirl", list[0].Path)
	require.Len(t, r.Errors(), 1)
	assert.Contains(t, r.Errors()[0].Message, "already defined")
}

func TestReloadRetainsOldHashes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.wirl", workflowSource("alpha"))

	r, err := New(dir, nil)
	require.NoError(t, err)
	first, ok := r.Get("alpha")
	require.True(t, ok)

	// Change an input name so the source hash changes.
	updated := workflowSource("alpha")
	updated = updated[:len(updated)-1] + "# touched\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, r.Reload())

	current, ok := r.Get("alpha")
	require.True(t, ok)
	assert.NotEqual(t, first.Hash, current.Hash)

	// The superseded version stays resolvable by hash.
	old, ok := r.GetByHash(first.Hash)
	require.True(t, ok)
	assert.Equal(t, first.Hash, old.Hash)
}

func TestLookupHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.wirl", workflowSource("alpha"))

	r, err := New(dir, nil)
	require.NoError(t, err)

	hash, err := r.LookupHash("alpha")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	_, err = r.LookupHash("missing")
	assert.Error(t, err)
}

func TestNewRejectsMissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}
