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

// Package templates loads compiled workflow definitions from a
// directory tree. Templates are indexed by workflow name and by source
// hash; old hashes stay resolvable after a reload so in-flight runs
// keep executing the definition they started with.
package templates

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wirl-lang/wirld/internal/log"
	"github.com/wirl-lang/wirld/pkg/workflow"
)

// Template is a compiled workflow definition.
type Template struct {
	// Name is the workflow name declared in the source.
	Name string

	// Path is the source file, relative to the registry root.
	Path string

	// Hash is the sha256 hex digest of the source.
	Hash string

	// Graph is the compiled workflow.
	Graph *workflow.Graph

	// LoadedAt records when this version was compiled.
	LoadedAt time.Time
}

// LoadError records a source file that failed to parse or compile.
type LoadError struct {
	Path    string
	Message string
}

// Registry holds the compiled templates for a definitions directory.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Template
	byHash map[string]*Template
	errors []LoadError
}

// New creates a registry rooted at dir and performs the initial load.
func New(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve definitions path: %w", err)
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("definitions path: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("definitions path %s is not a directory", abs)
	}

	r := &Registry{
		dir:    abs,
		logger: log.WithComponent(logger, "templates"),
		byName: make(map[string]*Template),
		byHash: make(map[string]*Template),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the registry root.
func (r *Registry) Dir() string {
	return r.dir
}

// Reload rescans the directory tree and recompiles changed sources.
// Files that fail to compile are skipped and recorded; a broken file
// never evicts the previously loaded version of its workflow.
func (r *Registry) Reload() error {
	var paths []string
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != r.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".wirl") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan definitions: %w", err)
	}
	sort.Strings(paths)

	loaded := make(map[string]*Template, len(paths))
	var loadErrors []LoadError

	r.mu.RLock()
	known := make(map[string]*Template, len(r.byHash))
	for hash, tmpl := range r.byHash {
		known[hash] = tmpl
	}
	r.mu.RUnlock()

	for _, path := range paths {
		rel, relErr := filepath.Rel(r.dir, path)
		if relErr != nil {
			rel = path
		}

		src, err := os.ReadFile(path)
		if err != nil {
			loadErrors = append(loadErrors, LoadError{Path: rel, Message: err.Error()})
			continue
		}

		// Unchanged sources reuse the cached compilation.
		hash := workflow.SourceHash(src)
		if cached, ok := known[hash]; ok {
			tmpl := *cached
			tmpl.Path = rel
			r.register(loaded, &tmpl, &loadErrors)
			continue
		}

		graph, err := workflow.CompileSource(src)
		if err != nil {
			r.logger.Warn("template failed to compile", "path", rel, log.Error(err))
			loadErrors = append(loadErrors, LoadError{Path: rel, Message: err.Error()})
			continue
		}

		r.register(loaded, &Template{
			Name:     graph.Name,
			Path:     rel,
			Hash:     graph.Hash,
			Graph:    graph,
			LoadedAt: time.Now().UTC(),
		}, &loadErrors)
	}

	r.mu.Lock()
	r.byName = loaded
	for _, tmpl := range loaded {
		r.byHash[tmpl.Hash] = tmpl
	}
	r.errors = loadErrors
	r.mu.Unlock()

	r.logger.Info("templates loaded", "count", len(loaded), "errors", len(loadErrors))
	return nil
}

func (r *Registry) register(loaded map[string]*Template, tmpl *Template, loadErrors *[]LoadError) {
	if existing, ok := loaded[tmpl.Name]; ok {
		msg := fmt.Sprintf("workflow %q already defined in %s", tmpl.Name, existing.Path)
		r.logger.Warn("duplicate workflow name", "path", tmpl.Path, "conflict", existing.Path)
		*loadErrors = append(*loadErrors, LoadError{Path: tmpl.Path, Message: msg})
		return
	}
	loaded[tmpl.Name] = tmpl
}

// Get returns the current template for a workflow name.
func (r *Registry) Get(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.byName[name]
	return tmpl, ok
}

// GetByHash returns the template version with the given source hash,
// including versions superseded by a reload.
func (r *Registry) GetByHash(hash string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.byHash[hash]
	return tmpl, ok
}

// List returns the current templates sorted by name.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, 0, len(r.byName))
	for _, tmpl := range r.byName {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Errors returns the load errors from the most recent reload.
func (r *Registry) Errors() []LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LoadError(nil), r.errors...)
}

// LookupHash resolves a workflow name to its current source hash. It
// satisfies the scheduler's template lookup.
func (r *Registry) LookupHash(name string) (string, error) {
	tmpl, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("workflow %q not found", name)
	}
	return tmpl.Hash, nil
}
