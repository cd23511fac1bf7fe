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
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wirl-lang/wirld/internal/log"
)

// debounceWindow delays the reload until editor save bursts settle.
const debounceWindow = 250 * time.Millisecond

// Watcher hot-reloads a Registry when .wirl sources change.
type Watcher struct {
	registry *Registry
	fsw      *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the registry's directory tree.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := w.watchTree(registry.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree registers the directory and all subdirectories. fsnotify
// watches are not recursive, so each directory needs its own watch.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Start begins watching for definition changes. It returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.registry.logger.Info("template watcher started", "dir", w.registry.Dir())
}

// Stop halts the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.registry.logger.Error("template watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New subdirectories need their own watch before any file events
	// inside them can arrive.
	if event.Op.Has(fsnotify.Create) {
		if err := w.watchTree(event.Name); err != nil {
			w.registry.logger.Debug("failed to watch new path", "path", event.Name, log.Error(err))
		}
	}

	if !strings.HasSuffix(event.Name, ".wirl") &&
		!event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	w.scheduleReload()
}

// scheduleReload debounces reloads: every event within the window
// resets the timer and a single rescan runs once events settle.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		if err := w.registry.Reload(); err != nil {
			w.registry.logger.Error("template reload failed", log.Error(err))
		}
	})
}
