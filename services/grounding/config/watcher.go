// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses editor save bursts into one reload.
const DefaultDebounce = 250 * time.Millisecond

// ChangeHandler receives a freshly loaded, validated configuration.
type ChangeHandler func(Config)

// Watcher reloads a config file when it changes on disk.
//
// # Description
//
// The file's directory is watched rather than the file so that editors
// which replace the file by rename are still seen. Events for other files
// are ignored. After the debounce window the file is re-Loaded; an invalid
// file is logged and the previous configuration stays in effect.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines. Handlers run on
// the watcher goroutine, one at a time.
type Watcher struct {
	path     string
	debounce time.Duration
	handlers []ChangeHandler

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for path. debounce <= 0 uses DefaultDebounce.
func NewWatcher(path string, debounce time.Duration, handlers ...ChangeHandler) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return &Watcher{path: path, debounce: debounce, handlers: handlers}
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("config watcher already started")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.loop(ctx, fw, w.done, w.stopped)
	slog.Info("Watching config file", "path", w.path)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, done, stopped := w.watcher, w.done, w.stopped
	w.watcher = nil
	w.mu.Unlock()
	if fw == nil {
		return
	}
	close(done)
	fw.Close()
	<-stopped
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done, stopped chan struct{}) {
	defer close(stopped)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	// A rename-away leaves nothing to read; Load would fall back to defaults.
	if _, err := os.Stat(w.path); err != nil {
		slog.Warn("Config file missing, keeping current settings", "path", w.path, "error", err)
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("Config reload rejected", "path", w.path, "error", err)
		return
	}
	slog.Info("Config reloaded", "path", w.path)
	for _, h := range w.handlers {
		h(cfg)
	}
}
