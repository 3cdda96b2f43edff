// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// defaultDebounce settles editor auto-save bursts before a reload.
const defaultDebounce = 500 * time.Millisecond

// Reloader watches the template directory and reloads changed files.
// A file that fails validation is skipped and the previous version
// stays live.
type Reloader struct {
	library  *Library
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewReloader creates a reloader over the library's directory.
func NewReloader(library *Library, debounce time.Duration, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Reloader{
		library:  library,
		watcher:  watcher,
		logger:   logger,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The loop stops on Stop or context cancel.
func (r *Reloader) Start(ctx context.Context) error {
	if err := r.watcher.Add(r.library.dir); err != nil {
		return fmt.Errorf("failed to watch template dir: %w", err)
	}
	r.logger.Info("template hot reload started", zap.String("dir", r.library.dir))
	go r.loop(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to drain.
func (r *Reloader) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
		r.watcher.Close()
	})
	<-r.doneCh
}

func (r *Reloader) loop(ctx context.Context) {
	defer close(r.doneCh)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handle(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("template watcher error", zap.Error(err))
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !isYAML(name) || strings.HasPrefix(name, ".") || strings.Contains(name, "~") {
		return
	}
	r.schedule(event.Name, func() { r.apply(event) })
}

// schedule debounces per file; only the last event in a burst fires.
func (r *Reloader) schedule(key string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(r.debounce, func() {
		fn()
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
	})
}

func (r *Reloader) apply(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		r.library.DropFile(event.Name)
		r.logger.Info("template file removed", zap.String("file", event.Name))
	default:
		if err := r.library.LoadFile(event.Name); err != nil {
			r.logger.Error("template reload skipped, previous version stays live",
				zap.String("file", event.Name),
				zap.Error(err))
			return
		}
		r.logger.Info("template file reloaded", zap.String("file", event.Name))
	}
}
