// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cachetier

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// yamlPolicy is the on-disk form of one tier's overrides. TTL is a Go
// duration string ("30s", "5m", "24h").
type yamlPolicy struct {
	TTL                    string `yaml:"ttl"`
	MaxEntries             int    `yaml:"max_entries"`
	RevalidateInBackground bool   `yaml:"revalidate_in_background"`
}

// policyFile maps tier name to overrides. Tiers absent from the file keep
// their defaults.
//
//	product_data:
//	  ttl: 2m
//	  max_entries: 800
type policyFile map[string]yamlPolicy

// LoadPolicies reads per-tier overrides from a YAML file.
func LoadPolicies(path string) (map[CacheType]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cachetier: read policy file: %w", err)
	}
	var raw policyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cachetier: parse policy file %s: %w", path, err)
	}

	known := make(map[string]CacheType, len(AllTypes))
	for _, t := range AllTypes {
		known[string(t)] = t
	}
	out := make(map[CacheType]Policy, len(raw))
	for name, yp := range raw {
		t, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("cachetier: unknown cache type %q in %s", name, path)
		}
		ttl, err := time.ParseDuration(yp.TTL)
		if err != nil {
			return nil, fmt.Errorf("cachetier: cache type %q: bad ttl %q: %w", name, yp.TTL, err)
		}
		if ttl <= 0 || yp.MaxEntries <= 0 {
			return nil, fmt.Errorf("cachetier: cache type %q needs positive ttl and max_entries", name)
		}
		out[t] = Policy{
			TTL:                    ttl,
			MaxEntries:             yp.MaxEntries,
			RevalidateInBackground: yp.RevalidateInBackground,
		}
	}
	return out, nil
}

// PolicyWatcher hot-reloads cache policy overrides when the YAML file
// changes, so TTL and limit tuning does not require a restart. Events are
// debounced; editors produce bursts of writes for one save.
type PolicyWatcher struct {
	path     string
	cache    *Cache
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPolicyWatcher creates a stopped watcher for path.
func NewPolicyWatcher(path string, cache *Cache, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:     path,
		cache:    cache,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
}

// Start applies the current file contents and begins watching for changes.
func (w *PolicyWatcher) Start() error {
	policies, err := LoadPolicies(w.path)
	if err != nil {
		return err
	}
	w.cache.SetPolicies(policies)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cachetier: create policy watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("cachetier: watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.run(watcher, done)
	w.logger.Info("cache policy watcher started", "path", w.path)
	return nil
}

func (w *PolicyWatcher) run(watcher *fsnotify.Watcher, done chan struct{}) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

// reload re-reads the file. A malformed file keeps the current policies.
func (w *PolicyWatcher) reload() {
	policies, err := LoadPolicies(w.path)
	if err != nil {
		w.logger.Warn("policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.cache.SetPolicies(policies)
	w.logger.Info("cache policies reloaded", "path", w.path, "tiers", len(policies))
}

// Stop halts watching. Idempotent.
func (w *PolicyWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}
