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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/storefront-edge/pkg/validation"
)

// CommandType is the closed set of control-channel actions.
type CommandType string

const (
	CmdSkipWaiting      CommandType = "SKIP_WAITING"
	CmdInvalidateCache  CommandType = "INVALIDATE_CACHE"
	CmdClearAllCaches   CommandType = "CLEAR_ALL_CACHES"
	CmdGetVersion       CommandType = "GET_VERSION"
	CmdGetMetrics       CommandType = "GET_METRICS"
	CmdPreloadPage      CommandType = "PRELOAD_PAGE"
	CmdPrioritizeImages CommandType = "PRIORITIZE_IMAGES"
)

// Command is one typed control-channel request.
type Command struct {
	Type CommandType `json:"type"`

	// CacheName and URL select the entry for INVALIDATE_CACHE.
	CacheName CacheType `json:"cacheName,omitempty"`
	URL       string    `json:"url,omitempty"`

	// PageType and Slug select the page for PRELOAD_PAGE.
	PageType string `json:"pageType,omitempty"`
	Slug     string `json:"slug,omitempty"`

	// Pattern selects images for PRIORITIZE_IMAGES.
	Pattern string `json:"pattern,omitempty"`
}

// Reply is the response to a control-channel command.
type Reply struct {
	Type string `json:"type"`

	Version string                    `json:"version,omitempty"`
	Metrics map[CacheType]TierMetrics `json:"metrics,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// ControllerConfig wires the control surface to its collaborators.
type ControllerConfig struct {
	// Cache is the tiered cache the commands act on. Required.
	Cache *Cache

	// Version answers GET_VERSION. Required.
	Version *VersionChecker

	// BackendURL is the base URL preloads fetch through the cache.
	BackendURL string

	// OnSkipWaiting is invoked when the page accepts a pending update.
	OnSkipWaiting func()

	// Logger for command handling. Nil means slog.Default().
	Logger *slog.Logger
}

// Controller dispatches the typed control protocol between pages and the
// cache layer.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	cache      *Cache
	version    *VersionChecker
	backendURL string
	onSkip     func()
	logger     *slog.Logger

	mu      sync.Mutex
	skipped bool
}

// NewController creates the dispatcher.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cachetier: controller requires a cache")
	}
	if cfg.Version == nil {
		return nil, fmt.Errorf("cachetier: controller requires a version checker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cache:      cfg.Cache,
		version:    cfg.Version,
		backendURL: strings.TrimRight(cfg.BackendURL, "/"),
		onSkip:     cfg.OnSkipWaiting,
		logger:     logger,
	}, nil
}

// SkippedWaiting reports whether the page has accepted a pending update.
func (ctl *Controller) SkippedWaiting() bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.skipped
}

// Handle dispatches one command and returns its reply. Unknown commands
// and handler failures come back as ERROR replies, not Go errors; the
// control channel itself stays healthy.
func (ctl *Controller) Handle(ctx context.Context, cmd Command) Reply {
	switch cmd.Type {
	case CmdSkipWaiting:
		ctl.mu.Lock()
		ctl.skipped = true
		ctl.mu.Unlock()
		if ctl.onSkip != nil {
			ctl.onSkip()
		}
		return Reply{Type: "ACK"}

	case CmdInvalidateCache:
		if cmd.CacheName == "" || cmd.URL == "" {
			return Reply{Type: "ERROR", Error: "cacheName and url are required"}
		}
		if err := ctl.cache.Invalidate(cmd.CacheName, cmd.URL); err != nil {
			return Reply{Type: "ERROR", Error: err.Error()}
		}
		return Reply{Type: "ACK"}

	case CmdClearAllCaches:
		if err := ctl.cache.Clear(); err != nil {
			return Reply{Type: "ERROR", Error: err.Error()}
		}
		return Reply{Type: "ACK"}

	case CmdGetVersion:
		return Reply{Type: "VERSION_INFO", Version: ctl.version.Current()}

	case CmdGetMetrics:
		return Reply{Type: "METRICS", Metrics: ctl.cache.Metrics()}

	case CmdPreloadPage:
		if cmd.PageType == "" || cmd.Slug == "" {
			return Reply{Type: "ERROR", Error: "pageType and slug are required"}
		}
		slug, err := validation.SanitizeSlug(cmd.Slug)
		if err != nil {
			return Reply{Type: "ERROR", Error: err.Error()}
		}
		ctl.preloadPage(cmd.PageType, slug)
		return Reply{Type: "ACK"}

	case CmdPrioritizeImages:
		if cmd.Pattern == "" {
			return Reply{Type: "ERROR", Error: "pattern is required"}
		}
		n, err := ctl.prioritizeImages(cmd.Pattern)
		if err != nil {
			return Reply{Type: "ERROR", Error: err.Error()}
		}
		ctl.logger.Info("prioritized cached images", "pattern", cmd.Pattern, "count", n)
		return Reply{Type: "ACK"}

	default:
		return Reply{Type: "ERROR", Error: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
}

// preloadURLs maps a page to the backend requests that warm its caches.
func (ctl *Controller) preloadURLs(pageType, slug string) []string {
	switch pageType {
	case "product":
		return []string{
			ctl.backendURL + "/rest/v1/products?select=*&slug=eq." + slug,
			ctl.backendURL + "/rest/v1/inventory?select=*&product_slug=eq." + slug,
		}
	case "collection":
		return []string{
			ctl.backendURL + "/rest/v1/collections?select=*&slug=eq." + slug,
			ctl.backendURL + "/rest/v1/products?select=*&collection_slug=eq." + slug,
		}
	default:
		return nil
	}
}

// preloadPage warms the page's backend responses in the background; the
// reply does not wait for the fetches.
func (ctl *Controller) preloadPage(pageType, slug string) {
	urls := ctl.preloadURLs(pageType, slug)
	if len(urls) == 0 {
		ctl.logger.Warn("preload for unknown page type", "page_type", pageType)
		return
	}
	go func() {
		for _, u := range urls {
			if _, err := ctl.cache.Fetch(context.Background(), "GET", u); err != nil {
				ctl.logger.Debug("preload fetch failed", "url", u, "error", err)
			}
		}
	}()
}

// prioritizeImages bumps matching image entries to the back of the LRU
// order and revalidates them so they survive the next trim.
func (ctl *Controller) prioritizeImages(pattern string) (int, error) {
	records, err := ctl.cache.store.AccessOrder(TypeImages)
	if err != nil {
		return 0, err
	}
	now := ctl.cache.clock.Now()
	n := 0
	for _, rec := range records {
		if !strings.Contains(rec.URL, pattern) {
			continue
		}
		if err := ctl.cache.store.Touch(TypeImages, rec.URL, now); err != nil {
			return n, err
		}
		ctl.cache.revalidate(TypeImages, rec.URL)
		n++
	}
	return n, nil
}
