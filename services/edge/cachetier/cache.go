// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cachetier implements the tiered response cache of the edge
// service: six independently tuned tiers with TTL expiry, LRU trimming
// under memory pressure, stale-on-error fallback, and background
// revalidation for the long-lived tiers.
package cachetier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MemoryProbe reports available system memory for limit adjustment.
type MemoryProbe interface {
	AvailableBytes() (uint64, error)
}

// Config configures the cache engine.
type Config struct {
	// Policies overrides the per-tier tuning. Nil means DefaultPolicies.
	Policies map[CacheType]Policy

	// Client issues upstream fetches. Nil means an http.Client with
	// FetchTimeout.
	Client Doer

	// FetchTimeout bounds each upstream fetch. Default: 8s.
	FetchTimeout time.Duration

	// MaxBodyBytes caps stored response bodies. Default: 8MiB; larger
	// responses pass through uncached.
	MaxBodyBytes int64

	// Probe reports available memory. Nil means SysinfoProbe.
	Probe MemoryProbe

	// LowMemoryBytes is the threshold under which tier limits halve.
	// Default: 512MiB.
	LowMemoryBytes uint64

	// Images overrides the resilience chain for transform-endpoint image
	// fetches. Nil means one built over Client.
	Images *ImageFetcher

	// Version tags stored entries with the running deploy version.
	Version string

	// Clock overrides the time source. Nil means the system clock.
	Clock Clock

	// Logger for cache events. Nil means slog.Default().
	Logger *slog.Logger
}

// Result is one cache-mediated response.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte

	// Status is hit, stale, miss, or bypass.
	Status string

	// Header carries the X-Cache-* diagnostic metadata for cached
	// responses.
	Header http.Header
}

// Cache is the tiered fetch engine. All methods are safe for concurrent
// use; concurrent population of one key is last-write-wins.
type Cache struct {
	store  *Store
	config Config
	clock  Clock
	logger *slog.Logger
	book   *metricsBook
	images *ImageFetcher

	policyMu sync.RWMutex
	policies map[CacheType]Policy

	revalMu   sync.Mutex
	revalBusy map[string]bool
}

// New creates the cache engine over a store.
func New(store *Store, cfg Config) *Cache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 8 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Probe == nil {
		cfg.Probe = SysinfoProbe{}
	}
	if cfg.LowMemoryBytes == 0 {
		cfg.LowMemoryBytes = 512 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	images := cfg.Images
	if images == nil {
		images = NewImageFetcher(cfg.Client, 5*time.Second, cfg.Logger)
	}
	return &Cache{
		store:     store,
		config:    cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		book:      newMetricsBook(),
		images:    images,
		policies:  policies,
		revalBusy: make(map[string]bool),
	}
}

// Metrics returns the per-tier counter snapshot.
func (c *Cache) Metrics() map[CacheType]TierMetrics {
	return c.book.Snapshot()
}

// SetPolicies swaps the per-tier tuning, used by the hot-reload watcher.
// Missing tiers keep their current policy.
func (c *Cache) SetPolicies(p map[CacheType]Policy) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	for t, pol := range p {
		c.policies[t] = pol
	}
}

func (c *Cache) policy(t CacheType) Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policies[t]
}

// Fetch resolves one request through the cache hierarchy.
//
// # Description
//
//	Classifies the request; uncacheable requests pass straight to the
//	network. Cacheable requests are served from a fresh cache entry when
//	present (long-lived tiers also kick a background revalidate), else
//	fetched from the network, stored, and the tier trimmed. A network
//	failure falls back to any existing entry, even an expired one,
//	before surfacing the error.
//
// Outputs:
//
//	*Result - The response with cache diagnostics.
//	error - Non-nil when the network failed and no fallback entry exists.
func (c *Cache) Fetch(ctx context.Context, method, rawURL string) (*Result, error) {
	t, cacheable := Classify(method, rawURL)
	if !cacheable {
		res, err := c.fetchNetwork(ctx, method, rawURL)
		if err != nil {
			return nil, err
		}
		res.Status = "bypass"
		return res, nil
	}

	url := NormalizeURL(rawURL)
	ctx, span := startFetchSpan(ctx, t, url)
	defer span.End()
	start := c.clock.Now()
	defer func() {
		c.book.recordLatency(ctx, t, c.clock.Now().Sub(start))
	}()

	now := c.clock.Now()
	entry, err := c.store.Get(t, url)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("cache read failed, treating as miss", "url", url, "error", err)
		entry = nil
	}

	if entry != nil && !entry.Expired(now) {
		c.book.recordHit(ctx, t)
		if err := c.store.Touch(t, url, now); err != nil {
			c.logger.Warn("cache touch failed", "url", url, "error", err)
		}
		if c.policy(t).RevalidateInBackground {
			c.revalidate(t, url)
		}
		return c.result(entry, "hit", now), nil
	}

	c.book.recordMiss(ctx, t)
	res, err := c.fetchAndStore(ctx, t, url)
	if err == nil {
		return res, nil
	}

	// Network failed; any cached entry beats an error, even expired.
	if entry != nil {
		c.book.recordError(ctx, t)
		c.logger.Warn("network fetch failed, serving stale entry",
			"url", url, "age", entry.Age(now).String(), "error", err)
		return c.result(entry, "stale", now), nil
	}
	c.book.recordError(ctx, t)
	return nil, err
}

// fetchAndStore pulls from the network, persists the entry, and trims the
// tier back under its limit. Transform-endpoint images go through the
// resilience chain instead of a single fetch.
func (c *Cache) fetchAndStore(ctx context.Context, t CacheType, url string) (*Result, error) {
	if t == TypeImages && IsTransformURL(url) {
		return c.fetchImage(ctx, url)
	}
	res, err := c.fetchNetwork(ctx, "GET", url)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("cachetier: upstream %s returned %d", url, res.StatusCode)
	}
	if int64(len(res.Body)) > c.config.MaxBodyBytes {
		res.Status = "bypass"
		return res, nil
	}

	now := c.clock.Now()
	entry := &Entry{
		URL:          url,
		Type:         t,
		StatusCode:   res.StatusCode,
		ContentType:  res.ContentType,
		Body:         res.Body,
		CachedAt:     now,
		TTL:          c.policy(t).TTL,
		LastAccessed: now,
		Version:      c.config.Version,
	}
	if err := c.store.Put(entry); err != nil {
		c.logger.Warn("cache store failed", "url", url, "error", err)
		res.Status = "miss"
		return res, nil
	}
	if err := c.Trim(ctx, t); err != nil {
		c.logger.Warn("cache trim failed", "type", string(t), "error", err)
	}
	return c.result(entry, "miss", now), nil
}

// fetchImage runs the image resilience chain. A body-bearing result is
// cached like any other entry; an opaque passthrough becomes a redirect
// to the URL that verified reachable.
func (c *Cache) fetchImage(ctx context.Context, url string) (*Result, error) {
	img, err := c.images.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if img.Opaque {
		h := http.Header{}
		h.Set("Location", img.ResolvedURL)
		return &Result{
			StatusCode: http.StatusTemporaryRedirect,
			Status:     "bypass",
			Header:     h,
		}, nil
	}
	if int64(len(img.Body)) > c.config.MaxBodyBytes {
		return &Result{
			StatusCode:  http.StatusOK,
			ContentType: img.ContentType,
			Body:        img.Body,
			Status:      "bypass",
			Header:      http.Header{},
		}, nil
	}

	now := c.clock.Now()
	entry := &Entry{
		URL:          url,
		Type:         TypeImages,
		StatusCode:   http.StatusOK,
		ContentType:  img.ContentType,
		Body:         img.Body,
		CachedAt:     now,
		TTL:          c.policy(TypeImages).TTL,
		LastAccessed: now,
		Version:      c.config.Version,
	}
	if err := c.store.Put(entry); err != nil {
		c.logger.Warn("cache store failed", "url", url, "error", err)
		return c.result(entry, "miss", now), nil
	}
	if err := c.Trim(ctx, TypeImages); err != nil {
		c.logger.Warn("cache trim failed", "type", string(TypeImages), "error", err)
	}
	return c.result(entry, "miss", now), nil
}

func (c *Cache) fetchNetwork(ctx context.Context, method, url string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cachetier: build request %s: %w", url, err)
	}
	resp, err := c.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cachetier: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("cachetier: read body %s: %w", url, err)
	}
	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Header:      http.Header{},
	}, nil
}

// revalidate refetches one fresh entry in the background so the long-lived
// tiers stay warm. At most one revalidation per key is in flight.
func (c *Cache) revalidate(t CacheType, url string) {
	key := string(t) + "/" + url
	c.revalMu.Lock()
	if c.revalBusy[key] {
		c.revalMu.Unlock()
		return
	}
	c.revalBusy[key] = true
	c.revalMu.Unlock()

	go func() {
		defer func() {
			c.revalMu.Lock()
			delete(c.revalBusy, key)
			c.revalMu.Unlock()
		}()
		if _, err := c.fetchAndStore(context.Background(), t, url); err != nil {
			c.logger.Debug("background revalidate failed", "url", url, "error", err)
		}
	}()
}

// EffectiveLimit returns the tier's entry limit after the device-memory
// adjustment: limits halve when available memory is below the threshold.
func (c *Cache) EffectiveLimit(t CacheType) int {
	limit := c.policy(t).MaxEntries
	if limit <= 0 {
		return 0
	}
	avail, err := c.config.Probe.AvailableBytes()
	if err != nil {
		return limit
	}
	if avail < c.config.LowMemoryBytes {
		return limit / 2
	}
	return limit
}

// Trim deletes the least-recently-accessed entries until the tier is back
// under its effective limit.
func (c *Cache) Trim(ctx context.Context, t CacheType) error {
	limit := c.EffectiveLimit(t)
	if limit <= 0 {
		return nil
	}
	count, err := c.store.Count(t)
	if err != nil {
		return err
	}
	if count <= limit {
		return nil
	}

	records, err := c.store.AccessOrder(t)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastAccessed.Before(records[j].LastAccessed)
	})

	evicted := 0
	for _, rec := range records {
		if count-evicted <= limit {
			break
		}
		if err := c.store.Delete(t, rec.URL); err != nil {
			return err
		}
		evicted++
	}
	c.book.recordEviction(ctx, t, evicted)
	c.logger.Debug("cache tier trimmed",
		"type", string(t), "evicted", evicted, "limit", limit)
	return nil
}

// Invalidate removes one entry from a tier.
func (c *Cache) Invalidate(t CacheType, rawURL string) error {
	return c.store.Delete(t, NormalizeURL(rawURL))
}

// Clear drops every tier.
func (c *Cache) Clear() error {
	return c.store.DropAll()
}

// result assembles the response with X-Cache-* metadata headers.
func (c *Cache) result(e *Entry, status string, now time.Time) *Result {
	h := http.Header{}
	h.Set("X-Cache-Time", e.CachedAt.UTC().Format(time.RFC3339))
	h.Set("X-Cache-TTL", strconv.Itoa(int(e.TTL.Seconds())))
	h.Set("X-Cache-Type", string(e.Type))
	h.Set("X-Last-Accessed", e.LastAccessed.UTC().Format(time.RFC3339))
	if e.Version != "" {
		h.Set("X-Cache-Version", e.Version)
	}
	return &Result{
		StatusCode:  e.StatusCode,
		ContentType: e.ContentType,
		Body:        e.Body,
		Status:      status,
		Header:      h,
	}
}
