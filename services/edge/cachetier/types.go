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

import "time"

// CacheType identifies one tier of the response cache hierarchy. Each tier
// has its own TTL, entry limit, and refresh behavior.
type CacheType string

const (
	// TypeStatic holds versioned build artifacts (hashed JS/CSS bundles).
	TypeStatic CacheType = "static"
	// TypeAssets holds fonts, icons, and other unhashed site assets.
	TypeAssets CacheType = "assets"
	// TypeImages holds product and content images.
	TypeImages CacheType = "images"
	// TypeMetadata holds slowly-changing catalog metadata.
	TypeMetadata CacheType = "metadata"
	// TypeProductData holds product listings and detail responses.
	TypeProductData CacheType = "product_data"
	// TypeDynamicData holds per-session dynamic responses (cart badges,
	// availability counts) that tolerate only seconds of staleness.
	TypeDynamicData CacheType = "dynamic_data"
)

// AllTypes lists every tier, in decreasing TTL order.
var AllTypes = []CacheType{
	TypeStatic, TypeAssets, TypeImages, TypeMetadata, TypeProductData, TypeDynamicData,
}

// Policy is the retention tuning for one cache tier.
type Policy struct {
	// TTL is how long an entry is served without revalidation.
	TTL time.Duration

	// MaxEntries bounds the tier. The oldest-accessed entries are trimmed
	// first once the bound is exceeded.
	MaxEntries int

	// RevalidateInBackground serves a fresh hit immediately and kicks a
	// non-blocking refetch, keeping long-lived tiers warm.
	RevalidateInBackground bool
}

// DefaultPolicies returns the stock per-tier tuning.
func DefaultPolicies() map[CacheType]Policy {
	return map[CacheType]Policy{
		TypeStatic:      {TTL: 7 * 24 * time.Hour, MaxEntries: 100, RevalidateInBackground: true},
		TypeAssets:      {TTL: 24 * time.Hour, MaxEntries: 200, RevalidateInBackground: true},
		TypeImages:      {TTL: 24 * time.Hour, MaxEntries: 300, RevalidateInBackground: true},
		TypeMetadata:    {TTL: time.Hour, MaxEntries: 1000},
		TypeProductData: {TTL: 5 * time.Minute, MaxEntries: 500},
		TypeDynamicData: {TTL: 30 * time.Second, MaxEntries: 100},
	}
}

// Entry is one cached response with the metadata needed for expiry, LRU
// trimming, and the X-Cache-* diagnostic headers.
type Entry struct {
	// URL is the normalized request URL (scheme, host, path, sorted query).
	URL string `json:"url"`

	// Type is the tier the entry belongs to.
	Type CacheType `json:"type"`

	// StatusCode and headers/body reproduce the upstream response.
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`

	// TTL is the tier TTL at store time.
	TTL time.Duration `json:"ttl"`

	// LastAccessed orders entries for LRU trimming.
	LastAccessed time.Time `json:"last_accessed"`

	// Version is the deploy version the entry was stored under.
	Version string `json:"version,omitempty"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// Age returns how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Clock abstracts time for deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
