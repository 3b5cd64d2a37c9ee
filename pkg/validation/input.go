// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// backend query parameters, storage object paths, or realtime channel
// topics. Using these validators prevents injection attacks (query
// injection, path traversal) at the edge boundary.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tablePattern matches backend table names: lowercase snake_case, max 63
// characters (the backend's identifier limit).
var tablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// slugPattern matches storefront slugs: lowercase alphanumerics and
// hyphens, no leading/trailing hyphen.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// bucketPattern matches storage bucket names: lowercase alphanumerics,
// dots and hyphens, 3-63 characters.
var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ValidateTable validates a table name before it is used in a REST query
// or a realtime channel topic.
//
// Example:
//
//	if err := validation.ValidateTable(table); err != nil {
//	    return nil, fmt.Errorf("invalid table: %w", err)
//	}
func ValidateTable(table string) error {
	if table == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !tablePattern.MatchString(table) {
		return fmt.Errorf("invalid table name: %q (must be lowercase snake_case, max 63 chars)", table)
	}
	return nil
}

// ValidateFunction validates a stored-procedure name before it is used in
// an RPC endpoint path. Function names follow the same identifier rules as
// tables.
func ValidateFunction(fn string) error {
	if fn == "" {
		return fmt.Errorf("function name cannot be empty")
	}
	if !tablePattern.MatchString(fn) {
		return fmt.Errorf("invalid function name: %q (must be lowercase snake_case, max 63 chars)", fn)
	}
	return nil
}

// ValidateSlug validates a product or collection slug before it is
// interpolated into preload query parameters.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}
	if len(slug) > 128 {
		return fmt.Errorf("slug too long: %d chars (max 128)", len(slug))
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug: %q (must be lowercase alphanumerics and hyphens)", slug)
	}
	return nil
}

// ValidateBucket validates a storage bucket name.
func ValidateBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name: %q (must be 3-63 lowercase alphanumerics, dots, or hyphens)", bucket)
	}
	return nil
}

// ValidateObjectPath validates a storage object path: no traversal
// segments, no absolute paths, no control characters.
func ValidateObjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("object path cannot be empty")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("object path must be relative: %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("object path contains traversal segment: %q", path)
		}
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("object path contains control characters")
		}
	}
	return nil
}

// SanitizeSlug normalizes and validates a slug. Returns the lowercase
// slug if valid, or an error.
//
// Use this when you need both validation and normalization:
//
//	safeSlug, err := validation.SanitizeSlug(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeSlug(slug string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
