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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "cache_policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadPolicies(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), `
product_data:
  ttl: 2m
  max_entries: 800
images:
  ttl: 48h
  max_entries: 400
  revalidate_in_background: true
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, 2*time.Minute, policies[TypeProductData].TTL)
	assert.Equal(t, 800, policies[TypeProductData].MaxEntries)
	assert.Equal(t, 48*time.Hour, policies[TypeImages].TTL)
	assert.True(t, policies[TypeImages].RevalidateInBackground)
}

func TestLoadPolicies_RejectsUnknownTier(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), "mystery:\n  ttl: 1m\n  max_entries: 5\n")
	_, err := LoadPolicies(path)
	assert.Error(t, err)
}

func TestLoadPolicies_RejectsBadDuration(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), "images:\n  ttl: soon\n  max_entries: 5\n")
	_, err := LoadPolicies(path)
	assert.Error(t, err)
}

func TestLoadPolicies_RejectsNonPositiveLimit(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), "images:\n  ttl: 1h\n  max_entries: 0\n")
	_, err := LoadPolicies(path)
	assert.Error(t, err)
}

func TestPolicyWatcher_AppliesInitialAndReloadedPolicies(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "product_data:\n  ttl: 2m\n  max_entries: 800\n")

	c, _, _ := newTestCache(t, nil)
	w := NewPolicyWatcher(path, c, nil)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, 2*time.Minute, c.policy(TypeProductData).TTL)

	require.NoError(t, os.WriteFile(path, []byte("product_data:\n  ttl: 45s\n  max_entries: 200\n"), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.policy(TypeProductData).TTL == 45*time.Second {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 45*time.Second, c.policy(TypeProductData).TTL)
	assert.Equal(t, 200, c.policy(TypeProductData).MaxEntries)
}

func TestPolicyWatcher_MalformedReloadKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "product_data:\n  ttl: 2m\n  max_entries: 800\n")

	c, _, _ := newTestCache(t, nil)
	w := NewPolicyWatcher(path, c, nil)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("not yaml: ["), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2*time.Minute, c.policy(TypeProductData).TTL)
}

func TestPolicyWatcher_StartFailsOnMissingFile(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	w := NewPolicyWatcher(filepath.Join(t.TempDir(), "absent.yaml"), c, nil)
	assert.Error(t, w.Start())
}
