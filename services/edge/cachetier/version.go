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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeployVersion is the payload of the deploy-version endpoint.
type DeployVersion struct {
	DeployID  string `json:"deployId"`
	BuildTime string `json:"buildTime"`
	Timestamp int64  `json:"timestamp"`
}

// VersionStatus is the comparison between the running build and the
// currently deployed one.
type VersionStatus struct {
	Current         string        `json:"current"`
	Deployed        DeployVersion `json:"deployed"`
	UpdateAvailable bool          `json:"update_available"`
}

// VersionChecker polls the deploy-version endpoint and compares it to the
// embedded build version. The caller is notified of an available update;
// the cache is never invalidated silently on a version change.
type VersionChecker struct {
	client  Doer
	url     string
	current string
	timeout time.Duration
}

// NewVersionChecker creates a checker against the deploy-version endpoint.
func NewVersionChecker(client Doer, endpoint, currentVersion string) *VersionChecker {
	if client == nil {
		client = &http.Client{}
	}
	return &VersionChecker{
		client:  client,
		url:     endpoint,
		current: currentVersion,
		timeout: 5 * time.Second,
	}
}

// Current returns the embedded build version.
func (v *VersionChecker) Current() string { return v.current }

// Check fetches the deployed version and compares deploy IDs.
func (v *VersionChecker) Check(ctx context.Context) (*VersionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("cachetier: build version request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cachetier: version check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("cachetier: version endpoint returned %d", resp.StatusCode)
	}

	var deployed DeployVersion
	if err := json.NewDecoder(resp.Body).Decode(&deployed); err != nil {
		return nil, fmt.Errorf("cachetier: decode version payload: %w", err)
	}
	return &VersionStatus{
		Current:         v.current,
		Deployed:        deployed,
		UpdateAvailable: deployed.DeployID != "" && deployed.DeployID != v.current,
	}, nil
}
