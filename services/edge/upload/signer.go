// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StorageSigner requests signed upload URLs from the BaaS storage API
// (POST /object/upload/sign/{bucket}/{path}).
type StorageSigner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStorageSigner builds a signer against the storage root, e.g.
// https://proj.supabase.co/storage/v1.
func NewStorageSigner(baseURL, apiKey string, client *http.Client) (*StorageSigner, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("upload: storage base URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &StorageSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}, nil
}

// SignedUploadURL mints a one-shot PUT URL for bucket/object.
func (s *StorageSigner) SignedUploadURL(ctx context.Context, bucket, object string) (string, error) {
	endpoint := fmt.Sprintf("%s/object/upload/sign/%s/%s", s.baseURL, bucket, object)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("sign request returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode sign response: %w", err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("sign response contained no url")
	}

	// The API may return a path relative to the storage root.
	if strings.HasPrefix(payload.URL, "/") {
		return s.baseURL + payload.URL, nil
	}
	return payload.URL, nil
}
