// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is a narrow client for the hosted data API.
//
// The storefront's backend exposes an auto-generated REST surface for row
// selects with equality filters plus RPC-style stored procedure invocation.
// Only the operations the edge layer needs are implemented here; everything
// else about the backend is out of scope.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Row is one record returned by a table select. Values are the decoded JSON
// column values.
type Row map[string]any

// Fetcher is the read surface the polling fallback and page preloader
// depend on. *Client implements it.
type Fetcher interface {
	// Select returns all rows of table matching every equality filter.
	Select(ctx context.Context, table string, filters map[string]string) ([]Row, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend REST root, e.g. https://proj.example.co/rest/v1.
	BaseURL string

	// APIKey is sent as both the apikey header and bearer token.
	APIKey string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// HTTPClient overrides the transport. Nil means a client with Timeout.
	HTTPClient *http.Client
}

// Client talks to the backend's REST and RPC endpoints.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Select fetches rows from table where every filter column equals its value.
func (c *Client) Select(ctx context.Context, table string, filters map[string]string) ([]Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	for col, val := range filters {
		q.Set(col, "eq."+val)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(table), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build select request for %s: %w", table, err)
	}
	c.setAuth(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: select %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("backend: select %s: status %d: %s", table, resp.StatusCode, bytes.TrimSpace(body))
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("backend: decode %s rows: %w", table, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// RPC invokes a stored procedure and returns the raw JSON result.
func (c *Client) RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal rpc args for %s: %w", fn, err)
	}

	endpoint := fmt.Sprintf("%s/rpc/%s", c.baseURL, url.PathEscape(fn))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend: build rpc request for %s: %w", fn, err)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: rpc %s: %w", fn, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read rpc %s response: %w", fn, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend: rpc %s: status %d: %s", fn, resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.RawMessage(body), nil
}
