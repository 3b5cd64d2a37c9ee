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
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	transformPathMarker = "/storage/v1/render/image/public/"
	baseObjectPath      = "/storage/v1/object/public/"
)

// ImageFetcher fetches images from the storage provider's transform
// endpoint, which intermittently 400s on certain filename patterns. It
// tries, in order:
//
//  1. the transform URL directly, with a timeout
//  2. the reconstructed base-object URL with transform parameters stripped
//  3. a HEAD-verified passthrough of the base object, returning the URL
//     for the caller to load opaquely
//
// Thread Safety: Safe for concurrent use.
type ImageFetcher struct {
	client  Doer
	timeout time.Duration
	logger  *slog.Logger
}

// ImageResult is one resolved image.
type ImageResult struct {
	// Body is the image bytes; nil for an opaque passthrough.
	Body        []byte
	ContentType string

	// ResolvedURL is the URL that finally served the image.
	ResolvedURL string

	// Opaque marks a step-3 result: verified reachable, body not read.
	Opaque bool
}

// NewImageFetcher creates a fetcher. timeout <= 0 defaults to 5s.
func NewImageFetcher(client Doer, timeout time.Duration, logger *slog.Logger) *ImageFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageFetcher{client: client, timeout: timeout, logger: logger}
}

// IsTransformURL reports whether a URL targets the transform endpoint.
func IsTransformURL(rawURL string) bool {
	return strings.Contains(rawURL, transformPathMarker)
}

// BaseObjectURL strips the transform path and parameters, yielding the
// stored object's direct URL. Non-transform URLs come back unchanged.
func BaseObjectURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if !strings.Contains(u.Path, transformPathMarker) {
		return rawURL
	}
	u.Path = strings.Replace(u.Path, transformPathMarker, baseObjectPath, 1)
	u.RawQuery = "" // width/height/quality parameters only apply to transforms
	return u.String()
}

// Fetch resolves one image through the fallback chain.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (*ImageResult, error) {
	res, directErr := f.get(ctx, rawURL)
	if directErr == nil {
		return res, nil
	}
	if !IsTransformURL(rawURL) {
		return nil, directErr
	}

	base := BaseObjectURL(rawURL)
	f.logger.Debug("transform fetch failed, trying base object",
		"url", rawURL, "base", base, "error", directErr)
	res, baseErr := f.get(ctx, base)
	if baseErr == nil {
		return res, nil
	}

	// Last resort: verify the object is reachable and let the caller load
	// it opaquely.
	if headErr := f.head(ctx, base); headErr == nil {
		f.logger.Debug("base object fetch failed, passing through opaquely",
			"base", base, "error", baseErr)
		return &ImageResult{ResolvedURL: base, Opaque: true}, nil
	}

	return nil, fmt.Errorf("cachetier: image %s unreachable: direct: %v; base: %w", rawURL, directErr, baseErr)
}

func (f *ImageFetcher) get(ctx context.Context, rawURL string) (*ImageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cachetier: build image request %s: %w", rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cachetier: image fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("cachetier: image fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cachetier: read image %s: %w", rawURL, err)
	}
	return &ImageResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		ResolvedURL: rawURL,
	}, nil
}

func (f *ImageFetcher) head(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
