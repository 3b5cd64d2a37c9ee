// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upload pushes user files into object storage. The primary path
// is a progress-tracked binary PUT against a signed URL; when that fails
// for any reason the same bytes are retried once through the GCS SDK
// before the error is surfaced to the caller.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const defaultContentType = "application/octet-stream"

// URLSigner mints a short-lived signed URL accepting a binary PUT for
// the given object.
type URLSigner interface {
	SignedUploadURL(ctx context.Context, bucket, object string) (string, error)
}

// ObjectWriter is the fallback write path, backed by the GCS SDK in
// production and by fakes in tests.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSWriter implements ObjectWriter over a live storage client.
type GCSWriter struct {
	client *storage.Client
}

// NewGCSWriter dials GCS. When saKeyPath is non-empty the file must
// exist and is used for credentials; otherwise ambient credentials apply.
func NewGCSWriter(ctx context.Context, saKeyPath string) (*GCSWriter, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", saKeyPath, err)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject streams data into bucket/object.
func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	obj := w.client.Bucket(bucket).Object(object)
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", object, err)
	}
	return nil
}

// Close releases the underlying client.
func (w *GCSWriter) Close() error {
	return w.client.Close()
}

// Options tune a single upload.
type Options struct {
	// Path is the destination object path. Empty means a
	// collision-resistant path is generated from the filename.
	Path string

	// ContentType for the stored object. Empty defaults to
	// application/octet-stream.
	ContentType string
}

// Result describes a stored object.
type Result struct {
	UploadID  string `json:"upload_id"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	PublicURL string `json:"public_url"`

	// Fallback is true when the signed URL path failed and the SDK
	// retry carried the bytes.
	Fallback bool `json:"fallback"`
}

// Config wires an Uploader.
type Config struct {
	Signer   URLSigner
	Fallback ObjectWriter
	Client   *http.Client
	Registry *ProgressRegistry
	Logger   *slog.Logger
}

// Uploader stores files in a bucket with progress fanout.
//
// Thread Safety: Safe for concurrent use.
type Uploader struct {
	signer   URLSigner
	fallback ObjectWriter
	client   *http.Client
	registry *ProgressRegistry
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewUploader validates the config and returns an Uploader. A Signer is
// required; Fallback is optional but recommended.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("upload: Signer is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewProgressRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		signer:   cfg.Signer,
		fallback: cfg.Fallback,
		client:   client,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Registry returns the progress registry so callers can subscribe before
// starting an upload.
func (u *Uploader) Registry() *ProgressRegistry {
	return u.registry
}

// ObjectPath builds a collision-resistant destination path for filename:
// a date prefix, a uuid, and the sanitized base name.
func (u *Uploader) ObjectPath(filename string) string {
	base := sanitizeName(filepath.Base(filename))
	return fmt.Sprintf("uploads/%s/%s-%s", u.now().UTC().Format("2006/01/02"), u.newID(), base)
}

// UploadFile reads r fully, PUTs it against a signed URL with progress
// events, and on any failure retries the same bytes once through the
// fallback writer. Both paths failing returns an error naming both
// causes.
func (u *Uploader) UploadFile(ctx context.Context, r io.Reader, bucket, filename string, opts Options) (*Result, error) {
	if bucket == "" {
		return nil, fmt.Errorf("upload: bucket is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("upload: failed to read payload: %w", err)
	}

	object := opts.Path
	if object == "" {
		object = u.ObjectPath(filename)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	res := &Result{
		UploadID:  u.newID(),
		Bucket:    bucket,
		Path:      object,
		PublicURL: fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, object),
	}

	primaryErr := u.putSigned(ctx, res, data, contentType)
	if primaryErr == nil {
		u.publishDone(res, int64(len(data)), "")
		return res, nil
	}
	u.logger.Warn("signed upload failed, retrying via SDK",
		"bucket", bucket, "path", object, "error", primaryErr)

	if u.fallback == nil {
		u.publishDone(res, 0, primaryErr.Error())
		return nil, fmt.Errorf("upload of %s failed: %w", object, primaryErr)
	}
	if err := u.fallback.WriteObject(ctx, bucket, object, contentType, data); err != nil {
		combined := fmt.Errorf("upload of %s failed: signed url: %v; sdk retry: %w", object, primaryErr, err)
		u.publishDone(res, 0, combined.Error())
		return nil, combined
	}
	res.Fallback = true
	u.publishDone(res, int64(len(data)), "")
	return res, nil
}

func (u *Uploader) putSigned(ctx context.Context, res *Result, data []byte, contentType string) error {
	signedURL, err := u.signer.SignedUploadURL(ctx, res.Bucket, res.Path)
	if err != nil {
		return fmt.Errorf("failed to sign url: %w", err)
	}

	body := &progressReader{
		r:     bytes.NewReader(data),
		total: int64(len(data)),
		emit: func(sent, total int64) {
			u.registry.Publish(ProgressEvent{
				UploadID:  res.UploadID,
				Bucket:    res.Bucket,
				Path:      res.Path,
				BytesSent: sent,
				TotalSize: total,
			})
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("put returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (u *Uploader) publishDone(res *Result, sent int64, errMsg string) {
	u.registry.Publish(ProgressEvent{
		UploadID:  res.UploadID,
		Bucket:    res.Bucket,
		Path:      res.Path,
		BytesSent: sent,
		TotalSize: sent,
		Done:      true,
		Error:     errMsg,
	})
}

// progressReader emits cumulative byte counts as the HTTP client drains
// the request body.
type progressReader struct {
	r     *bytes.Reader
	total int64
	sent  int64
	emit  func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.emit(p.sent, p.total)
	}
	return n, err
}

func sanitizeName(name string) string {
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
