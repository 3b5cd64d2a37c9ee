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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	url string
	err error
}

func (s *fakeSigner) SignedUploadURL(_ context.Context, bucket, object string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("%s/%s/%s", s.url, bucket, object), nil
}

type fakeWriter struct {
	mu      sync.Mutex
	err     error
	calls   int
	bucket  string
	object  string
	ctype   string
	payload []byte
}

func (w *fakeWriter) WriteObject(_ context.Context, bucket, object, contentType string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.bucket = bucket
	w.object = object
	w.ctype = contentType
	w.payload = append([]byte(nil), data...)
	return w.err
}

type putRecord struct {
	path  string
	ctype string
	body  []byte
}

func newPutServer(t *testing.T, status int) (*httptest.Server, *[]putRecord) {
	t.Helper()
	var mu sync.Mutex
	var records []putRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		records = append(records, putRecord{
			path:  r.URL.Path,
			ctype: r.Header.Get("Content-Type"),
			body:  body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &records
}

func newTestUploader(t *testing.T, cfg Config) *Uploader {
	t.Helper()
	u, err := NewUploader(cfg)
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	seq := 0
	u.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return u
}

func TestNewUploader_RequiresSigner(t *testing.T) {
	_, err := NewUploader(Config{})
	require.Error(t, err)
}

func TestUploadFile_SignedPutSucceeds(t *testing.T) {
	srv, records := newPutServer(t, http.StatusOK)
	writer := &fakeWriter{}
	u := newTestUploader(t, Config{
		Signer:   &fakeSigner{url: srv.URL},
		Fallback: writer,
	})

	res, err := u.UploadFile(context.Background(), strings.NewReader("hello world"),
		"product-images", "hoodie front.png", Options{ContentType: "image/png"})
	require.NoError(t, err)

	assert.False(t, res.Fallback)
	assert.Equal(t, "product-images", res.Bucket)
	assert.Equal(t, "uploads/2025/06/15/id-1-hoodie_front.png", res.Path)
	assert.Equal(t, "https://storage.googleapis.com/product-images/"+res.Path, res.PublicURL)

	require.Len(t, *records, 1)
	rec := (*records)[0]
	assert.Equal(t, "/product-images/"+res.Path, rec.path)
	assert.Equal(t, "image/png", rec.ctype)
	assert.Equal(t, "hello world", string(rec.body))
	assert.Equal(t, 0, writer.calls)
}

func TestUploadFile_ExplicitPathAndDefaultContentType(t *testing.T) {
	srv, records := newPutServer(t, http.StatusOK)
	u := newTestUploader(t, Config{Signer: &fakeSigner{url: srv.URL}})

	res, err := u.UploadFile(context.Background(), strings.NewReader("x"),
		"product-images", "ignored.bin", Options{Path: "banners/summer.bin"})
	require.NoError(t, err)

	assert.Equal(t, "banners/summer.bin", res.Path)
	require.Len(t, *records, 1)
	assert.Equal(t, "application/octet-stream", (*records)[0].ctype)
}

func TestUploadFile_FallsBackToSDKOnPutFailure(t *testing.T) {
	srv, _ := newPutServer(t, http.StatusForbidden)
	writer := &fakeWriter{}
	u := newTestUploader(t, Config{
		Signer:   &fakeSigner{url: srv.URL},
		Fallback: writer,
	})

	res, err := u.UploadFile(context.Background(), strings.NewReader("payload"),
		"product-images", "a.png", Options{ContentType: "image/png"})
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, "product-images", writer.bucket)
	assert.Equal(t, res.Path, writer.object)
	assert.Equal(t, "image/png", writer.ctype)
	assert.Equal(t, "payload", string(writer.payload))
}

func TestUploadFile_FallsBackWhenSigningFails(t *testing.T) {
	writer := &fakeWriter{}
	u := newTestUploader(t, Config{
		Signer:   &fakeSigner{err: errors.New("signer down")},
		Fallback: writer,
	})

	res, err := u.UploadFile(context.Background(), strings.NewReader("payload"),
		"product-images", "a.png", Options{})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 1, writer.calls)
}

func TestUploadFile_BothPathsFailNamesBothCauses(t *testing.T) {
	srv, _ := newPutServer(t, http.StatusInternalServerError)
	writer := &fakeWriter{err: errors.New("bucket gone")}
	u := newTestUploader(t, Config{
		Signer:   &fakeSigner{url: srv.URL},
		Fallback: writer,
	})

	_, err := u.UploadFile(context.Background(), strings.NewReader("payload"),
		"product-images", "a.png", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestUploadFile_NoFallbackSurfacesPrimaryError(t *testing.T) {
	srv, _ := newPutServer(t, http.StatusBadGateway)
	u := newTestUploader(t, Config{Signer: &fakeSigner{url: srv.URL}})

	_, err := u.UploadFile(context.Background(), strings.NewReader("payload"),
		"product-images", "a.png", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestUploadFile_RequiresBucket(t *testing.T) {
	u := newTestUploader(t, Config{Signer: &fakeSigner{url: "http://unused"}})
	_, err := u.UploadFile(context.Background(), strings.NewReader("x"), "", "a.png", Options{})
	require.Error(t, err)
}

func TestUploadFile_EmitsProgressThenDone(t *testing.T) {
	srv, _ := newPutServer(t, http.StatusOK)
	registry := NewProgressRegistry()
	u := newTestUploader(t, Config{
		Signer:   &fakeSigner{url: srv.URL},
		Registry: registry,
	})

	var mu sync.Mutex
	var events []ProgressEvent
	unsub := registry.Subscribe(ListenAll, func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsub()

	payload := strings.Repeat("a", 4096)
	_, err := u.UploadFile(context.Background(), strings.NewReader(payload),
		"product-images", "big.bin", Options{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.Empty(t, last.Error)
	assert.Equal(t, int64(len(payload)), last.BytesSent)

	var prev int64
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Done)
		assert.GreaterOrEqual(t, ev.BytesSent, prev)
		assert.Equal(t, int64(len(payload)), ev.TotalSize)
		prev = ev.BytesSent
	}
}

func TestObjectPath_SanitizesAndDatesNames(t *testing.T) {
	u := newTestUploader(t, Config{Signer: &fakeSigner{url: "http://unused"}})

	assert.Equal(t, "uploads/2025/06/15/id-1-weird_name_.png", u.ObjectPath("weird name?.png"))
	assert.Equal(t, "uploads/2025/06/15/id-2-file", u.ObjectPath(""))
	assert.Equal(t, "uploads/2025/06/15/id-3-evil.txt", u.ObjectPath("../../evil.txt"))
}
