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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseObjectURL(t *testing.T) {
	in := "https://x.supabase.co/storage/v1/render/image/public/products/a.jpg?width=300&quality=80"
	want := "https://x.supabase.co/storage/v1/object/public/products/a.jpg"
	assert.Equal(t, want, BaseObjectURL(in))

	// Non-transform URLs come back unchanged.
	plain := "https://x.supabase.co/storage/v1/object/public/products/a.jpg"
	assert.Equal(t, plain, BaseObjectURL(plain))
}

func TestImageFetcher_DirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := NewImageFetcher(srv.Client(), time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL+"/storage/v1/render/image/public/p/a.jpg?width=300")
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(res.Body))
	assert.False(t, res.Opaque)
}

func TestImageFetcher_TransformFailureFallsBackToBaseObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsTransformURL(r.URL.Path) {
			// The transform endpoint intermittently rejects certain
			// filename patterns.
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("full-size"))
	}))
	defer srv.Close()

	f := NewImageFetcher(srv.Client(), time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL+"/storage/v1/render/image/public/p/a (1).jpg?width=300")
	require.NoError(t, err)
	assert.Equal(t, "full-size", string(res.Body))
	assert.Contains(t, res.ResolvedURL, "/storage/v1/object/public/")
}

func TestImageFetcher_OpaquePassthroughAsLastResort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewImageFetcher(srv.Client(), time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL+"/storage/v1/render/image/public/p/a.jpg?width=300")
	require.NoError(t, err)
	assert.True(t, res.Opaque)
	assert.Nil(t, res.Body)
	assert.Contains(t, res.ResolvedURL, "/storage/v1/object/public/")
}

func TestImageFetcher_AllStepsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewImageFetcher(srv.Client(), time.Second, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/storage/v1/render/image/public/p/a.jpg?width=300")
	assert.Error(t, err)
}

func TestImageFetcher_NonTransformURLFailsWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewImageFetcher(srv.Client(), time.Second, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/media/plain.jpg")
	assert.Error(t, err)
}

func TestCacheFetch_TransformImageFallsBackAndCaches(t *testing.T) {
	var transformHits, baseHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsTransformURL(r.URL.Path) {
			transformHits++
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		baseHits++
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("full-size"))
	}))
	defer srv.Close()

	policies := DefaultPolicies()
	img := policies[TypeImages]
	img.RevalidateInBackground = false
	policies[TypeImages] = img

	cache := New(newTestStore(t), Config{
		Client:   srv.Client(),
		Probe:    fixedProbe{avail: 4 << 30},
		Policies: policies,
	})

	url := srv.URL + "/storage/v1/render/image/public/p/a.jpg?width=300"
	res, err := cache.Fetch(context.Background(), http.MethodGet, url)
	require.NoError(t, err)
	assert.Equal(t, "miss", res.Status)
	assert.Equal(t, "full-size", string(res.Body))
	assert.Equal(t, 1, baseHits)

	// The fallback result is cached under the transform URL.
	res, err = cache.Fetch(context.Background(), http.MethodGet, url)
	require.NoError(t, err)
	assert.Equal(t, "hit", res.Status)
	assert.Equal(t, "full-size", string(res.Body))
	assert.Equal(t, 1, baseHits)
	assert.Equal(t, 1, transformHits)
}
