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

import "sync"

// ListenAll is the sentinel key subscribing a listener to every upload.
const ListenAll = "all"

// ProgressEvent reports one step of an in-flight upload.
type ProgressEvent struct {
	UploadID  string `json:"upload_id"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	BytesSent int64  `json:"bytes_sent"`
	TotalSize int64  `json:"total_size"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// ProgressListener receives progress events. Listeners must not block;
// they are invoked inline on the upload path.
type ProgressListener func(ProgressEvent)

// ProgressRegistry is the pub/sub fanout for upload progress, keyed by
// upload id or the ListenAll sentinel so multiple independent observers
// can watch one upload.
//
// Thread Safety: Safe for concurrent use.
type ProgressRegistry struct {
	mu        sync.Mutex
	listeners map[string]map[int]ProgressListener
	nextID    int
}

// NewProgressRegistry creates an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{listeners: make(map[string]map[int]ProgressListener)}
}

// Subscribe registers a listener for one upload id, or every upload when
// key is ListenAll. The returned function unsubscribes; it is idempotent.
func (r *ProgressRegistry) Subscribe(key string, fn ProgressListener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.listeners[key] == nil {
		r.listeners[key] = make(map[int]ProgressListener)
	}
	r.listeners[key][id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners[key], id)
			if len(r.listeners[key]) == 0 {
				delete(r.listeners, key)
			}
			r.mu.Unlock()
		})
	}
}

// Publish delivers an event to the upload's listeners and every ListenAll
// listener.
func (r *ProgressRegistry) Publish(ev ProgressEvent) {
	r.mu.Lock()
	var fns []ProgressListener
	for _, fn := range r.listeners[ev.UploadID] {
		fns = append(fns, fn)
	}
	for _, fn := range r.listeners[ListenAll] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ListenerCount returns the number of listeners for a key.
func (r *ProgressRegistry) ListenerCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[key])
}
