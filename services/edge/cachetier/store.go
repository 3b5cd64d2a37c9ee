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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a cache key has no entry.
var ErrNotFound = errors.New("cachetier: entry not found")

// Store persists cache entries in BadgerDB, keyed by "<type>/<url>".
// Entries survive restarts so the long-lived tiers stay warm across
// deploys.
//
// There is no lock around read-modify-write: concurrent population of the
// same key is last-write-wins, which is acceptable for a cache.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// NewStore wraps an opened database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func entryKey(t CacheType, url string) []byte {
	return []byte(string(t) + "/" + url)
}

func typePrefix(t CacheType) []byte {
	return []byte(string(t) + "/")
}

// Put stores or overwrites an entry under its type and normalized URL.
func (s *Store) Put(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cachetier: marshal entry %s: %w", e.URL, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Type, e.URL), data)
	})
	if err != nil {
		return fmt.Errorf("cachetier: put %s: %w", e.URL, err)
	}
	return nil
}

// Get loads one entry. Returns ErrNotFound when absent.
func (s *Store) Get(t CacheType, url string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(t, url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cachetier: get %s: %w", url, err)
	}
	return &e, nil
}

// Touch bumps an entry's last-accessed marker for LRU ordering. Missing
// entries are ignored; the entry may have been trimmed concurrently.
func (s *Store) Touch(t CacheType, url string, now time.Time) error {
	e, err := s.Get(t, url)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.LastAccessed = now
	return s.Put(e)
}

// Delete removes one entry. Deleting a missing key is not an error.
func (s *Store) Delete(t CacheType, url string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(t, url))
	})
	if err != nil {
		return fmt.Errorf("cachetier: delete %s: %w", url, err)
	}
	return nil
}

// Count returns the number of entries in one tier.
func (s *Store) Count(t CacheType) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = typePrefix(t)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cachetier: count %s: %w", t, err)
	}
	return n, nil
}

// AccessRecord pairs a URL with its last-accessed marker, for LRU trims.
type AccessRecord struct {
	URL          string
	LastAccessed time.Time
}

// AccessOrder returns every entry in a tier with its last-accessed time.
// The caller sorts; the store only reads.
func (s *Store) AccessOrder(t CacheType) ([]AccessRecord, error) {
	var out []AccessRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = typePrefix(t)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			out = append(out, AccessRecord{URL: e.URL, LastAccessed: e.LastAccessed})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cachetier: access order %s: %w", t, err)
	}
	return out, nil
}

// DropType removes every entry in one tier.
func (s *Store) DropType(t CacheType) error {
	return s.dropPrefix(typePrefix(t))
}

// DropAll clears the entire cache across all tiers.
func (s *Store) DropAll() error {
	for _, t := range AllTypes {
		if err := s.DropType(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) dropPrefix(prefix []byte) error {
	// Collect keys first; deleting during iteration invalidates it.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cachetier: scan %s: %w", prefix, err)
	}
	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return fmt.Errorf("cachetier: drop %s: %w", key, err)
		}
	}
	return nil
}
