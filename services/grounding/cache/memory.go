// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps entries in a map guarded by a mutex.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Lookup implements Backend.
func (b *MemoryBackend) Lookup(_ context.Context, key string, now time.Time) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(now) {
		delete(b.entries, key)
		return Entry{}, false, nil
	}
	e.HitCount++
	e.LastAccessed = now
	b.entries[key] = e
	return e, true, nil
}

// Store implements Backend.
func (b *MemoryBackend) Store(_ context.Context, e Entry, capacity, evictBatch int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, replacing := b.entries[e.Key]; !replacing && len(b.entries) >= capacity {
		b.evictLocked(evictBatch)
	}
	b.entries[e.Key] = e
	return nil
}

func (b *MemoryBackend) evictLocked(n int) {
	all := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e)
	}
	sortLRU(all)
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(b.entries, e.Key)
	}
}

// sortLRU orders entries least recently accessed first.
func sortLRU(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.Key < b.Key
	})
}

// Entries implements Backend.
func (b *MemoryBackend) Entries(context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out, nil
}

// DeleteExpired implements Backend.
func (b *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k, e := range b.entries {
		if e.Expired(now) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

// DeleteAll implements Backend.
func (b *MemoryBackend) DeleteAll(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = make(map[string]Entry)
	return n, nil
}
