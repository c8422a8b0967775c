// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. Counts are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, apiName string, fn func(rec *Record, exists bool) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[apiName]
	if !exists {
		rec = Record{APIName: apiName}
	}
	if err := fn(&rec, exists); err != nil {
		return err
	}
	s.records[apiName] = rec
	return nil
}
