// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/conversation"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/entity"
)

// session pairs a conversation with the lock that serialises questions
// within it.
type session struct {
	mu       sync.Mutex
	conv     *conversation.Manager
	lastUsed time.Time
}

// SessionStore holds one conversation per session id. Sessions never share
// entity or history state.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
	now      func() time.Time
}

// NewSessionStore creates an empty store. maxTurns < 1 uses
// conversation.DefaultMaxTurns.
func NewSessionStore(maxTurns int) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// acquire returns the session for id, creating it when absent. An empty id
// gets a fresh UUID.
func (s *SessionStore) acquire(id string) (string, *session) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{conv: conversation.NewManager(s.maxTurns, entity.NewResolver())}
		s.sessions[id] = sess
	}
	sess.lastUsed = s.now()
	return id, sess
}

// Get returns the conversation for id.
func (s *SessionStore) Get(id string) (*conversation.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.conv, true
}

// Delete clears and forgets a session.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.conv.Clear()
	}
	return ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns live session ids in sorted order.
func (s *SessionStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// touch marks sess as used now. Called when a question finishes so a long
// request does not leave the session looking idle.
func (s *SessionStore) touch(sess *session) {
	s.mu.Lock()
	sess.lastUsed = s.now()
	s.mu.Unlock()
}

// PruneIdle drops sessions unused for longer than idle. Sessions with a
// question in flight are kept.
func (s *SessionStore) PruneIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.lastUsed.Before(cutoff) {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		delete(s.sessions, id)
		sess.mu.Unlock()
		n++
	}
	return n
}
