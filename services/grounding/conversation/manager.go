// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation owns the per-session turn history and the entity
// resolver that rewrites follow-up questions against it.
package conversation

import (
	"sync"
	"time"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/entity"
)

// DefaultMaxTurns is the number of turns (user and assistant counted
// separately) a Manager retains.
const DefaultMaxTurns = 10

// =============================================================================
// Manager
// =============================================================================

// Manager holds one conversation.
//
// # Description
//
// Turns are kept in a bounded buffer with oldest-first eviction. Every
// recorded exchange is forwarded to the entity resolver so pronouns in the
// next question can be rewritten.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The resolver is only touched
// while the Manager's mutex is held, so Clear resets turns and entity state
// as one step.
type Manager struct {
	mu       sync.Mutex
	turns    []datatypes.Turn
	maxTurns int
	resolver *entity.Resolver
	now      func() time.Time
}

// Summary is a snapshot of a conversation for stats endpoints.
type Summary struct {
	TotalTurns     int                `json:"total_turns"`
	UserTurns      int                `json:"user_turns"`
	AssistantTurns int                `json:"assistant_turns"`
	Entities       []string           `json:"tracked_entities"`
	Salience       map[string]float64 `json:"entity_salience"`
}

// NewManager creates an empty conversation.
//
// # Inputs
//
//   - maxTurns: Capacity of the turn buffer. Values < 1 use DefaultMaxTurns.
//   - resolver: Entity resolver to own. nil creates one over the default
//     vocabulary.
//
// # Outputs
//
//   - *Manager: Ready for use.
func NewManager(maxTurns int, resolver *entity.Resolver) *Manager {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	if resolver == nil {
		resolver = entity.NewResolver()
	}
	return &Manager{
		maxTurns: maxTurns,
		resolver: resolver,
		now:      time.Now,
	}
}

// AddTurn records a user question and the assistant answer.
//
// # Description
//
// Appends the user turn then the assistant turn, evicting from the front
// once capacity is exceeded, and updates entity salience from the user text.
// sources and confidence are attached to the assistant turn only.
func (m *Manager) AddTurn(userText, assistantText string, sources []datatypes.Source, confidence *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now()
	m.turns = append(m.turns,
		datatypes.Turn{Role: datatypes.RoleUser, Text: userText, At: at},
		datatypes.Turn{Role: datatypes.RoleAssistant, Text: assistantText, Sources: sources, Confidence: confidence, At: at},
	)
	if over := len(m.turns) - m.maxTurns; over > 0 {
		m.turns = append([]datatypes.Turn(nil), m.turns[over:]...)
	}
	m.resolver.Update(userText, assistantText)
}

// Context returns the last n turns stripped to role and text, oldest first.
// n <= 0 or larger than the history returns everything.
func (m *Manager) Context(n int) []datatypes.ContextTurn {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if n > 0 && n < len(m.turns) {
		start = len(m.turns) - n
	}
	out := make([]datatypes.ContextTurn, 0, len(m.turns)-start)
	for _, t := range m.turns[start:] {
		out = append(out, datatypes.ContextTurn{Role: t.Role, Text: t.Text})
	}
	return out
}

// History returns a copy of every retained turn.
func (m *Manager) History() []datatypes.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]datatypes.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Clear drops all turns and resets the entity resolver.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = nil
	m.resolver.Reset()
}

// ResolvePronouns rewrites text against the tracked entities.
func (m *Manager) ResolvePronouns(text string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.ResolvePronouns(text)
}

// ContainsPronoun reports whether text has a reference phrase.
func (m *Manager) ContainsPronoun(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.ContainsPronoun(text)
}

// ExtractEntities finds canonical entity names in text.
func (m *Manager) ExtractEntities(text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.ExtractEntities(text)
}

// ExtractCoins finds canonical coin names in text.
func (m *Manager) ExtractCoins(text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolver.ExtractCoins(text)
}

// Summary reports turn counts and the tracked entities in referent order.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TotalTurns: len(m.turns),
		Entities:   m.resolver.Ranked(),
		Salience:   m.resolver.Salience(),
	}
	for _, t := range m.turns {
		switch t.Role {
		case datatypes.RoleUser:
			s.UserTurns++
		case datatypes.RoleAssistant:
			s.AssistantTurns++
		}
	}
	return s
}
