// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceKind tells knowledge-base citations apart from market-data ones.
type SourceKind string

const (
	SourceKnowledgeBase SourceKind = "knowledge_base"
	SourceAPI           SourceKind = "api"
)

// Source is a citation derived from evidence that was actually supplied to
// the generator. It is never parsed out of generated text.
type Source struct {
	Kind       SourceKind `json:"type"`
	Title      string     `json:"title,omitempty"`
	Category   string     `json:"category,omitempty"`
	Similarity float64    `json:"similarity,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
	Timestamp  string     `json:"timestamp,omitempty"`
	Preview    string     `json:"preview"`
}

// Turn is one entry in a session's bounded history.
type Turn struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Sources    []Source  `json:"sources,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// ContextTurn is the stripped form of a Turn sent to the generator. It has
// no sources or confidence so earlier citations cannot be re-cited.
type ContextTurn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
