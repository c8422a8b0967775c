// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entity tracks which cryptocurrencies and concepts a conversation
// is about so follow-up questions like "what is its market cap?" can be
// rewritten with an explicit subject.
package entity

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

const (
	// DefaultMaxHistory is how many user turns are scanned for referents.
	DefaultMaxHistory = 10

	// SalienceDecay multiplies the weight of every entity not mentioned in a turn.
	SalienceDecay = 0.9

	// SaliencePruneBelow drops entities whose weight fell under this value.
	SaliencePruneBelow = 0.1
)

// =============================================================================
// Resolver
// =============================================================================

// Resolver extracts entities, resolves pronouns against history and keeps
// per-entity salience.
//
// # Thread Safety
//
// Not safe for concurrent use. Each conversation owns one Resolver and the
// conversation manager serialises access to it.
type Resolver struct {
	defs      []compiledDefinition
	reference *regexp.Regexp

	maxHistory int
	history    []mention
	salience   map[string]float64
	introduced map[string]int
	turn       int
}

type compiledDefinition struct {
	Definition
	patterns []*regexp.Regexp
}

// mention is one user turn and the entities it named.
type mention struct {
	text     string
	entities []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxHistory bounds how many turns are kept for referent lookup.
func WithMaxHistory(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxHistory = n
		}
	}
}

// WithVocabulary replaces the built-in alias table.
func WithVocabulary(defs []Definition) Option {
	return func(r *Resolver) {
		r.defs = compileDefinitions(defs)
	}
}

// NewResolver builds a Resolver over DefaultVocabulary.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		defs:       compileDefinitions(DefaultVocabulary()),
		maxHistory: DefaultMaxHistory,
		salience:   make(map[string]float64),
		introduced: make(map[string]int),
	}
	alternatives := make([]string, len(referencePhrases))
	for i, p := range referencePhrases {
		alternatives[i] = phrasePattern(p)
	}
	joined := `(?i)\b(` + strings.Join(alternatives, "|") + `)\b`
	r.reference = regexp.MustCompile(joined)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func compileDefinitions(defs []Definition) []compiledDefinition {
	out := make([]compiledDefinition, 0, len(defs))
	for _, d := range defs {
		cd := compiledDefinition{Definition: d}
		for _, alias := range d.Aliases {
			cd.patterns = append(cd.patterns, regexp.MustCompile(`(?i)\b`+phrasePattern(alias)+`\b`))
		}
		out = append(out, cd)
	}
	return out
}

// phrasePattern quotes a phrase and lets its spaces match any whitespace run.
func phrasePattern(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}

// ExtractEntities returns the canonical names found in text as whole words,
// sorted for stable output.
func (r *Resolver) ExtractEntities(text string) []string {
	return r.extract(text, func(Definition) bool { return true })
}

// ExtractCoins is ExtractEntities restricted to tradable assets.
func (r *Resolver) ExtractCoins(text string) []string {
	return r.extract(text, func(d Definition) bool { return d.Kind == KindCoin })
}

func (r *Resolver) extract(text string, keep func(Definition) bool) []string {
	var found []string
	for _, d := range r.defs {
		if !keep(d.Definition) {
			continue
		}
		for _, p := range d.patterns {
			if p.MatchString(text) {
				found = append(found, d.Name)
				break
			}
		}
	}
	sort.Strings(found)
	return found
}

// IsCoin reports whether name is a canonical coin entity.
func (r *Resolver) IsCoin(name string) bool {
	for _, d := range r.defs {
		if d.Name == name {
			return d.Kind == KindCoin
		}
	}
	return false
}

// ContainsPronoun reports whether text contains a reference phrase that
// could point at an earlier entity.
func (r *Resolver) ContainsPronoun(text string) bool {
	return r.reference.MatchString(text)
}

// Referent returns the entity a pronoun most likely refers to.
//
// History is scanned newest first; the first turn that named anything
// supplies the referent. When that turn named several entities the winner
// is the highest salience, then the most recently introduced, then the
// lexicographically smallest name.
func (r *Resolver) Referent() (string, bool) {
	for i := len(r.history) - 1; i >= 0; i-- {
		ents := r.history[i].entities
		if len(ents) == 0 {
			continue
		}
		best := ents[0]
		for _, e := range ents[1:] {
			if r.outranks(e, best) {
				best = e
			}
		}
		return best, true
	}
	return "", false
}

func (r *Resolver) outranks(a, b string) bool {
	sa, sb := r.salience[a], r.salience[b]
	if sa != sb {
		return sa > sb
	}
	ia, ib := r.introduced[a], r.introduced[b]
	if ia != ib {
		return ia > ib
	}
	return a < b
}

// ResolvePronouns replaces every reference phrase in text with the current
// referent. "its" becomes "<referent>'s". Text is returned unchanged when
// there is no referent.
func (r *Resolver) ResolvePronouns(text string) string {
	referent, ok := r.Referent()
	if !ok {
		slog.Debug("No referent available for pronoun resolution")
		return text
	}
	resolved := r.reference.ReplaceAllStringFunc(text, func(m string) string {
		if strings.EqualFold(m, "its") {
			return referent + "'s"
		}
		return referent
	})
	if resolved != text {
		slog.Debug("Resolved pronoun", "original", text, "resolved", resolved, "referent", referent)
	}
	return resolved
}

// Update records one exchange. Entities named in userText gain one unit of
// salience; every other tracked entity decays by SalienceDecay and is pruned
// once it drops under SaliencePruneBelow. assistantText is kept for
// symmetry with the conversation record but does not change salience.
func (r *Resolver) Update(userText, assistantText string) {
	r.turn++
	entities := r.ExtractEntities(userText)

	r.history = append(r.history, mention{text: userText, entities: entities})
	if over := len(r.history) - r.maxHistory; over > 0 {
		r.history = append([]mention(nil), r.history[over:]...)
	}

	mentioned := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		mentioned[e] = struct{}{}
	}
	for name, w := range r.salience {
		if _, ok := mentioned[name]; ok {
			continue
		}
		w *= SalienceDecay
		if w < SaliencePruneBelow {
			delete(r.salience, name)
			delete(r.introduced, name)
			continue
		}
		r.salience[name] = w
	}
	for _, e := range entities {
		if _, seen := r.salience[e]; !seen {
			r.introduced[e] = r.turn
		}
		r.salience[e]++
	}
}

// Salience returns a copy of the current weights.
func (r *Resolver) Salience() map[string]float64 {
	out := make(map[string]float64, len(r.salience))
	for k, v := range r.salience {
		out[k] = v
	}
	return out
}

// Ranked returns tracked entities ordered by the referent tie-break rule.
func (r *Resolver) Ranked() []string {
	names := make([]string, 0, len(r.salience))
	for k := range r.salience {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return r.outranks(names[i], names[j]) })
	return names
}

// Reset forgets all history and salience.
func (r *Resolver) Reset() {
	r.history = nil
	r.salience = make(map[string]float64)
	r.introduced = make(map[string]int)
	r.turn = 0
}
