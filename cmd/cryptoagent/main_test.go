// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/pkg/ux"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/agent"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/config"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/guard"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/response"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/tools"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

const chatSession = "0b9c7d4e-1f2a-4b3c-8d5e-6f7a8b9c0d1e"

type fakeAsker struct {
	asked   []datatypes.AskRequest
	cleared []string
	history []datatypes.Turn
}

func (f *fakeAsker) respond(req datatypes.AskRequest) datatypes.Response {
	f.asked = append(f.asked, req)
	f.history = append(f.history,
		datatypes.Turn{Role: datatypes.RoleUser, Text: req.Query},
		datatypes.Turn{Role: datatypes.RoleAssistant, Text: "answer"})
	return datatypes.Response{
		SessionID:  chatSession,
		Text:       "answer",
		Confidence: 0.8,
		Sources: []datatypes.Source{
			{Kind: datatypes.SourceKnowledgeBase, Title: "Bitcoin Basics", Category: "fundamentals", Similarity: 0.91},
		},
	}
}

func (f *fakeAsker) Ask(_ context.Context, req datatypes.AskRequest) (datatypes.Response, error) {
	return f.respond(req), nil
}

func (f *fakeAsker) AskStream(_ context.Context, req datatypes.AskRequest, cb llm.StreamCallback) (datatypes.Response, error) {
	if err := cb("answer"); err != nil {
		return datatypes.Response{}, err
	}
	return f.respond(req), nil
}

func (f *fakeAsker) History(string) ([]datatypes.Turn, bool) { return f.history, true }

func (f *fakeAsker) Clear(id string) bool {
	f.cleared = append(f.cleared, id)
	f.history = nil
	return true
}

func (f *fakeAsker) Stats(context.Context) (agent.Stats, error) {
	return agent.Stats{Sessions: 1}, nil
}

func TestRunChat_KeepsSessionAcrossQuestions(t *testing.T) {
	var out bytes.Buffer
	p := ux.NewPrinter(&out, ux.ModePlain)
	in := ux.NewLineReader(strings.NewReader("What is Bitcoin?\n\nWhat is its price?\n/history\n/stats\n/clear\nexit\nnever asked\n"))
	a := &fakeAsker{}

	require.NoError(t, runChat(context.Background(), a, p, in))

	require.Len(t, a.asked, 2)
	assert.Equal(t, "", a.asked[0].SessionID)
	assert.Equal(t, chatSession, a.asked[1].SessionID)
	assert.Equal(t, []string{chatSession}, a.cleared)
	assert.Contains(t, out.String(), "user: What is its price?")
	assert.Contains(t, out.String(), "active sessions: 1")
	assert.Contains(t, out.String(), "Conversation cleared")
	assert.NotContains(t, out.String(), "never asked")
}

func TestRunChat_EOFEndsSession(t *testing.T) {
	var out bytes.Buffer
	a := &fakeAsker{}
	err := runChat(context.Background(), a, ux.NewPrinter(&out, ux.ModePlain), ux.NewLineReader(strings.NewReader("")))
	assert.NoError(t, err)
	assert.Empty(t, a.asked)
}

func TestRenderResponse(t *testing.T) {
	tests := []struct {
		name     string
		resp     datatypes.Response
		streamed bool
		want     []string
		notWant  []string
	}{
		{
			name: "answer with sources",
			resp: datatypes.Response{
				Text:       "Bitcoin is a cryptocurrency [Source 1].",
				Confidence: 0.75,
				Sources: []datatypes.Source{
					{Kind: datatypes.SourceKnowledgeBase, Title: "Bitcoin Basics", Category: "fundamentals", Similarity: 0.9},
					{Kind: datatypes.SourceAPI, Endpoint: "getData", Timestamp: "2025-03-14T12:00:00Z"},
				},
			},
			want: []string{
				"Bitcoin is a cryptocurrency [Source 1].",
				"[1] Bitcoin Basics (fundamentals, similarity 0.90)",
				"[2] Market data: getData @ 2025-03-14T12:00:00Z",
				"0.75",
			},
		},
		{
			name:     "streamed answer is not repeated",
			resp:     datatypes.Response{Text: "already printed", Confidence: 0.6, LowConfidence: true},
			streamed: true,
			want:     []string{"Low confidence"},
			notWant:  []string{"already printed"},
		},
		{
			name: "refusal",
			resp: datatypes.Response{Text: "I can only answer crypto questions.", Refused: true, RefusalKind: datatypes.RefusalOutOfScope},
			want: []string{"Cannot answer", "I can only answer crypto questions.", "refusal: out_of_scope"},
			notWant: []string{"confidence"},
		},
		{
			name: "failure",
			resp: datatypes.Response{Text: "Sorry, something went wrong.", Error: "generator unavailable"},
			want: []string{"Sorry, something went wrong.", "error: generator unavailable"},
		},
		{
			name: "api failures are listed",
			resp: datatypes.Response{
				Text:        "Partial answer.",
				Confidence:  0.7,
				APIFailures: []datatypes.APIFailure{{Endpoint: "getTop", Kind: datatypes.FailureExternal, Reason: "deadline exceeded"}},
			},
			want: []string{"getTop", "deadline exceeded"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			renderResponse(ux.NewPrinter(&out, ux.ModePlain), tt.resp, tt.streamed)
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, out.String(), nw)
			}
		})
	}
}

func TestPipelineApply(t *testing.T) {
	g := guard.New(nil)
	orch := tools.New(nil, nil)
	coord := response.NewCoordinator(nil, g)
	lim := ratelimit.New(ratelimit.NewMemoryStore(), "freecryptoapi", 10)
	p := &pipeline{guard: g, orchestrator: orch, coordinator: coord, limiter: lim}

	p.apply(config.Tunables{SimilarityThreshold: 0.7, TopK: 9, MaxRegenerations: 1, MonthlyLimit: 250})

	assert.InDelta(t, 0.7, g.Threshold(), 1e-9)
	assert.Equal(t, 9, orch.TopK())
	assert.Equal(t, 1, coord.MaxRegenerations())
	assert.Equal(t, 250, lim.MonthlyLimit())
}

type recordingTunable struct{ got chan config.Tunables }

func (r recordingTunable) apply(t config.Tunables) { r.got <- t }

func TestWatchConfig(t *testing.T) {
	stop, err := watchConfig(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), recordingTunable{})
	require.NoError(t, err)
	stop()

	path := filepath.Join(t.TempDir(), "grounding.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  top_k: 5\n"), 0o644))
	rt := recordingTunable{got: make(chan config.Tunables, 4)}
	stop, err = watchConfig(context.Background(), path, rt)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  top_k: 12\n"), 0o644))
	select {
	case tun := <-rt.got:
		assert.Equal(t, 12, tun.TopK)
	case <-time.After(5 * time.Second):
		t.Fatal("tunables were not applied")
	}
}

func TestApp_CloseRunsInReverse(t *testing.T) {
	a := newApp(config.DefaultConfig())
	var order []int
	a.onClose(func() error { order = append(order, 1); return nil })
	a.onClose(func() error { order = append(order, 2); return errors.New("boom") })
	err := a.Close()
	assert.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, a.Close())
}

func TestApp_StoresOpenLazily(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "grounding.db")
	a := newApp(cfg)
	defer a.Close()

	l, err := a.quota()
	require.NoError(t, err)
	_, err = l.Reserve(context.Background())
	require.NoError(t, err)

	rc, err := a.responseCache()
	require.NoError(t, err)
	st, err := rc.Stats(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntries)

	same, err := a.sqliteStore()
	require.NoError(t, err)
	assert.Same(t, a.store, same)
}

func TestSnapshotObject(t *testing.T) {
	at := time.Date(2025, 3, 14, 12, 30, 5, 0, time.UTC)
	assert.Equal(t, "kb-snapshots/kb-20250314T123005Z.jsonl", snapshotObject("kb-snapshots", at))
	assert.Equal(t, "kb-20250314T123005Z.jsonl", snapshotObject("", at))
}

func TestRunKBExport_LocalFile(t *testing.T) {
	dir := t.TempDir()
	src := `{"category": "fundamentals", "documents": [
		{"id": "btc_intro", "title": "Bitcoin Basics", "content": "Bitcoin is a decentralised digital currency.",
		 "metadata": {"source": "whitepaper", "entities": ["bitcoin"]}},
		{"id": "eth_intro", "title": "Ethereum Basics", "content": "Ethereum runs smart contracts.",
		 "metadata": {"source": "docs", "entities": ["ethereum"]}}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fundamentals.json"), []byte(src), 0o644))
	outPath := filepath.Join(t.TempDir(), "kb.jsonl")

	var out bytes.Buffer
	c := &cli{cfg: config.DefaultConfig(), printer: ux.NewPrinter(&out, ux.ModePlain)}
	require.NoError(t, runKBExport(context.Background(), c, dir, "", outPath))

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"btc_intro_chunk_0"`)
	assert.Contains(t, out.String(), "Wrote 2 chunks to "+outPath)
}

func TestRunKBExport_EmptyDir(t *testing.T) {
	c := &cli{cfg: config.DefaultConfig(), printer: ux.NewPrinter(&bytes.Buffer{}, ux.ModePlain)}
	err := runKBExport(context.Background(), c, t.TempDir(), "", filepath.Join(t.TempDir(), "kb.jsonl"))
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd(&cli{})
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ask", "chat", "kb", "cache", "usage"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestCLIInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grounding.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	c := &cli{configPath: path, output: "plain", logLevel: "debug"}
	require.NoError(t, c.init())
	defer c.logger.Close()
	assert.Equal(t, "debug", c.cfg.Logging.Level)
	assert.Equal(t, ux.ModePlain, c.printer.Mode())

	bad := &cli{configPath: path, logLevel: "loud"}
	assert.Error(t, bad.init())
}
