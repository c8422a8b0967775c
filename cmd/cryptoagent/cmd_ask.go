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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroundedCrypto/pkg/ux"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/agent"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

func newAskCmd(c *cli) *cobra.Command {
	var (
		sessionID string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			p, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			req := datatypes.AskRequest{SessionID: sessionID, Query: strings.Join(args, " ")}
			_, err = askOnce(cmd.Context(), p.agent, c.printer, req, stream)
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue")
	cmd.Flags().BoolVar(&stream, "stream", true, "print the answer as it is generated")
	return cmd
}

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive question session with follow-ups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			p, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), p.agent, c.printer, ux.NewInputReader("› ", 50))
		},
	}
}

// asker is the part of *agent.Agent the interactive commands use.
type asker interface {
	Ask(ctx context.Context, req datatypes.AskRequest) (datatypes.Response, error)
	AskStream(ctx context.Context, req datatypes.AskRequest, cb llm.StreamCallback) (datatypes.Response, error)
	History(sessionID string) ([]datatypes.Turn, bool)
	Clear(sessionID string) bool
	Stats(ctx context.Context) (agent.Stats, error)
}

// askOnce answers req and renders the result. Streaming prints fragments as
// they arrive, then the sources block.
func askOnce(ctx context.Context, a asker, p *ux.Printer, req datatypes.AskRequest, stream bool) (datatypes.Response, error) {
	var (
		resp datatypes.Response
		err  error
	)
	if stream {
		resp, err = a.AskStream(ctx, req, func(fragment string) error {
			p.Printf("%s", fragment)
			return nil
		})
		if err == nil {
			p.Printf("\n")
		}
	} else {
		resp, err = a.Ask(ctx, req)
	}
	if err != nil {
		return resp, err
	}
	renderResponse(p, resp, stream)
	return resp, nil
}

// runChat loops over input lines, keeping one session for follow-ups.
// "exit" or "quit" ends the session; "/clear", "/history" and "/stats" are
// local commands.
func runChat(ctx context.Context, a asker, p *ux.Printer, in ux.InputReader) error {
	p.Title("Crypto questions. Type exit to leave.")
	var sessionID string
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/clear":
			if sessionID != "" {
				a.Clear(sessionID)
				sessionID = ""
			}
			p.Success("Conversation cleared")
			continue
		case "/history":
			renderHistory(p, a, sessionID)
			continue
		case "/stats":
			st, err := a.Stats(ctx)
			if err != nil {
				p.Error(err.Error())
				continue
			}
			renderStats(p, st)
			continue
		}

		resp, err := askOnce(ctx, a, p, datatypes.AskRequest{SessionID: sessionID, Query: line}, true)
		if err != nil {
			p.Error(fmt.Sprintf("Invalid question: %v", err))
			continue
		}
		sessionID = resp.SessionID
	}
}

func renderHistory(p *ux.Printer, a asker, sessionID string) {
	turns, ok := a.History(sessionID)
	if !ok || len(turns) == 0 {
		p.Muted("No history yet")
		return
	}
	for _, t := range turns {
		p.Printf("%s: %s\n", t.Role, t.Text)
	}
}
