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
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroundedCrypto/pkg/secrets"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/config"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/server"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "apply similarity threshold, top_k, regeneration and quota changes without a restart")
	return cmd
}

func runServe(ctx context.Context, c *cli, watch bool) error {
	secrets.Protect()
	a := newApp(c.cfg)
	defer a.Close()

	shutdown, err := telemetry.Init(ctx, c.cfg.Telemetry, a.registry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}

	if watch {
		stop, err := watchConfig(ctx, c.configPath, p)
		if err != nil {
			return err
		}
		defer stop()
	}

	go server.RunSessionJanitor(ctx, p.agent.Sessions(), c.cfg.Server.SessionIdle, 0)

	engine := server.NewEngine(c.cfg.Telemetry.ServiceName, p.agent, p.cache, a.registry)
	return server.New(c.cfg.Server, engine).Run(ctx)
}

// watchConfig applies tunables from path whenever it changes. A config
// file that does not exist is not watched.
func watchConfig(ctx context.Context, path string, t tunable) (func(), error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("No config file to watch", "path", path)
		return func() {}, nil
	}
	w := config.NewWatcher(path, 0, func(cfg config.Config) {
		t.apply(cfg.Tunables())
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w.Stop, nil
}
