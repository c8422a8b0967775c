// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cryptoagent answers cryptocurrency questions from a curated
// knowledge base and live market data, and manages the stores behind it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroundedCrypto/pkg/logging"
	"github.com/AleutianAI/GroundedCrypto/pkg/secrets"
	"github.com/AleutianAI/GroundedCrypto/pkg/ux"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/config"
)

// cli holds what the persistent flags resolve to. Each command reads it
// after PersistentPreRunE has run.
type cli struct {
	configPath string
	logLevel   string
	output     string

	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	if c.logger != nil {
		c.logger.Close()
	}
	secrets.Purge()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "cryptoagent",
		Short: "Grounded answers to cryptocurrency questions",
		Long: `cryptoagent answers cryptocurrency questions using only a curated
knowledge base and live market data, and refuses when the evidence is
missing or the question is out of scope.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "grounding.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "", "output style: rich or plain (default: detect)")

	root.AddCommand(
		newServeCmd(c),
		newAskCmd(c),
		newChatCmd(c),
		newKBCmd(c),
		newCacheCmd(c),
		newUsageCmd(c),
	)
	return root
}

// init loads config, installs the logger and picks the output style.
func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	c.logger.SetDefault()

	mode := ux.DetectMode(os.Stdout)
	if c.output != "" {
		mode = ux.ParseMode(c.output)
	}
	c.printer = ux.NewPrinter(os.Stdout, mode)
	return nil
}
