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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
)

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the market data cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache size and the most used endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			rc, err := a.responseCache()
			if err != nil {
				return err
			}
			st, err := rc.Stats(cmd.Context(), cache.DefaultTopEndpoints)
			if err != nil {
				return err
			}
			c.printer.KeyValues(cachePairs(st))
			return nil
		},
	})

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			rc, err := a.responseCache()
			if err != nil {
				return err
			}
			var n int
			if expiredOnly {
				n, err = rc.ClearExpired(cmd.Context())
			} else {
				n, err = rc.Clear(cmd.Context())
			}
			if err != nil {
				return err
			}
			c.printer.Success(fmt.Sprintf("Removed %d cache entries", n))
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only remove entries past their TTL")
	cmd.AddCommand(clearCmd)
	return cmd
}

func newUsageCmd(c *cli) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show this month's market API quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			l, err := a.quota()
			if err != nil {
				return err
			}
			if reset {
				if err := l.Reset(cmd.Context()); err != nil {
					return err
				}
				c.printer.Success("Quota counter reset")
			}
			u, err := l.Usage(cmd.Context())
			if err != nil {
				return err
			}
			c.printer.KeyValues(quotaPairs(u))
			if u.Remaining == 0 {
				c.printer.Warning("Quota exhausted; market questions will be refused until " + u.ResetDate.Format("2006-01-02"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "zero the counter and restart the month")
	return cmd
}
