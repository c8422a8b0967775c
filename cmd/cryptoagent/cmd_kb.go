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
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroundedCrypto/cmd/cryptoagent/gcs"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/knowledge"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/storage/sqlite"
)

func newKBCmd(c *cli) *cobra.Command {
	kb := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge base",
	}
	kb.AddCommand(newKBIngestCmd(c), newKBStatsCmd(c), newKBExportCmd(c))
	return kb
}

func newKBIngestCmd(c *cli) *cobra.Command {
	var recreate bool
	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Chunk, embed and index the JSON source files in dir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.Knowledge.DataDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runKBIngest(cmd.Context(), c, dir, recreate)
		},
	}
	cmd.Flags().BoolVar(&recreate, "recreate", false, "drop and recreate the index class first")
	return cmd
}

func runKBIngest(ctx context.Context, c *cli, dir string, recreate bool) error {
	a := newApp(c.cfg)
	defer a.Close()

	_, emb, err := a.models()
	if err != nil {
		return err
	}
	wc, err := a.weaviateClient(ctx)
	if err != nil {
		return err
	}
	if recreate {
		if err := knowledge.DropSchema(ctx, wc); err != nil {
			return err
		}
		if err := knowledge.EnsureSchema(ctx, wc); err != nil {
			return err
		}
	}
	st, err := a.sqliteStore()
	if err != nil {
		return err
	}

	ing := knowledge.NewIngestor(emb, knowledge.NewWeaviateIndex(wc), sqlite.NewMetadataStore(st), a.backend.EmbeddingModel())
	c.printer.Title("Ingesting " + dir)
	rep, err := ing.IngestDir(ctx, dir)
	if err != nil {
		return err
	}
	c.printer.Success(fmt.Sprintf("Stored %d of %d chunks from %d documents", rep.Stored, rep.Chunks, rep.Documents))
	c.printer.KeyValues([][2]string{
		{"categories", fmt.Sprint(rep.Categories)},
		{"elapsed", rep.Elapsed.Round(time.Millisecond).String()},
	})
	if rep.Stored != rep.Chunks {
		c.printer.Warning("Some chunks were rejected by the index; rerun ingest to retry")
	}
	return nil
}

func newKBStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base metadata and index size",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(c.cfg)
			defer a.Close()
			st, err := a.sqliteStore()
			if err != nil {
				return err
			}
			wc, err := a.weaviateClient(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := knowledge.CollectStats(cmd.Context(), sqlite.NewMetadataStore(st), knowledge.NewWeaviateIndex(wc))
			if err != nil {
				return err
			}
			renderKBStats(c, stats)
			return nil
		},
	}
}

func renderKBStats(c *cli, st knowledge.Stats) {
	p := c.printer
	if st.Metadata == nil {
		p.Warning("Knowledge base has not been ingested")
		p.KeyValues([][2]string{{"indexed chunks", fmt.Sprint(st.IndexedChunks)}})
		return
	}
	md := st.Metadata
	p.KeyValues([][2]string{
		{"version", md.Version},
		{"documents", fmt.Sprint(md.TotalDocuments)},
		{"chunks", fmt.Sprint(md.TotalChunks)},
		{"indexed chunks", fmt.Sprint(st.IndexedChunks)},
		{"embedding model", md.EmbeddingModel},
		{"categories", fmt.Sprint(md.Categories)},
		{"updated", md.UpdatedAt.Format(time.RFC3339)},
	})
	if st.Stale {
		p.Warning("Index size differs from the last ingest; run kb ingest")
	}
}

func newKBExportCmd(c *cli) *cobra.Command {
	var bucket, out string
	cmd := &cobra.Command{
		Use:   "export [dir]",
		Short: "Write the chunked knowledge base as JSONL, locally or to GCS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.Knowledge.DataDir
			if len(args) == 1 {
				dir = args[0]
			}
			if bucket == "" {
				bucket = c.cfg.Knowledge.GCSBucket
			}
			if bucket == "" && out == "" {
				return fmt.Errorf("one of --bucket or --out is required")
			}
			return runKBExport(cmd.Context(), c, dir, bucket, out)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "GCS bucket to upload the snapshot to")
	cmd.Flags().StringVar(&out, "out", "", "local file to write the snapshot to")
	return cmd
}

func runKBExport(ctx context.Context, c *cli, dir, bucket, out string) error {
	files, err := knowledge.LoadDir(dir)
	if err != nil {
		return err
	}
	plan, err := knowledge.NewChunker().Plan(files)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	n, err := knowledge.WriteSnapshot(&buf, plan)
	if err != nil {
		return err
	}

	if out != "" {
		if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		c.printer.Success(fmt.Sprintf("Wrote %d chunks to %s", n, out))
	}
	if bucket == "" {
		return nil
	}

	client, err := gcs.NewClient(ctx, bucket, c.cfg.Knowledge.GCSCredentialsFile)
	if err != nil {
		return err
	}
	defer client.Close()
	object := snapshotObject(c.cfg.Knowledge.GCSPrefix, time.Now())
	if _, err := client.Upload(ctx, object, &buf, "application/x-ndjson"); err != nil {
		return err
	}
	c.printer.Success(fmt.Sprintf("Uploaded %d chunks to %s", n, client.URI(object)))
	return nil
}

// snapshotObject names an export object by UTC time.
func snapshotObject(prefix string, at time.Time) string {
	return path.Join(prefix, "kb-"+at.UTC().Format("20060102T150405Z")+".jsonl")
}
