// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs uploads knowledge base snapshots to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Client writes objects into one bucket.
type Client struct {
	storageClient *storage.Client
	bucket        string
}

// NewClient creates a client for bucket. An empty credentialsFile uses
// application default credentials; extra options are passed through.
func NewClient(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (*Client, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Client{storageClient: sc, bucket: bucket}, nil
}

// Upload streams r into object.
func (c *Client) Upload(ctx context.Context, object string, r io.Reader, contentType string) (int64, error) {
	w := c.storageClient.Bucket(c.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"

	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("copy to gs://%s/%s: %w", c.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("finalize gs://%s/%s: %w", c.bucket, object, err)
	}
	slog.Info("Uploaded object", "bucket", c.bucket, "object", object, "bytes", n)
	return n, nil
}

// URI returns the gs:// URI for object.
func (c *Client) URI(object string) string {
	return fmt.Sprintf("gs://%s/%s", c.bucket, object)
}

func (c *Client) Close() error {
	return c.storageClient.Close()
}
