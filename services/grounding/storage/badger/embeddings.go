// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

const keyPrefix = "emb/"

// EmbeddingCache is an llm.Embedder that serves repeated texts from BadgerDB
// and forwards misses to the wrapped embedder.
//
// # Description
//
// Keys hash the model name together with the text, so switching models
// never returns stale vectors. Cache read or write failures are logged and
// fall through to the backend; they never fail an embedding.
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingCache struct {
	db    *DB
	next  llm.Embedder
	model string
	ttl   time.Duration
}

// NewEmbeddingCache wraps next. ttl of zero keeps vectors forever.
func NewEmbeddingCache(db *DB, next llm.Embedder, model string, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{db: db, next: next, model: model, ttl: ttl}
}

var _ llm.Embedder = (*EmbeddingCache)(nil)

// Embed implements llm.Embedder.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch implements llm.Embedder. Only the misses are sent to the
// backend, in one batch, and the result keeps the input order.
func (c *EmbeddingCache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	cached, err := c.lookup(ctx, texts)
	if err != nil {
		slog.Warn("Embedding cache read failed", "error", err)
		cached = nil
	}

	var (
		missTexts []string
		missIdx   []int
	)
	for i, t := range texts {
		if v, ok := cached[i]; ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
	}
	if err := c.store(ctx, missTexts, vecs); err != nil {
		slog.Warn("Embedding cache write failed", "error", err)
	}
	return out, nil
}

// Len counts the cached vectors.
func (c *EmbeddingCache) Len(ctx context.Context) (int, error) {
	n := 0
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (c *EmbeddingCache) lookup(ctx context.Context, texts []string) (map[int][]float32, error) {
	found := make(map[int][]float32)
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for i, t := range texts {
			item, err := txn.Get(c.key(t))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				v, err := decodeVector(val)
				if err != nil {
					return err
				}
				found[i] = v
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return found, err
}

func (c *EmbeddingCache) store(ctx context.Context, texts []string, vecs [][]float32) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := badger.NewEntry(c.key(t), encodeVector(vecs[i]))
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (c *EmbeddingCache) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return []byte(keyPrefix + hex.EncodeToString(sum[:]))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
