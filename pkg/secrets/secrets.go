// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps API keys sealed in memguard enclaves and opens them
// only for the duration of a call.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
)

// DefaultSecretsDir is where container runtimes mount secrets.
const DefaultSecretsDir = "/run/secrets"

// ErrNotFound is returned when neither the environment nor the secrets file
// provides a value.
var ErrNotFound = errors.New("secret not found")

// Secret is a sealed value.
//
// # Thread Safety
//
// Safe for concurrent use. Each Reveal opens its own buffer.
type Secret struct {
	name    string
	enclave *memguard.Enclave
}

// New seals value. The caller's slice is wiped.
func New(name string, value []byte) *Secret {
	return &Secret{name: name, enclave: memguard.NewEnclave(value)}
}

// Name returns the secret's label.
func (s *Secret) Name() string { return s.name }

// Reveal decrypts the secret into a string. Keep the result short-lived.
func (s *Secret) Reveal() (string, error) {
	if s == nil || s.enclave == nil {
		return "", ErrNotFound
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", s.name, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Load reads a secret from envVar, falling back to file under dir. An empty
// dir uses DefaultSecretsDir.
//
// # Outputs
//
//   - *Secret: The sealed value.
//   - error: Wraps ErrNotFound when no source has a non-empty value.
func Load(name, envVar, dir, file string) (*Secret, error) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return New(name, []byte(v)), nil
	}
	if dir == "" {
		dir = DefaultSecretsDir
	}
	if file != "" {
		path := filepath.Join(dir, file)
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			v := strings.TrimSpace(string(raw))
			memguard.WipeBytes(raw)
			if v != "" {
				slog.Info("Read secret from secrets mount", "name", name, "path", path)
				return New(name, []byte(v)), nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read secret %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%s (env %s): %w", name, envVar, ErrNotFound)
}
