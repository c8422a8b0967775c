// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"log/slog"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the locked-memory limit below which enclaves may fail
// to allocate.
const MinMlockLimitKB = 512

// Protect installs memguard's interrupt handler so locked memory is wiped on
// SIGINT/SIGTERM, and logs whether the mlock limit is sufficient. Call once
// from main.
func Protect() {
	memguard.CatchInterrupt()
	ok, kb := MlockLimit()
	if ok {
		slog.Info("Secure memory initialized", "mlock_limit_kb", kb)
		return
	}
	slog.Warn("mlock limit may be too low for secure memory",
		"current_limit_kb", kb, "required_kb", MinMlockLimitKB)
}

// MlockLimit reports whether RLIMIT_MEMLOCK is at least MinMlockLimitKB and
// the current limit in KB (-1 when unlimited or unknown).
func MlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	kb := int64(rlimit.Cur / 1024)
	return kb >= MinMlockLimitKB, kb
}

// Purge wipes all memguard memory. Secrets are unusable afterwards.
func Purge() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
