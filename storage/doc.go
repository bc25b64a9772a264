// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists account records and per-account room state
// in a SQLite database. Account secrets never land here: passwords,
// tokens, and pickle keys live in the keyring, while this database
// holds the non-secret record plus the sealed encryption pickle the
// keyring's pickle key unlocks.
//
// Room snapshots are deterministic CBOR compressed with zstd, one blob
// per (room, account) pair, so the registry can be rebuilt on startup
// without an initial sync.
package storage
