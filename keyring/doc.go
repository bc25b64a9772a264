// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring stores account secrets: the login password, the
// access token, the device ID, and the encryption pickle key. Secrets
// live outside the account database so that deleting the database
// never orphans usable credentials, and so the database file alone is
// not enough to impersonate an account.
//
// [FileStore] seals each account's credential bundle with age to a
// store-level X25519 identity kept next to the bundles with 0600
// permissions. Writes are atomic (temp file plus rename) so a crash
// mid-save leaves the previous bundle intact. [MemoryStore] backs
// tests.
package keyring
