// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references for
// the sync engine: Matrix user IDs, room IDs, server names, device IDs,
// and locally generated account IDs.
//
// Identifiers arrive as raw strings from the wire (login responses, /sync
// payloads), from the credential store, or from the local database. They
// are parsed into these types at the boundary and passed through as
// validated values. All constructors return errors for malformed input;
// once constructed, a ref is immutable.
//
// JSON marshaling uses the canonical string form via
// encoding.TextMarshaler, which also lets encoding/json validate map keys
// (such as the room IDs keying a /sync response) during deserialization.
package ref
