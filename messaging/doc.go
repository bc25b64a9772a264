// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// that the account bootstrap and sync engine needs.
//
// [Client] issues the closed set of typed requests against one
// homeserver: password login, one-time key upload, joined-room listing,
// incremental /sync with long-polling, room leave, and token validation
// (WhoAmI). All API errors come back as [*MatrixError] carrying the
// server's errcode and HTTP status; [Classify] buckets any transport
// result into the engine's failure taxonomy (transient, protocol,
// cancelled) and [KindOf] maps an errcode into a local [ErrorKind] by
// its position in the fixed vocabulary table.
//
// [Resolver] performs server discovery: it extracts the server name
// from a full user ID, fetches /.well-known/matrix/client (falling back
// to a configured default when the domain publishes nothing), and
// verifies a candidate base URL against the known-compatible protocol
// version prefixes. Verification results are cached for the process
// lifetime.
//
// [CanonicalJSON] re-serializes a JSON document with object members in
// strict lexicographic key order, preserving array order — the form the
// encryption collaborator consumes for signing and hashing. It is used
// nowhere else.
//
// Request URLs are built by string concatenation rather than url.URL to
// avoid double-encoding of path segments that are already URL-encoded.
package messaging
