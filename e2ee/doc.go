// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee sequences the end-to-end encryption lifecycle around the
// sync loop. The cryptography itself lives behind the [Provider] and
// [Session] interfaces; this package only enforces ordering:
//
//   - a session is created at most once per account and survives
//     reconnects,
//   - device and one-time keys are marked published only after the
//     homeserver acknowledges the upload,
//   - only encryption traffic from the to-device stream reaches the
//     session,
//   - the pickled session state is exported only when a save is due,
//     so the persistence layer sees a consistent snapshot.
//
// [LocalProvider] is the built-in implementation: random device
// identities, BLAKE3 key fingerprints, and pickles sealed with
// ChaCha20-Poly1305 under the account's pickle key.
package e2ee
