// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package account runs one signed-in account: the enable/disable state
// machine, the bootstrap sequence (resolve, verify, authenticate,
// publish keys, seed rooms), and the incremental sync loop that keeps
// the room registry current.
//
// [Session] is an actor. All state lives on a single run-loop
// goroutine fed by a call channel; network operations run in helper
// goroutines and post their completions back to the loop, tagged with
// a generation counter so work started before a disable is dropped on
// arrival. There is at most one sync in flight per account, and the
// next sync is issued from the completion of the previous one, so the
// since token always chains from the last next_batch.
//
// Enable and disable are debounced: the desired state is recorded and
// applied only when a short timer fires, so an enable immediately
// followed by a disable performs no network traffic at all.
package account
