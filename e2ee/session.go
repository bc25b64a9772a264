// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"

	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
)

// Identity names the account a session's keys belong to.
type Identity struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
}

// Provider creates encryption sessions. Implementations own the actual
// cryptography; the coordinator only drives the lifecycle.
type Provider interface {
	// CreateSession restores a session from a sealed pickle, or
	// creates a fresh one when pickle is nil. The pickle key seals and
	// unseals the persisted form and never leaves the process.
	CreateSession(identity Identity, pickle []byte, pickleKey *secret.Buffer) (Session, error)
}

// Session is one device's encryption state.
type Session interface {
	// DeviceKeys returns the signed device identity key object for
	// upload. Nil when the keys have already been published.
	DeviceKeys() json.RawMessage

	// OneTimeKeys returns one-time keys awaiting upload, keyed by
	// "algorithm:key_id". Empty when the server holds enough.
	OneTimeKeys() map[string]json.RawMessage

	// MarkKeysPublished records that the server acknowledged an
	// upload. counts is the server's per-algorithm tally after the
	// upload; the session replenishes one-time keys from it.
	MarkKeysPublished(counts map[string]int)

	// HandleToDeviceEvent feeds one encryption event from the sync
	// stream into the session.
	HandleToDeviceEvent(eventType string, sender ref.UserID, content json.RawMessage) error

	// Pickle exports the session state sealed under the pickle key.
	Pickle() ([]byte, error)

	// Fingerprint returns a short human-comparable digest of the
	// device identity key.
	Fingerprint() string

	// Close releases key material.
	Close()
}
