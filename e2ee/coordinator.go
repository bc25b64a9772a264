// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/droidian/chatty-sub001/lib/secret"
	"github.com/droidian/chatty-sub001/messaging"
)

// Coordinator drives one account's encryption session through the sync
// lifecycle. It is not safe for concurrent use; the account session
// calls it from its run loop only.
type Coordinator struct {
	provider Provider
	logger   *slog.Logger

	session Session
	// dirty is set whenever the session state has changed since the
	// last pickle export.
	dirty bool
	// uploadPending is set between handing out an upload request and
	// the server's acknowledgment, so a second request is not built
	// from the same keys.
	uploadPending bool
}

// NewCoordinator creates a coordinator. The session itself is created
// lazily by EnsureSession during bootstrap.
func NewCoordinator(provider Provider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{provider: provider, logger: logger}
}

// EnsureSession creates or restores the session. Called once per
// bootstrap; later calls are no-ops so a reconnect never resets key
// material.
func (c *Coordinator) EnsureSession(identity Identity, pickle []byte, pickleKey *secret.Buffer) error {
	if c.session != nil {
		return nil
	}
	session, err := c.provider.CreateSession(identity, pickle, pickleKey)
	if err != nil {
		return fmt.Errorf("creating encryption session: %w", err)
	}
	c.session = session
	if pickle == nil {
		// A fresh session has state worth persisting even before any
		// traffic arrives.
		c.dirty = true
	}
	c.logger.Debug("encryption session ready",
		"user", identity.UserID,
		"device", identity.DeviceID,
		"restored", pickle != nil)
	return nil
}

// HasSession reports whether EnsureSession has run.
func (c *Coordinator) HasSession() bool {
	return c.session != nil
}

// UploadRequest builds the key upload for the bootstrap's publish step.
// The second return is false when nothing needs publishing or an
// earlier upload is still awaiting acknowledgment.
func (c *Coordinator) UploadRequest() (messaging.KeysUploadRequest, bool) {
	if c.session == nil || c.uploadPending {
		return messaging.KeysUploadRequest{}, false
	}
	request := messaging.KeysUploadRequest{
		DeviceKeys:  c.session.DeviceKeys(),
		OneTimeKeys: c.session.OneTimeKeys(),
	}
	if request.DeviceKeys == nil && len(request.OneTimeKeys) == 0 {
		return messaging.KeysUploadRequest{}, false
	}
	c.uploadPending = true
	return request, true
}

// ConfirmPublished records the server's acknowledgment of an upload.
// Keys are never marked published speculatively; a failed upload leaves
// them pending for the next bootstrap.
func (c *Coordinator) ConfirmPublished(counts map[string]int) {
	if c.session == nil || !c.uploadPending {
		return
	}
	c.session.MarkKeysPublished(counts)
	c.uploadPending = false
	c.dirty = true
}

// AbandonUpload clears the pending-upload marker after a failed upload
// so the next bootstrap can retry with the same keys.
func (c *Coordinator) AbandonUpload() {
	c.uploadPending = false
}

// HandleSyncEvents feeds the encryption traffic from one sync response
// into the session. Non-encryption to-device events are dropped here;
// the session never sees them.
func (c *Coordinator) HandleSyncEvents(events []messaging.ToDeviceEvent) {
	if c.session == nil {
		return
	}
	for _, event := range events {
		if !isEncryptionEvent(event.Type) {
			continue
		}
		if err := c.session.HandleToDeviceEvent(event.Type, event.Sender, event.Content); err != nil {
			// A single undecryptable event must not kill the sync
			// iteration.
			c.logger.Warn("dropping undecryptable to-device event",
				"type", event.Type,
				"sender", event.Sender,
				"error", err)
			continue
		}
		c.dirty = true
	}
}

// isEncryptionEvent reports whether a to-device event type belongs to
// the encryption machinery.
func isEncryptionEvent(eventType string) bool {
	switch eventType {
	case "m.room.encrypted", "m.room_key", "m.room_key_request":
		return true
	}
	return strings.HasPrefix(eventType, "m.key.verification.")
}

// NeedsSave reports whether the session has state not yet exported.
func (c *Coordinator) NeedsSave() bool {
	return c.dirty
}

// ExportPickle seals the current session state for persistence and
// clears the dirty marker. Returns nil when no save is due, so callers
// do not rewrite identical state.
func (c *Coordinator) ExportPickle() ([]byte, error) {
	if c.session == nil || !c.dirty {
		return nil, nil
	}
	pickle, err := c.session.Pickle()
	if err != nil {
		return nil, fmt.Errorf("exporting session pickle: %w", err)
	}
	c.dirty = false
	return pickle, nil
}

// MarkDirty forces the next ExportPickle to produce a pickle. Used when
// a persistence attempt failed after the export.
func (c *Coordinator) MarkDirty() {
	if c.session != nil {
		c.dirty = true
	}
}

// Fingerprint returns the device key fingerprint, or "" before the
// session exists.
func (c *Coordinator) Fingerprint() string {
	if c.session == nil {
		return ""
	}
	return c.session.Fingerprint()
}

// Close releases the session's key material.
func (c *Coordinator) Close() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}
