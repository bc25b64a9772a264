// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
	"github.com/droidian/chatty-sub001/messaging"
)

// fakeSession records coordinator calls so tests can assert on
// sequencing.
type fakeSession struct {
	deviceKeys  json.RawMessage
	oneTimeKeys map[string]json.RawMessage
	published   []map[string]int
	handled     []string
	handleErr   error
	pickleCalls int
	closed      bool
}

func (s *fakeSession) DeviceKeys() json.RawMessage             { return s.deviceKeys }
func (s *fakeSession) OneTimeKeys() map[string]json.RawMessage { return s.oneTimeKeys }
func (s *fakeSession) MarkKeysPublished(counts map[string]int) {
	s.published = append(s.published, counts)
	s.deviceKeys = nil
	s.oneTimeKeys = nil
}
func (s *fakeSession) HandleToDeviceEvent(eventType string, sender ref.UserID, content json.RawMessage) error {
	s.handled = append(s.handled, eventType)
	return s.handleErr
}
func (s *fakeSession) Pickle() ([]byte, error) {
	s.pickleCalls++
	return []byte("pickle"), nil
}
func (s *fakeSession) Fingerprint() string { return "fp" }
func (s *fakeSession) Close()              { s.closed = true }

type fakeProvider struct {
	session     *fakeSession
	createCalls int
	createErr   error
	gotPickle   []byte
}

func (p *fakeProvider) CreateSession(identity Identity, pickle []byte, pickleKey *secret.Buffer) (Session, error) {
	p.createCalls++
	p.gotPickle = pickle
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.session, nil
}

func testIdentity() Identity {
	return Identity{
		UserID:   ref.MustParseUserID("@alice:example.org"),
		DeviceID: ref.MustParseDeviceID("DEVICE1"),
	}
}

func testPickleKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key, err := secret.NewFromString("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("creating pickle key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func TestEnsureSessionOnce(t *testing.T) {
	provider := &fakeProvider{session: &fakeSession{}}
	coordinator := NewCoordinator(provider, nil)

	if err := coordinator.EnsureSession(testIdentity(), nil, testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := coordinator.EnsureSession(testIdentity(), nil, testPickleKey(t)); err != nil {
		t.Fatalf("second EnsureSession: %v", err)
	}
	if provider.createCalls != 1 {
		t.Errorf("CreateSession called %d times, want 1", provider.createCalls)
	}
}

func TestEnsureSessionRestores(t *testing.T) {
	provider := &fakeProvider{session: &fakeSession{}}
	coordinator := NewCoordinator(provider, nil)

	if err := coordinator.EnsureSession(testIdentity(), []byte("saved"), testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if string(provider.gotPickle) != "saved" {
		t.Errorf("provider got pickle %q, want %q", provider.gotPickle, "saved")
	}
	// A restored session has nothing new to persist.
	if coordinator.NeedsSave() {
		t.Error("restored session marked dirty")
	}
}

func TestEnsureSessionError(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("bad pickle")}
	coordinator := NewCoordinator(provider, nil)
	if err := coordinator.EnsureSession(testIdentity(), nil, testPickleKey(t)); err == nil {
		t.Fatal("EnsureSession succeeded despite provider error")
	}
	if coordinator.HasSession() {
		t.Error("coordinator reports a session after a failed create")
	}
}

func TestPublishSequencing(t *testing.T) {
	session := &fakeSession{
		deviceKeys:  json.RawMessage(`{"device": true}`),
		oneTimeKeys: map[string]json.RawMessage{"signed_curve25519:AAAA1": json.RawMessage(`{}`)},
	}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), nil, testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	request, ok := coordinator.UploadRequest()
	if !ok {
		t.Fatal("UploadRequest returned nothing to publish")
	}
	if request.DeviceKeys == nil || len(request.OneTimeKeys) != 1 {
		t.Errorf("unexpected upload request: %+v", request)
	}

	// No acknowledgment yet: keys are not published, and a second
	// request must not be built from the same material.
	if len(session.published) != 0 {
		t.Error("keys marked published before acknowledgment")
	}
	if _, ok := coordinator.UploadRequest(); ok {
		t.Error("second UploadRequest built while first is unacknowledged")
	}

	coordinator.ConfirmPublished(map[string]int{"signed_curve25519": 50})
	if len(session.published) != 1 {
		t.Fatalf("MarkKeysPublished called %d times, want 1", len(session.published))
	}
	if !coordinator.NeedsSave() {
		t.Error("publish acknowledgment did not mark state dirty")
	}
}

func TestAbandonUploadAllowsRetry(t *testing.T) {
	session := &fakeSession{deviceKeys: json.RawMessage(`{}`)}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), nil, testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, ok := coordinator.UploadRequest(); !ok {
		t.Fatal("UploadRequest returned nothing to publish")
	}
	coordinator.AbandonUpload()
	if _, ok := coordinator.UploadRequest(); !ok {
		t.Error("UploadRequest after AbandonUpload returned nothing")
	}
	if len(session.published) != 0 {
		t.Error("abandoned upload marked keys published")
	}
}

func TestHandleSyncEventsFilters(t *testing.T) {
	session := &fakeSession{}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), []byte("saved"), testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	sender := ref.MustParseUserID("@bob:example.org")
	coordinator.HandleSyncEvents([]messaging.ToDeviceEvent{
		{Type: "m.room.encrypted", Sender: sender, Content: json.RawMessage(`{}`)},
		{Type: "m.new_device", Sender: sender, Content: json.RawMessage(`{}`)},
		{Type: "m.room_key", Sender: sender, Content: json.RawMessage(`{}`)},
		{Type: "m.key.verification.request", Sender: sender, Content: json.RawMessage(`{}`)},
	})
	want := []string{"m.room.encrypted", "m.room_key", "m.key.verification.request"}
	if len(session.handled) != len(want) {
		t.Fatalf("session handled %v, want %v", session.handled, want)
	}
	for i, eventType := range want {
		if session.handled[i] != eventType {
			t.Errorf("handled[%d] = %q, want %q", i, session.handled[i], eventType)
		}
	}
	if !coordinator.NeedsSave() {
		t.Error("encryption traffic did not mark state dirty")
	}
}

func TestHandleSyncEventsSurvivesErrors(t *testing.T) {
	session := &fakeSession{handleErr: errors.New("undecryptable")}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), []byte("saved"), testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	coordinator.HandleSyncEvents([]messaging.ToDeviceEvent{
		{Type: "m.room.encrypted", Content: json.RawMessage(`{}`)},
	})
	if coordinator.NeedsSave() {
		t.Error("a dropped event marked state dirty")
	}
}

func TestExportPickleOnlyWhenDue(t *testing.T) {
	session := &fakeSession{}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), []byte("saved"), testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	// Clean session: no export.
	pickle, err := coordinator.ExportPickle()
	if err != nil {
		t.Fatalf("ExportPickle: %v", err)
	}
	if pickle != nil || session.pickleCalls != 0 {
		t.Error("ExportPickle exported a clean session")
	}

	coordinator.HandleSyncEvents([]messaging.ToDeviceEvent{
		{Type: "m.room_key", Content: json.RawMessage(`{}`)},
	})
	pickle, err = coordinator.ExportPickle()
	if err != nil {
		t.Fatalf("ExportPickle: %v", err)
	}
	if string(pickle) != "pickle" {
		t.Errorf("ExportPickle = %q, want %q", pickle, "pickle")
	}

	// Export clears the dirty marker until MarkDirty forces it back.
	if pickle, _ := coordinator.ExportPickle(); pickle != nil {
		t.Error("second ExportPickle re-exported unchanged state")
	}
	coordinator.MarkDirty()
	if pickle, _ := coordinator.ExportPickle(); pickle == nil {
		t.Error("ExportPickle after MarkDirty exported nothing")
	}
}

func TestCoordinatorClose(t *testing.T) {
	session := &fakeSession{}
	coordinator := NewCoordinator(&fakeProvider{session: session}, nil)
	if err := coordinator.EnsureSession(testIdentity(), []byte("saved"), testPickleKey(t)); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	coordinator.Close()
	if !session.closed {
		t.Error("Close did not release the session")
	}
	if coordinator.HasSession() {
		t.Error("coordinator reports a session after Close")
	}
}
