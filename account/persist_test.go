// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/droidian/chatty-sub001/keyring"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/storage"
)

// failingKeyring wraps a MemoryStore and fails saves on demand.
type failingKeyring struct {
	*keyring.MemoryStore
	failSaves bool
	saves     int
}

func (k *failingKeyring) Save(credentials keyring.Credentials) error {
	if k.failSaves {
		return errors.New("keyring unavailable")
	}
	k.saves++
	return k.MemoryStore.Save(credentials)
}

// recordingStore is an in-memory RecordStore for session tests.
type recordingStore struct {
	failSaves   bool
	failDeletes bool

	records []storage.AccountRecord
	chats   map[ref.RoomID]storage.ChatRecord
	deletes []ref.RoomID

	// ops journals every chat write in order, "upsert <room> <membership>"
	// or "delete <room>".
	ops []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{chats: make(map[ref.RoomID]storage.ChatRecord)}
}

func (s *recordingStore) SaveAccount(ctx context.Context, record storage.AccountRecord) error {
	if s.failSaves {
		return errors.New("database unavailable")
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingStore) UpsertChat(ctx context.Context, chat storage.ChatRecord) error {
	s.chats[chat.RoomID] = chat
	s.ops = append(s.ops, "upsert "+chat.RoomID.String()+" "+chat.Membership)
	return nil
}

func (s *recordingStore) DeleteChat(ctx context.Context, accountID ref.AccountID, roomID ref.RoomID) error {
	if s.failDeletes {
		return errors.New("database unavailable")
	}
	delete(s.chats, roomID)
	s.deletes = append(s.deletes, roomID)
	s.ops = append(s.ops, "delete "+roomID.String())
	return nil
}

func (s *recordingStore) lastRecord(t *testing.T) storage.AccountRecord {
	t.Helper()
	if len(s.records) == 0 {
		t.Fatal("no account record was saved")
	}
	return s.records[len(s.records)-1]
}

func testPersistCredentials() keyring.Credentials {
	return keyring.Credentials{
		AccountID: testAccountID,
		UserID:    ref.MustParseUserID("@alice:example.org"),
		Password:  "hunter2",
	}
}

func TestPersisterOrder(t *testing.T) {
	ring := &failingKeyring{MemoryStore: keyring.NewMemoryStore()}
	store := newRecordingStore()
	p := &persister{keyring: ring, store: store, logger: slog.Default()}

	p.markCredentials()
	p.markRecord()
	record := storage.AccountRecord{ID: testAccountID, UserID: ref.MustParseUserID("@alice:example.org"), Pickle: []byte("sealed")}
	if err := p.flush(context.Background(), testPersistCredentials(), record); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ring.saves != 1 || len(store.records) != 1 {
		t.Errorf("saves: keyring=%d store=%d, want 1/1", ring.saves, len(store.records))
	}
	if p.pending() {
		t.Error("flags survived a successful flush")
	}
}

func TestPersisterCredentialFailureBlocksRecord(t *testing.T) {
	ring := &failingKeyring{MemoryStore: keyring.NewMemoryStore(), failSaves: true}
	store := newRecordingStore()
	p := &persister{keyring: ring, store: store, logger: slog.Default()}

	p.markCredentials()
	p.markRecord()
	record := storage.AccountRecord{ID: testAccountID, Pickle: []byte("sealed")}
	if err := p.flush(context.Background(), testPersistCredentials(), record); err == nil {
		t.Fatal("flush succeeded despite keyring failure")
	}
	// The record embeds the pickle; it must not land before the
	// credential bundle that unlocks it.
	if len(store.records) != 0 {
		t.Error("record written while the credential write was failing")
	}
	if !p.credentialsDue || !p.recordDue {
		t.Error("flags cleared by a failed flush")
	}

	// Once the keyring recovers, a later flush writes both.
	ring.failSaves = false
	if err := p.flush(context.Background(), testPersistCredentials(), record); err != nil {
		t.Fatalf("recovery flush: %v", err)
	}
	if ring.saves != 1 || len(store.records) != 1 {
		t.Errorf("saves after recovery: keyring=%d store=%d, want 1/1", ring.saves, len(store.records))
	}
}

func TestPersisterRecordFailureRetained(t *testing.T) {
	ring := &failingKeyring{MemoryStore: keyring.NewMemoryStore()}
	store := newRecordingStore()
	store.failSaves = true
	p := &persister{keyring: ring, store: store, logger: slog.Default()}

	p.markAll()
	if err := p.flush(context.Background(), testPersistCredentials(), storage.AccountRecord{ID: testAccountID}); err == nil {
		t.Fatal("flush succeeded despite store failure")
	}
	if p.credentialsDue {
		t.Error("credential flag survived its successful write")
	}
	if !p.recordDue {
		t.Error("record flag cleared by a failed write")
	}
}

func TestPersisterNothingPending(t *testing.T) {
	ring := &failingKeyring{MemoryStore: keyring.NewMemoryStore(), failSaves: true}
	p := &persister{keyring: ring, store: newRecordingStore(), logger: slog.Default()}
	// With no flags set, even a broken keyring is never touched.
	if err := p.flush(context.Background(), testPersistCredentials(), storage.AccountRecord{}); err != nil {
		t.Fatalf("flush with nothing pending: %v", err)
	}
}
