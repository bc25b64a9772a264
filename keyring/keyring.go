// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"errors"
	"sync"

	"github.com/droidian/chatty-sub001/lib/ref"
)

// ErrNotFound reports that no credentials exist for the account.
var ErrNotFound = errors.New("keyring: no credentials for account")

// Credentials is one account's secret bundle. Password is kept for
// re-login after token expiry; AccessToken may be empty before the
// first successful login. PickleKey seals the encryption session state
// in the account database.
type Credentials struct {
	AccountID     ref.AccountID `json:"account_id"`
	UserID        ref.UserID    `json:"user_id"`
	HomeserverURL string        `json:"homeserver_url"`
	DeviceID      ref.DeviceID  `json:"device_id,omitempty"`
	Password      string        `json:"password"`
	AccessToken   string        `json:"access_token,omitempty"`
	PickleKey     string        `json:"pickle_key"`
}

// Store persists credential bundles keyed by account ID.
type Store interface {
	// Save writes the bundle, replacing any existing one.
	Save(credentials Credentials) error
	// Retrieve loads the bundle. Returns ErrNotFound when the account
	// has none.
	Retrieve(accountID ref.AccountID) (Credentials, error)
	// Delete removes the bundle. Deleting a missing bundle is not an
	// error.
	Delete(accountID ref.AccountID) error
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	bundles map[ref.AccountID]Credentials
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[ref.AccountID]Credentials)}
}

// Save implements Store.
func (s *MemoryStore) Save(credentials Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[credentials.AccountID] = credentials
	return nil
}

// Retrieve implements Store.
func (s *MemoryStore) Retrieve(accountID ref.AccountID) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials, ok := s.bundles[accountID]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return credentials, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(accountID ref.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, accountID)
	return nil
}
