// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package service owns the set of account sessions and presents their
// rooms as one flattened collection. It is the single explicitly
// constructed object the daemon passes to everything that needs account
// state; there is no package-level default instance.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droidian/chatty-sub001/account"
	"github.com/droidian/chatty-sub001/e2ee"
	"github.com/droidian/chatty-sub001/keyring"
	"github.com/droidian/chatty-sub001/lib/clock"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/storage"
)

// Store is the database surface the service and its sessions share.
// *storage.Store satisfies it.
type Store interface {
	account.RecordStore
	LoadAccounts(ctx context.Context) ([]storage.AccountRecord, error)
	Chats(ctx context.Context, accountID ref.AccountID) ([]storage.ChatRecord, error)
	DeleteAccount(ctx context.Context, accountID ref.AccountID) error
}

// Config assembles the service's collaborators, shared by every session
// it creates.
type Config struct {
	Resolver     account.Resolver
	NewTransport func(homeserverURL string) (account.Transport, error)
	Keyring      keyring.Store
	Store        Store
	Encryption   e2ee.Provider
	Authorizer   account.Authorizer

	Clock  clock.Clock
	Logger *slog.Logger

	Debounce    time.Duration
	SyncTimeout time.Duration
	MaxBackoff  time.Duration

	// AutoLogin enables accounts as soon as they are added.
	AutoLogin bool
}

// Service aggregates account sessions. All methods are safe for
// concurrent use.
type Service struct {
	resolver     account.Resolver
	newTransport func(string) (account.Transport, error)
	keyring      keyring.Store
	store        Store
	encryption   e2ee.Provider
	authorizer   account.Authorizer
	clock        clock.Clock
	logger       *slog.Logger

	debounce    time.Duration
	syncTimeout time.Duration
	maxBackoff  time.Duration
	autoLogin   bool

	mu       sync.RWMutex
	sessions map[ref.AccountID]*account.Session
	// order preserves insertion order for Rooms and Accounts.
	order     []ref.AccountID
	observers []account.Observer
}

// New creates an empty service. Call Load to restore persisted accounts.
func New(config Config) (*Service, error) {
	if config.Resolver == nil || config.NewTransport == nil {
		return nil, fmt.Errorf("service: resolver and transport factory are required")
	}
	if config.Keyring == nil || config.Store == nil || config.Encryption == nil {
		return nil, fmt.Errorf("service: keyring, store, and encryption provider are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceClock := config.Clock
	if serviceClock == nil {
		serviceClock = clock.Real()
	}
	return &Service{
		resolver:     config.Resolver,
		newTransport: config.NewTransport,
		keyring:      config.Keyring,
		store:        config.Store,
		encryption:   config.Encryption,
		authorizer:   config.Authorizer,
		clock:        serviceClock,
		logger:       logger,
		debounce:     config.Debounce,
		syncTimeout:  config.SyncTimeout,
		maxBackoff:   config.MaxBackoff,
		autoLogin:    config.AutoLogin,
		sessions:     make(map[ref.AccountID]*account.Session),
	}, nil
}

// Subscribe registers an observer for every session's events, including
// sessions created later. Must be called before Load to see restored
// sessions' bootstrap events.
func (s *Service) Subscribe(observer account.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

func (s *Service) dispatch(event account.Event) {
	s.mu.RLock()
	observers := make([]account.Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	for _, observer := range observers {
		observer(event)
	}
}

// Load restores every persisted account and enables the ones that were
// enabled when the daemon last ran. A corrupt or missing credential
// bundle degrades to a credential-less session that will prompt through
// the authorizer; it never blocks the other accounts.
func (s *Service) Load(ctx context.Context) error {
	records, err := s.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("service: loading accounts: %w", err)
	}
	for _, record := range records {
		credentials, err := s.keyring.Retrieve(record.ID)
		if err != nil {
			if !errors.Is(err, keyring.ErrNotFound) {
				s.logger.Error("credential bundle unreadable",
					"account", record.ID, "error", err)
			}
			credentials = keyring.Credentials{}
		}
		credentials.AccountID = record.ID
		credentials.UserID = record.UserID

		chats, err := s.store.Chats(ctx, record.ID)
		if err != nil {
			s.logger.Error("chat history unreadable", "account", record.ID, "error", err)
		}

		session, err := s.newSession(credentials, record, chats)
		if err != nil {
			s.logger.Error("account unrestorable", "account", record.ID, "error", err)
			continue
		}
		s.insert(session)
		if record.Enabled {
			session.SetEnabled(true)
		}
	}
	s.logger.Info("accounts loaded", "count", len(records))
	return nil
}

// AddAccount registers a new account. The credential bundle is saved
// first; nothing becomes visible unless that save succeeds. The new
// session is enabled immediately unless auto-login is off.
func (s *Service) AddAccount(ctx context.Context, credentials keyring.Credentials) (*account.Session, error) {
	if credentials.AccountID.IsZero() {
		accountID, err := ref.NewAccountID()
		if err != nil {
			return nil, fmt.Errorf("service: minting account ID: %w", err)
		}
		credentials.AccountID = accountID
	}
	s.mu.RLock()
	_, exists := s.sessions[credentials.AccountID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("service: account %s already registered", credentials.AccountID)
	}

	if err := s.keyring.Save(credentials); err != nil {
		return nil, fmt.Errorf("service: saving credentials: %w", err)
	}

	record := storage.AccountRecord{
		ID:            credentials.AccountID,
		UserID:        credentials.UserID,
		HomeserverURL: credentials.HomeserverURL,
		DeviceID:      credentials.DeviceID,
		Enabled:       s.autoLogin,
	}
	if err := s.store.SaveAccount(ctx, record); err != nil {
		// The session's own persistence rewrites the record on enable.
		s.logger.Warn("account record save failed", "account", record.ID, "error", err)
	}

	session, err := s.newSession(credentials, record, nil)
	if err != nil {
		return nil, err
	}
	s.insert(session)
	if s.autoLogin {
		session.SetEnabled(true)
	}
	return session, nil
}

// DeleteAccount removes the account. The in-memory removal happens
// before any I/O so observers stop seeing the account immediately; a
// failed credential or record delete is reported but never rolls the
// removal back.
func (s *Service) DeleteAccount(ctx context.Context, accountID ref.AccountID) error {
	s.mu.Lock()
	session, ok := s.sessions[accountID]
	if ok {
		delete(s.sessions, accountID)
		for i, id := range s.order {
			if id == accountID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: unknown account %s", accountID)
	}

	session.Close()

	var credentialErr, recordErr error
	if err := s.keyring.Delete(accountID); err != nil {
		credentialErr = fmt.Errorf("deleting credentials: %w", err)
	}
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		recordErr = fmt.Errorf("deleting account record: %w", err)
	}
	return errors.Join(credentialErr, recordErr)
}

// Session returns the session for the account, or nil.
func (s *Service) Session(accountID ref.AccountID) *account.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[accountID]
}

// Accounts returns every live session in insertion order.
func (s *Service) Accounts() []*account.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*account.Session, 0, len(s.order))
	for _, id := range s.order {
		sessions = append(sessions, s.sessions[id])
	}
	return sessions
}

// Rooms returns the union of every account's visible rooms, grouped by
// account in insertion order.
func (s *Service) Rooms() []account.Room {
	var rooms []account.Room
	for _, session := range s.Accounts() {
		rooms = append(rooms, session.Rooms()...)
	}
	return rooms
}

// SetConnectivity fans a network reachability change out to every
// session.
func (s *Service) SetConnectivity(online bool) {
	s.logger.Info("connectivity changed", "online", online)
	for _, session := range s.Accounts() {
		session.SetConnectivity(online)
	}
}

// Shutdown closes every session, flushing their pending persistence.
// The service is unusable afterwards.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sessions := make([]*account.Session, 0, len(s.order))
	for _, id := range s.order {
		sessions = append(sessions, s.sessions[id])
	}
	s.sessions = make(map[ref.AccountID]*account.Session)
	s.order = nil
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	s.logger.Info("service shut down", "accounts", len(sessions))
}

func (s *Service) newSession(credentials keyring.Credentials, record storage.AccountRecord, chats []storage.ChatRecord) (*account.Session, error) {
	session, err := account.NewSession(account.Config{
		Credentials:  credentials,
		Record:       record,
		Chats:        chats,
		Resolver:     s.resolver,
		NewTransport: s.newTransport,
		Keyring:      s.keyring,
		Store:        s.store,
		Encryption:   e2ee.NewCoordinator(s.encryption, s.logger),
		Authorizer:   s.authorizer,
		Observer:     s.dispatch,
		Clock:        s.clock,
		Logger:       s.logger,
		Debounce:     s.debounce,
		SyncTimeout:  s.syncTimeout,
		MaxBackoff:   s.maxBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("service: creating session for %s: %w", credentials.AccountID, err)
	}
	return session, nil
}

func (s *Service) insert(session *account.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.AccountID()] = session
	s.order = append(s.order, session.AccountID())
}
