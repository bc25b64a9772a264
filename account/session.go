// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droidian/chatty-sub001/e2ee"
	"github.com/droidian/chatty-sub001/keyring"
	"github.com/droidian/chatty-sub001/lib/clock"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
	"github.com/droidian/chatty-sub001/messaging"
	"github.com/droidian/chatty-sub001/storage"
)

// Transport is the homeserver API surface a session drives.
// *messaging.Client satisfies it.
type Transport interface {
	Login(ctx context.Context, username string, password *secret.Buffer, deviceID ref.DeviceID) (*messaging.AuthResponse, error)
	UploadKeys(ctx context.Context, token *secret.Buffer, request messaging.KeysUploadRequest) (*messaging.KeysUploadResponse, error)
	JoinedRooms(ctx context.Context, token *secret.Buffer) ([]ref.RoomID, error)
	Sync(ctx context.Context, token *secret.Buffer, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	LeaveRoom(ctx context.Context, token *secret.Buffer, roomID ref.RoomID) error
	CloseIdleConnections()
}

// Resolver discovers and verifies homeserver base URLs.
// *messaging.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, userID ref.UserID) (string, error)
	Verify(ctx context.Context, baseURL string) error
}

// Authorizer supplies a password interactively when the stored one is
// rejected. RequestPassword blocks until the user answers or ctx is
// cancelled.
type Authorizer interface {
	RequestPassword(ctx context.Context, userID ref.UserID) (*secret.Buffer, error)
}

// Config assembles a session's collaborators and initial state.
type Config struct {
	// Credentials is the secret bundle from the keyring. AccountID
	// and UserID are required; the rest may be empty for a brand-new
	// account.
	Credentials keyring.Credentials
	// Record is the persisted account record, zero for a new account.
	Record storage.AccountRecord
	// Chats seeds the registry with persisted rooms.
	Chats []storage.ChatRecord

	Resolver     Resolver
	NewTransport func(homeserverURL string) (Transport, error)
	Keyring      keyring.Store
	Store        RecordStore
	Encryption   *e2ee.Coordinator
	Authorizer   Authorizer
	Observer     Observer

	Clock  clock.Clock
	Logger *slog.Logger

	// Debounce is how long enable and disable requests coalesce
	// before taking effect. Defaults to 300ms.
	Debounce time.Duration
	// SyncTimeout is the server-side long-poll hold time. Defaults to
	// 30s.
	SyncTimeout time.Duration
	// MaxBackoff caps the retry delay after transient failures.
	// Defaults to 5m.
	MaxBackoff time.Duration
}

// Session runs one account. All methods are safe for concurrent use;
// they forward onto the run loop.
type Session struct {
	accountID ref.AccountID
	userID    ref.UserID

	resolver     Resolver
	newTransport func(string) (Transport, error)
	store        RecordStore
	encryption   *e2ee.Coordinator
	authorizer   Authorizer
	observer     Observer
	clock        clock.Clock
	logger       *slog.Logger

	debounceInterval time.Duration
	syncTimeout      time.Duration
	maxBackoff       time.Duration

	calls     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	status     Status
	desired    bool
	debounce   *clock.Timer
	retryTimer *clock.Timer
	backoff    time.Duration

	// generation tags in-flight work; completions from an older
	// generation are dropped on arrival. genCancel aborts every
	// operation started under the current generation.
	generation uint64
	genCtx     context.Context
	genCancel  context.CancelFunc

	transport Transport
	token     *secret.Buffer
	password  *secret.Buffer
	pickleKey *secret.Buffer

	credentials keyring.Credentials
	record      storage.AccountRecord
	registry    *Registry
	persist     *persister
}

// NewSession builds a session and starts its run loop in the disabled
// state. The caller owns the returned session and must Close it.
func NewSession(config Config) (*Session, error) {
	if config.Credentials.AccountID.IsZero() {
		return nil, fmt.Errorf("account: credentials carry no account ID")
	}
	if config.Credentials.UserID.IsZero() {
		return nil, fmt.Errorf("account: credentials carry no user ID")
	}
	if config.NewTransport == nil || config.Resolver == nil {
		return nil, fmt.Errorf("account: transport factory and resolver are required")
	}
	if config.Keyring == nil || config.Store == nil || config.Encryption == nil {
		return nil, fmt.Errorf("account: keyring, store, and encryption are required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", config.Credentials.AccountID)
	sessionClock := config.Clock
	if sessionClock == nil {
		sessionClock = clock.Real()
	}

	s := &Session{
		accountID:        config.Credentials.AccountID,
		userID:           config.Credentials.UserID,
		resolver:         config.Resolver,
		newTransport:     config.NewTransport,
		store:            config.Store,
		encryption:       config.Encryption,
		authorizer:       config.Authorizer,
		observer:         config.Observer,
		clock:            sessionClock,
		logger:           logger,
		debounceInterval: config.Debounce,
		syncTimeout:      config.SyncTimeout,
		maxBackoff:       config.MaxBackoff,
		calls:            make(chan func(), 16),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		credentials:      config.Credentials,
		record:           config.Record,
		registry:         NewRegistry(config.Credentials.AccountID, logger),
		persist: &persister{
			keyring: config.Keyring,
			store:   config.Store,
			logger:  logger,
		},
	}
	if s.debounceInterval <= 0 {
		s.debounceInterval = 300 * time.Millisecond
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = 30 * time.Second
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = 5 * time.Minute
	}

	// The record mirrors the credential identity fields; the
	// credentials are authoritative.
	s.record.ID = s.accountID
	s.record.UserID = s.userID
	if s.record.HomeserverURL == "" {
		s.record.HomeserverURL = s.credentials.HomeserverURL
	}
	if s.record.DeviceID.IsZero() {
		s.record.DeviceID = s.credentials.DeviceID
	}

	var err error
	if s.credentials.Password != "" {
		if s.password, err = secret.NewFromString(s.credentials.Password); err != nil {
			return nil, fmt.Errorf("account: protecting password: %w", err)
		}
	}
	if s.credentials.AccessToken != "" {
		if s.token, err = secret.NewFromString(s.credentials.AccessToken); err != nil {
			return nil, fmt.Errorf("account: protecting access token: %w", err)
		}
	}
	if s.credentials.PickleKey == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("account: generating pickle key: %w", err)
		}
		s.credentials.PickleKey = base64.RawStdEncoding.EncodeToString(raw)
		secret.Zero(raw)
		s.persist.markCredentials()
	}
	if s.pickleKey, err = secret.NewFromString(s.credentials.PickleKey); err != nil {
		return nil, fmt.Errorf("account: protecting pickle key: %w", err)
	}

	s.registry.Seed(config.Chats)

	go s.run()
	return s, nil
}

// AccountID returns the account's local identifier.
func (s *Session) AccountID() ref.AccountID { return s.accountID }

// UserID returns the account's Matrix user ID.
func (s *Session) UserID() ref.UserID { return s.userID }

// SetEnabled records the desired state. The change is applied after
// the debounce interval; opposite requests inside the window cancel
// out without any network traffic.
func (s *Session) SetEnabled(enabled bool) {
	s.post(func() { s.applySetEnabled(enabled) })
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	reply := make(chan Status, 1)
	if !s.post(func() { reply <- s.status }) {
		return StatusDisabled
	}
	// The loop may exit with the call still queued.
	select {
	case status := <-reply:
		return status
	case <-s.done:
		return StatusDisabled
	}
}

// Enabled returns the desired state, which may not have taken effect
// yet.
func (s *Session) Enabled() bool {
	reply := make(chan bool, 1)
	if !s.post(func() { reply <- s.desired }) {
		return false
	}
	select {
	case desired := <-reply:
		return desired
	case <-s.done:
		return false
	}
}

// Rooms returns a snapshot of the visible rooms in arrival order.
// Rooms awaiting leave confirmation are excluded.
func (s *Session) Rooms() []Room {
	reply := make(chan []Room, 1)
	ok := s.post(func() {
		tracked := s.registry.Rooms()
		rooms := make([]Room, 0, len(tracked))
		for _, room := range tracked {
			if room.Membership == MembershipHidden {
				continue
			}
			rooms = append(rooms, *room)
		}
		reply <- rooms
	})
	if !ok {
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-s.done:
		return nil
	}
}

// LeaveRoom asks the homeserver to leave the room. The room stays in
// the registry until a sync delta confirms the departure.
func (s *Session) LeaveRoom(roomID ref.RoomID) {
	s.post(func() {
		if s.status != StatusConnected || s.transport == nil {
			s.logger.Warn("leave requested while not connected", "room", roomID)
			return
		}
		if s.registry.Get(roomID) == nil {
			s.logger.Warn("leave requested for untracked room", "room", roomID)
			return
		}
		generation := s.generation
		ctx := s.opContext()
		transport, token := s.transport, s.token
		go func() {
			err := transport.LeaveRoom(ctx, token, roomID)
			s.complete(generation, func() {
				if err != nil && messaging.Classify(err) != messaging.FailureCancelled {
					s.logger.Warn("leave request failed", "room", roomID, "error", err)
				}
			})
		}()
	})
}

// SetConnectivity tells the session whether the network is reachable.
// Going offline interrupts traffic without touching the desired state;
// coming back online retries immediately instead of waiting out the
// backoff.
func (s *Session) SetConnectivity(online bool) {
	s.post(func() {
		if online {
			if s.desired && s.status == StatusDisconnected {
				s.retryNow()
			}
			return
		}
		if s.status == StatusConnecting || s.status == StatusConnected {
			s.cancelOps()
			if s.transport != nil {
				s.transport.CloseIdleConnections()
			}
			s.setStatus(StatusDisconnected)
		}
	})
}

// Flush forces any pending persistence through. Used at shutdown and
// after account creation.
func (s *Session) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	ok := s.post(func() {
		s.exportPickle()
		reply <- s.persist.flush(ctx, s.credentials, s.record)
	})
	if !ok {
		return fmt.Errorf("account: session closed")
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return fmt.Errorf("account: session closed")
	}
}

// Close stops the run loop, cancels in-flight work, flushes pending
// persistence, and releases key material. Blocks until the loop exits.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.quit:
			s.shutdown()
			close(s.done)
			return
		}
	}
}

// post schedules fn on the run loop. Returns false once the session is
// closing.
func (s *Session) post(fn func()) bool {
	select {
	case s.calls <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// complete posts a completion tagged with the generation it was
// started under; stale completions are dropped on arrival.
func (s *Session) complete(generation uint64, fn func()) {
	s.post(func() {
		if generation != s.generation {
			return
		}
		fn()
	})
}

func (s *Session) opContext() context.Context {
	if s.genCtx == nil {
		s.genCtx, s.genCancel = context.WithCancel(context.Background())
	}
	return s.genCtx
}

// cancelOps aborts every operation started under the current
// generation and advances it, so even completions that already raced
// past the context cancellation are dropped.
func (s *Session) cancelOps() {
	if s.genCancel != nil {
		s.genCancel()
		s.genCtx, s.genCancel = nil, nil
	}
	s.generation++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) setStatus(status Status) {
	if status == s.status {
		return
	}
	old := s.status
	s.status = status
	s.logger.Info("status changed", "from", old, "to", status)
	s.emit(StatusChanged{AccountID: s.accountID, Old: old, New: status})
}

func (s *Session) emit(event Event) {
	if s.observer != nil {
		s.observer(event)
	}
}

func (s *Session) applySetEnabled(enabled bool) {
	s.desired = enabled
	if s.debounce == nil {
		s.debounce = s.clock.AfterFunc(s.debounceInterval, func() {
			s.post(s.applyDesired)
		})
		return
	}
	s.debounce.Reset(s.debounceInterval)
}

func (s *Session) applyDesired() {
	if s.desired {
		if s.status == StatusDisabled || s.status == StatusDisconnected {
			s.record.Enabled = true
			s.persist.markRecord()
			s.startBootstrap()
		}
		return
	}
	s.disable()
}

func (s *Session) disable() {
	if s.status == StatusDisabled {
		return
	}
	s.cancelOps()
	s.backoff = 0
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	s.record.Enabled = false
	s.persist.markRecord()
	s.exportPickle()
	s.persist.flushLogged(context.Background(), s.credentials, s.record)
	s.setStatus(StatusDisabled)
}

// --- bootstrap ---------------------------------------------------------

func (s *Session) startBootstrap() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.setStatus(StatusConnecting)
	s.stepResolve()
}

func (s *Session) stepResolve() {
	if s.transport != nil {
		s.stepAuthenticate()
		return
	}
	generation := s.generation
	ctx := s.opContext()
	cachedURL := s.credentials.HomeserverURL
	userID := s.userID
	resolver := s.resolver
	go func() {
		baseURL := cachedURL
		var err error
		if baseURL == "" {
			baseURL, err = resolver.Resolve(ctx, userID)
		}
		if err == nil {
			err = resolver.Verify(ctx, baseURL)
		}
		s.complete(generation, func() {
			if err != nil {
				s.bootstrapFailed("resolve", err)
				return
			}
			transport, err := s.newTransport(baseURL)
			if err != nil {
				s.logger.Error("transport unavailable", "base_url", baseURL, "error", err)
				s.desired = false
				s.disable()
				return
			}
			s.transport = transport
			if s.credentials.HomeserverURL != baseURL {
				s.credentials.HomeserverURL = baseURL
				s.record.HomeserverURL = baseURL
				s.persist.markCredentials()
				s.persist.markRecord()
			}
			s.stepAuthenticate()
		})
	}()
}

func (s *Session) stepAuthenticate() {
	if s.token != nil {
		s.stepEncryption()
		return
	}
	if s.password == nil {
		s.requestReauth()
		return
	}
	generation := s.generation
	ctx := s.opContext()
	transport := s.transport
	username := s.userID.Localpart()
	password := s.password
	deviceID := s.record.DeviceID
	go func() {
		response, err := transport.Login(ctx, username, password, deviceID)
		s.complete(generation, func() {
			if err != nil {
				s.bootstrapFailed("login", err)
				return
			}
			s.setToken(response.AccessToken)
			if !response.DeviceID.IsZero() {
				s.record.DeviceID = response.DeviceID
				s.credentials.DeviceID = response.DeviceID
			}
			s.persist.markCredentials()
			s.persist.markRecord()
			s.persist.flushLogged(context.Background(), s.credentials, s.record)
			s.stepEncryption()
		})
	}()
}

func (s *Session) stepEncryption() {
	if !s.encryption.HasSession() {
		identity := e2ee.Identity{UserID: s.userID, DeviceID: s.record.DeviceID}
		if err := s.encryption.EnsureSession(identity, s.record.Pickle, s.pickleKey); err != nil {
			s.logger.Error("encryption session unavailable", "error", err)
			s.desired = false
			s.disable()
			return
		}
		s.exportPickle()
	}
	request, ok := s.encryption.UploadRequest()
	if !ok {
		s.stepRooms()
		return
	}
	generation := s.generation
	ctx := s.opContext()
	transport, token := s.transport, s.token
	go func() {
		response, err := transport.UploadKeys(ctx, token, request)
		s.complete(generation, func() {
			if err != nil {
				s.encryption.AbandonUpload()
				s.bootstrapFailed("key upload", err)
				return
			}
			s.encryption.ConfirmPublished(response.OneTimeKeyCounts)
			s.exportPickle()
			s.stepRooms()
		})
	}()
}

func (s *Session) stepRooms() {
	if s.record.NextBatch != "" {
		s.connected()
		return
	}
	generation := s.generation
	ctx := s.opContext()
	transport, token := s.transport, s.token
	go func() {
		rooms, err := transport.JoinedRooms(ctx, token)
		s.complete(generation, func() {
			if err != nil {
				s.bootstrapFailed("joined rooms", err)
				return
			}
			for _, roomID := range rooms {
				room, added := s.registry.AddJoined(roomID)
				if !added {
					continue
				}
				s.persistChat(room)
				s.emit(RoomJoined{AccountID: s.accountID, Room: *room})
			}
			s.connected()
		})
	}()
}

func (s *Session) connected() {
	s.backoff = 0
	s.setStatus(StatusConnected)
	// Rows seeded hidden from storage are departures whose removal
	// never completed; retry them now.
	s.finalizeLeaves()
	s.persist.flushLogged(context.Background(), s.credentials, s.record)
	s.issueSync(true)
}

// --- sync loop ---------------------------------------------------------

func (s *Session) issueSync(first bool) {
	generation := s.generation
	ctx := s.opContext()
	options := messaging.SyncOptions{
		Since:   s.record.NextBatch,
		Timeout: s.syncTimeout.Milliseconds(),
	}
	// The first sync of a connection answers immediately so the UI
	// catches up before the long-poll cadence starts.
	if first {
		options.Timeout = 0
	}
	transport, token := s.transport, s.token
	go func() {
		response, err := transport.Sync(ctx, token, options)
		s.complete(generation, func() { s.onSync(response, err) })
	}()
}

func (s *Session) onSync(response *messaging.SyncResponse, err error) {
	if err != nil {
		switch messaging.Classify(err) {
		case messaging.FailureCancelled:
			// Deliberate local cancellation; whoever cancelled already
			// moved the state machine.
		case messaging.FailureProtocol:
			s.protocolFailure("sync", err)
		default:
			s.transientFailure("sync", err)
		}
		return
	}

	s.record.NextBatch = response.NextBatch
	s.persist.markRecord()

	s.encryption.HandleSyncEvents(response.ToDevice.Events)

	delta := s.registry.Apply(response)
	for _, room := range delta.Joined {
		s.persistChat(room)
		s.emit(RoomJoined{AccountID: s.accountID, Room: *room})
	}
	for _, room := range delta.Changed {
		s.persistChat(room)
		s.emit(RoomChanged{AccountID: s.accountID, Room: *room})
	}
	// A departure is durable only once the chat row says hidden; the
	// row must land before the delete so a crash between the two
	// resurrects the room as pending removal, not as joined.
	for _, room := range delta.Hidden {
		s.persistChat(room)
	}
	s.finalizeLeaves()

	s.exportPickle()
	s.persist.flushLogged(context.Background(), s.credentials, s.record)
	s.issueSync(false)
}

// finalizeLeaves removes hidden rooms whose departure has been
// persisted. A failed delete leaves the room hidden; the next sync
// completion retries.
func (s *Session) finalizeLeaves() {
	for _, room := range s.registry.Rooms() {
		if room.Membership != MembershipHidden {
			continue
		}
		if err := s.store.DeleteChat(context.Background(), s.accountID, room.ID); err != nil {
			s.logger.Warn("deferring room removal", "room", room.ID, "error", err)
			continue
		}
		s.registry.Remove(room.ID)
		s.emit(RoomLeft{AccountID: s.accountID, RoomID: room.ID})
	}
}

func (s *Session) persistChat(room *Room) {
	if err := s.store.UpsertChat(context.Background(), room.chatRecord()); err != nil {
		s.logger.Warn("chat persistence failed", "room", room.ID, "error", err)
	}
}

func (s *Session) exportPickle() {
	if s.encryption == nil || !s.encryption.NeedsSave() {
		return
	}
	pickle, err := s.encryption.ExportPickle()
	if err != nil {
		s.logger.Warn("pickle export failed", "error", err)
		return
	}
	if pickle != nil {
		s.record.Pickle = pickle
		s.persist.markRecord()
	}
}

// --- failure handling --------------------------------------------------

func (s *Session) bootstrapFailed(stage string, err error) {
	switch messaging.Classify(err) {
	case messaging.FailureCancelled:
	case messaging.FailureProtocol:
		if stage == "login" && messaging.IsMatrixError(err, messaging.CodeForbidden) {
			s.logger.Warn("password rejected, requesting re-authentication")
			s.requestReauth()
			return
		}
		s.protocolFailure(stage, err)
	default:
		s.transientFailure(stage, err)
	}
}

// transientFailure arms the retry before announcing the disconnect so
// an observer reacting to the status change always finds the retry
// pending.
func (s *Session) transientFailure(stage string, err error) {
	s.logger.Warn("transient failure", "stage", stage, "error", err)
	s.scheduleRetry()
	s.setStatus(StatusDisconnected)
}

func (s *Session) protocolFailure(stage string, err error) {
	if messaging.IsMatrixError(err, messaging.CodeUnknownToken) {
		// The server no longer honors the cached token. Drop it and
		// bootstrap again from login.
		s.logger.Warn("access token rejected, re-authenticating")
		s.setToken("")
		s.persist.markCredentials()
		s.startBootstrap()
		return
	}
	s.logger.Error("protocol failure", "stage", stage, "error", err)
	s.scheduleRetry()
	s.setStatus(StatusDisconnected)
}

func (s *Session) scheduleRetry() {
	if s.backoff == 0 {
		s.backoff = time.Second
	} else {
		s.backoff *= 2
		if s.backoff > s.maxBackoff {
			s.backoff = s.maxBackoff
		}
	}
	s.logger.Debug("retry scheduled", "delay", s.backoff)
	s.retryTimer = s.clock.AfterFunc(s.backoff, func() {
		s.post(func() {
			s.retryTimer = nil
			if s.desired && s.status == StatusDisconnected {
				s.startBootstrap()
			}
		})
	})
}

func (s *Session) retryNow() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.backoff = 0
	s.startBootstrap()
}

func (s *Session) requestReauth() {
	if s.authorizer == nil {
		s.logger.Error("stored password rejected and no authorizer available")
		s.desired = false
		s.disable()
		return
	}
	generation := s.generation
	ctx := s.opContext()
	userID := s.userID
	authorizer := s.authorizer
	go func() {
		password, err := authorizer.RequestPassword(ctx, userID)
		s.complete(generation, func() {
			if err != nil {
				s.logger.Warn("re-authentication declined", "error", err)
				s.desired = false
				s.disable()
				return
			}
			if s.password != nil {
				s.password.Close()
			}
			s.password = password
			s.credentials.Password = password.String()
			s.persist.markCredentials()
			s.startBootstrap()
		})
	}()
}

// setToken replaces the cached access token. An empty string clears
// it.
func (s *Session) setToken(token string) {
	if s.token != nil {
		s.token.Close()
		s.token = nil
	}
	s.credentials.AccessToken = token
	if token == "" {
		return
	}
	buffer, err := secret.NewFromString(token)
	if err != nil {
		s.logger.Error("protecting access token failed", "error", err)
		return
	}
	s.token = buffer
}

func (s *Session) shutdown() {
	s.cancelOps()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.exportPickle()
	s.persist.flushLogged(context.Background(), s.credentials, s.record)
	s.encryption.Close()
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	for _, buffer := range []*secret.Buffer{s.token, s.password, s.pickleKey} {
		if buffer != nil {
			buffer.Close()
		}
	}
}
